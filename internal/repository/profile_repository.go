package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/saas-auth/internal/database"
	"github.com/iliyamo/saas-auth/internal/model"
)

const profileColumns = "id,email,full_name,avatar_url,subscription_status,subscription_id,stripe_customer_id,created_at,updated_at"

// ProfileRepo reads and provisions rows in the 'profiles' table.
type ProfileRepo struct {
	DB      *sql.DB
	Dialect database.Dialect
}

func NewProfileRepo(db *sql.DB, dialect database.Dialect) *ProfileRepo {
	return &ProfileRepo{DB: db, Dialect: dialect}
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// GetByID fetches a profile by identity id. ErrNotFound when absent.
func (r *ProfileRepo) GetByID(ctx context.Context, id string) (model.Profile, error) {
	var (
		p                               model.Profile
		fullName, avatar, subID, custID sql.NullString
		created, updated                int64
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT "+profileColumns+" FROM profiles WHERE id=? LIMIT 1", id).
		Scan(&p.ID, &p.Email, &fullName, &avatar, &p.SubscriptionStatus, &subID, &custID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, ErrNotFound
	}
	if err != nil {
		return model.Profile{}, err
	}
	p.FullName = fullName.String
	p.AvatarURL = avatar.String
	p.SubscriptionID = subID.String
	p.StripeCustomerID = custID.String
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

// insertIfAbsentSQL is an upsert that leaves an existing row untouched.
func (r *ProfileRepo) insertIfAbsentSQL() string {
	const base = "INSERT INTO profiles (id,email,subscription_status,created_at,updated_at) VALUES (?,?,?,?,?)"
	if r.Dialect == database.SQLite {
		return base + " ON CONFLICT(id) DO NOTHING"
	}
	// id=id is a no-op update: MySQL reports 0 affected rows for it.
	return base + " ON DUPLICATE KEY UPDATE id=id"
}

// InsertIfAbsent creates the profile row keyed on p.ID unless one already
// exists. created reports whether this call wrote the row. A concurrent
// writer winning the race is not an error.
func (r *ProfileRepo) InsertIfAbsent(ctx context.Context, p model.Profile) (bool, error) {
	email := strings.ToLower(strings.TrimSpace(p.Email))
	res, err := r.DB.ExecContext(ctx, r.insertIfAbsentSQL(),
		p.ID, email, p.SubscriptionStatus, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SubscriptionStatus returns the billing status for a profile. A missing
// profile is ErrNotFound so the guard can tell it apart from an outage.
func (r *ProfileRepo) SubscriptionStatus(ctx context.Context, id string) (string, error) {
	var status string
	err := r.DB.QueryRowContext(ctx,
		"SELECT subscription_status FROM profiles WHERE id=? LIMIT 1", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

// Count returns the number of rows for id. Used by tests and the
// migrate command's sanity check.
func (r *ProfileRepo) Count(ctx context.Context, id string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM profiles WHERE id=?", id).Scan(&n)
	return n, err
}
