// Package reconcile guarantees that an authenticated identity has exactly
// one profile row.
package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/saas-auth/internal/autherr"
	"github.com/iliyamo/saas-auth/internal/model"
	"github.com/iliyamo/saas-auth/internal/repository"
)

var tracer = otel.Tracer("github.com/iliyamo/saas-auth/internal/reconcile")

// ProfileStore is the slice of the profile repository the reconciler needs.
type ProfileStore interface {
	GetByID(ctx context.Context, id string) (model.Profile, error)
	InsertIfAbsent(ctx context.Context, p model.Profile) (bool, error)
}

// Reconciler provisions profiles. It never retries; the callback
// orchestrator owns that decision.
type Reconciler struct {
	store ProfileStore
	log   *zap.Logger
	now   func() time.Time
	group singleflight.Group
}

func New(store ProfileStore, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{store: store, log: log.Named("reconcile"), now: time.Now}
}

// EnsureProfile returns the profile for id, creating it on first sight.
// An existing profile is returned unchanged. Concurrent calls for the same
// identity share one store round trip; callers in other processes are
// covered by the store's idempotent insert.
func (r *Reconciler) EnsureProfile(ctx context.Context, id model.Identity) (model.Profile, error) {
	if err := validIdentity(id); err != nil {
		return model.Profile{}, err
	}
	v, err, shared := r.group.Do(id.ID, func() (interface{}, error) {
		return r.ensure(ctx, id)
	})
	if err != nil {
		return model.Profile{}, err
	}
	if shared {
		r.log.Debug("profile reconcile shared", zap.String("user_id", id.ID))
	}
	return v.(model.Profile), nil
}

func (r *Reconciler) ensure(ctx context.Context, id model.Identity) (model.Profile, error) {
	ctx, span := tracer.Start(ctx, "reconcile.EnsureProfile")
	defer span.End()
	span.SetAttributes(attribute.String("auth.user_id", id.ID))

	p, err := r.store.GetByID(ctx, id.ID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile lookup failed")
		return model.Profile{}, autherr.ProfileProvisioning("Failed to create user profile", err)
	}

	now := r.now().UTC().Truncate(time.Millisecond)
	created, err := r.store.InsertIfAbsent(ctx, model.Profile{
		ID:        id.ID,
		Email:     id.Email,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile insert failed")
		return model.Profile{}, autherr.ProfileProvisioning("Failed to create user profile", err)
	}
	if created {
		r.log.Info("profile created", zap.String("user_id", id.ID))
	}

	p, err = r.store.GetByID(ctx, id.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile reread failed")
		return model.Profile{}, autherr.ProfileProvisioning("Failed to create user profile", err)
	}
	span.SetAttributes(attribute.Bool("profile.created", created))
	return p, nil
}

func validIdentity(id model.Identity) error {
	if _, err := uuid.Parse(id.ID); err != nil {
		return autherr.Validation("Invalid user identity", err)
	}
	if strings.TrimSpace(id.Email) == "" {
		return autherr.Validation("Invalid user identity", errors.New("identity has no email"))
	}
	return nil
}
