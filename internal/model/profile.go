package model

import "time"

// SubscriptionActive is the only subscription status that unlocks
// subscription-gated routes.
const SubscriptionActive = "active"

// Profile represents an application profile record as stored in the
// `profiles` table.  There is exactly one row per Identity, keyed by the
// identity id, created on first successful sign-in.  Billing columns are
// written by the payment webhook path, never by sign-in.
//
// Fields:
//
//	ID                 – profiles.id, equal to Identity.ID.
//	Email              – email captured at creation time.
//	FullName           – optional display name.
//	AvatarURL          – optional avatar location.
//	SubscriptionStatus – billing status ("active", "past_due", ...); empty when none.
//	SubscriptionID     – payment provider subscription id.
//	StripeCustomerID   – payment provider customer id.
//	CreatedAt          – timestamp of creation.
//	UpdatedAt          – timestamp of last update.
type Profile struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	FullName           string    `json:"full_name,omitempty"`
	AvatarURL          string    `json:"avatar_url,omitempty"`
	SubscriptionStatus string    `json:"subscription_status,omitempty"`
	SubscriptionID     string    `json:"subscription_id,omitempty"`
	StripeCustomerID   string    `json:"stripe_customer_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasActiveSubscription reports whether the profile unlocks gated routes.
func (p Profile) HasActiveSubscription() bool {
	return p.SubscriptionStatus == SubscriptionActive
}
