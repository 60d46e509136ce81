package domain

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken is the durable half of a dashboard session. Only the argon2id
// hash of the token secret persists; presenting a revoked token revokes the
// whole account's sessions.
type RefreshToken struct {
	ID        uuid.UUID  `json:"id"`
	AccountID uuid.UUID  `json:"account_id"`
	TokenHash string     `json:"-"` // Never expose
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// IsUsable returns true if the token is neither revoked nor expired.
func (t *RefreshToken) IsUsable(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// TokenPair is what the framing layer hands to a dashboard client after a
// successful login or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
}
