package domain

import (
	"time"

	"github.com/google/uuid"
)

// KeyScheme is the printable prefix on every issued API key, giving keys the
// shape bill_<prefix>_<secret>.
const KeyScheme = "bill"

// Scope strings gate individual operations. A key with an empty scope set is
// unrestricted.
const (
	ScopeBilling = "billing"
	ScopeUsage   = "usage"
	ScopeAdmin   = "admin"
)

// APIKey is the persisted form of an issued credential. Only the public
// prefix and the HMAC of the secret are stored; the raw secret is returned
// exactly once at creation.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	AccountID  uuid.UUID  `json:"account_id"`
	KeyPrefix  string     `json:"key_prefix"`
	KeyHash    string     `json:"-"` // Never expose
	Label      string     `json:"label"`
	Scopes     []string   `json:"scopes"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Allows reports whether the key grants the required scope. An empty scope
// set grants everything.
func (k *APIKey) Allows(scope string) bool {
	if len(k.Scopes) == 0 {
		return true
	}
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
