package model

import "time"

// Field limits for issued API keys.
const (
	MaxKeyNameLen        = 100
	MaxKeyDescriptionLen = 300
)

// APIKey represents an issued API key. The raw secret is never stored; only
// its SHA-256 hash and a short prefix for identification are persisted.
type APIKey struct {
	ID          int64      `json:"id" db:"id"`
	KeyHash     string     `json:"-" db:"key_hash"`            // SHA-256 hash, never expose
	KeyPrefix   string     `json:"key_prefix" db:"key_prefix"` // First 8 chars for identification
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CreatedBy   *string    `json:"created_by,omitempty" db:"created_by"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	UsageCount  int64      `json:"usage_count" db:"usage_count"`
	IsActive    bool       `json:"is_active" db:"is_active"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokedBy   *string    `json:"revoked_by,omitempty" db:"revoked_by"`
}

// Admissible reports whether the key may authenticate a request at time t:
// it must be active and either have no expiry or expire strictly after t.
func (k *APIKey) Admissible(t time.Time) bool {
	if k == nil || !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(t)
}

// Expired reports whether the key has an expiry at or before t.
func (k *APIKey) Expired(t time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(t)
}

// Revoked reports whether revocation metadata has been stamped on the key.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// Status returns a short display label for the key's state at time t.
func (k *APIKey) Status(t time.Time) string {
	switch {
	case k.Revoked() || !k.IsActive:
		return "revoked"
	case k.Expired(t):
		return "expired"
	default:
		return "active"
	}
}
