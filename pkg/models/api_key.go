package models

import (
	"time"

	"github.com/google/uuid"
)

// Plan is a subscription tier. Limits and permissions are snapshotted from the
// plan catalog onto the key at issuance; later catalog changes never alter
// already-issued keys.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// Status is the lifecycle state of an API key. Expired and revoked are terminal.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// RateLimit holds the three request ceilings for a key.
type RateLimit struct {
	PerMinute int `db:"rate_limit_per_minute" json:"requests_per_minute"`
	PerDay    int `db:"rate_limit_per_day"    json:"requests_per_day"`
	PerMonth  int `db:"rate_limit_per_month"  json:"requests_per_month"`
}

// Usage holds the mutable request counters for a key. Window counters are
// reset lazily on admission when their window boundary has passed.
type Usage struct {
	TotalRequests int64      `db:"total_requests"       json:"total_requests"`
	ThisMinute    int        `db:"requests_this_minute" json:"requests_this_minute"`
	Today         int        `db:"requests_today"       json:"requests_today"`
	ThisMonth     int        `db:"requests_this_month"  json:"requests_this_month"`
	MinuteResetAt *time.Time `db:"minute_reset_at"      json:"minute_reset_at,omitempty"`
	DayResetAt    *time.Time `db:"day_reset_at"         json:"day_reset_at,omitempty"`
	MonthResetAt  *time.Time `db:"month_reset_at"       json:"month_reset_at,omitempty"`
	LastRequestAt *time.Time `db:"last_request_at"      json:"last_request_at,omitempty"`
}

// APIKey is a machine credential for the public data API. The plaintext
// secret is shown once at issuance; only the bcrypt hash is stored.
type APIKey struct {
	ID             uuid.UUID  `db:"id"              json:"id"`
	OwnerID        uuid.UUID  `db:"owner_id"        json:"owner_id"`
	Name           string     `db:"name"            json:"name"`
	PublicKeyID    string     `db:"public_key_id"   json:"public_key_id"`
	SecretHash     string     `db:"secret_hash"     json:"-"`
	Plan           Plan       `db:"plan"            json:"plan"`
	Status         Status     `db:"status"          json:"status"`
	Permissions    []string   `db:"permissions"     json:"permissions"`
	RateLimit      RateLimit  `json:"rate_limit"`
	Usage          Usage      `json:"usage"`
	AllowedIPs     []string   `db:"allowed_ips"     json:"allowed_ips,omitempty"`
	AllowedDomains []string   `db:"allowed_domains" json:"allowed_domains,omitempty"`
	ExpiresAt      *time.Time `db:"expires_at"      json:"expires_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"      json:"updated_at"`
}

// HasPermission reports whether the key was granted the exact capability
// string. No hierarchy or wildcard expansion.
func (k *APIKey) HasPermission(capability string) bool {
	for _, p := range k.Permissions {
		if p == capability {
			return true
		}
	}
	return false
}

// IsExpired reports whether the key's deadline has passed at the given time.
// Keys without a deadline never expire.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}
