package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Tier is the service class of an API key.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Prefix returns the credential prefix used for keys of this tier.
func (t Tier) Prefix() string {
	switch t {
	case TierFree:
		return "free_"
	case TierPro:
		return "pro_"
	case TierEnterprise:
		return "ent_"
	}
	return ""
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t.Prefix() != ""
}

// ParseTier converts a user supplied string into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// InternalKeyPrefix is used for keys created from the dashboard.
const InternalKeyPrefix = "xapi_"

// APIKey is an issued credential together with its quota window state.
// Usage and ResetAt are only mutated by the quota engine, RevokedAt only by
// the lifecycle manager.
type APIKey struct {
	ID         string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	Value      string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"value"`
	Tier       Tier       `gorm:"type:varchar(20);not null" json:"tier"`
	Owner      string     `gorm:"type:varchar(255);index" json:"owner,omitempty"`
	UserID     string     `gorm:"type:varchar(64);index" json:"user_id,omitempty"`
	Limit      int64      `gorm:"column:quota_limit;not null" json:"limit"`
	Usage      int64      `gorm:"column:usage_count;default:0;not null" json:"usage"`
	ResetAt    time.Time  `gorm:"not null" json:"reset_at"`
	DurationMS int64      `gorm:"column:duration_ms;not null" json:"duration_ms"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	Version    int64      `gorm:"default:0;not null" json:"-"`
}

// BeforeCreate assigns an ID when the caller did not.
func (k *APIKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	return nil
}

// Duration returns the window length.
func (k *APIKey) Duration() time.Duration {
	return time.Duration(k.DurationMS) * time.Millisecond
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// Remaining returns the quota left in the current window.
func (k *APIKey) Remaining() int64 {
	if k.Usage >= k.Limit {
		return 0
	}
	return k.Limit - k.Usage
}

// Validate checks the fields every store relies on.
func (k *APIKey) Validate() error {
	if k.Value == "" {
		return fmt.Errorf("api key value cannot be empty")
	}
	if !k.Tier.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, k.Tier)
	}
	if k.Limit < 0 {
		return ErrInvalidLimit
	}
	if k.DurationMS <= 0 {
		return ErrInvalidDuration
	}
	if k.Usage < 0 {
		return fmt.Errorf("api key usage cannot be negative")
	}
	return nil
}

// Clone returns a deep copy, so callers never share the RevokedAt pointer.
func (k APIKey) Clone() APIKey {
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		k.RevokedAt = &t
	}
	return k
}

// KeySuffix returns the last 4 characters of a key value for logging.
func KeySuffix(value string) string {
	if len(value) > 4 {
		return value[len(value)-4:]
	}
	return value
}
