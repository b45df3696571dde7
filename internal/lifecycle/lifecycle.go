// Package lifecycle issues and revokes API keys. Authorization of the
// caller is the job of the HTTP layer; this package only mutates.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"keygate/internal/metrics"
	"keygate/internal/model"

	"github.com/google/uuid"
)

// maxIssueAttempts bounds retries on a (practically impossible) value collision.
const maxIssueAttempts = 3

// KeyStore is the subset of the key store the manager uses.
type KeyStore interface {
	Put(ctx context.Context, key *model.APIKey) (*model.APIKey, error)
	FindByID(ctx context.Context, id string) (*model.APIKey, error)
	FindAllByOwnerOrUser(ctx context.Context, id string) ([]model.APIKey, error)
	Revoke(ctx context.Context, id string) (*model.APIKey, error)
}

// FreePolicy is the fixed quota for self-service keys.
type FreePolicy struct {
	Limit    int64
	Duration time.Duration
	Owner    string
}

// Manager issues and revokes keys.
type Manager struct {
	store   KeyStore
	free    FreePolicy
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager(store KeyStore, free FreePolicy, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		free:    free,
		metrics: m,
		logger:  logger.With("component", "lifecycle"),
		now:     time.Now,
	}
}

// Issue creates a key of the given tier. The value is the tier prefix
// followed by a random UUID. Nothing is stored when validation fails.
func (m *Manager) Issue(ctx context.Context, tier model.Tier, limit int64, duration time.Duration, owner string) (*model.APIKey, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidTier, tier)
	}
	if limit <= 0 {
		return nil, model.ErrInvalidLimit
	}
	if duration.Milliseconds() <= 0 {
		return nil, model.ErrInvalidDuration
	}
	return m.put(ctx, &model.APIKey{
		Tier:       tier,
		Owner:      owner,
		Limit:      limit,
		DurationMS: duration.Milliseconds(),
	}, func() string {
		return tier.Prefix() + uuid.NewString()
	})
}

// IssueFree creates a self-service key under the free policy.
func (m *Manager) IssueFree(ctx context.Context) (*model.APIKey, error) {
	return m.Issue(ctx, model.TierFree, m.free.Limit, m.free.Duration, m.free.Owner)
}

// IssueForUser creates a dashboard key for a registered user. These keys use
// the internal xapi_ format and the free policy.
func (m *Manager) IssueForUser(ctx context.Context, user *model.User) (*model.APIKey, error) {
	return m.put(ctx, &model.APIKey{
		Tier:       model.TierFree,
		Owner:      user.Email,
		UserID:     user.ID,
		Limit:      m.free.Limit,
		DurationMS: m.free.Duration.Milliseconds(),
	}, func() string {
		return model.InternalKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	})
}

func (m *Manager) put(ctx context.Context, template *model.APIKey, newValue func() string) (*model.APIKey, error) {
	var lastErr error
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		now := m.now()
		k := template.Clone()
		k.Value = newValue()
		k.CreatedAt = now
		k.ResetAt = now.Add(k.Duration())

		stored, err := m.store.Put(ctx, &k)
		if err == nil {
			m.metrics.RecordKeyIssued(string(stored.Tier))
			m.logger.Info("Issued API key", "key_id", stored.ID, "tier", stored.Tier, "owner", stored.Owner, "key_suffix", model.KeySuffix(stored.Value))
			return stored, nil
		}
		if !errors.Is(err, model.ErrDuplicateKey) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Revoke revokes the key. Revoking twice returns the key unchanged and is
// neither counted nor logged again.
func (m *Manager) Revoke(ctx context.Context, id string) (*model.APIKey, error) {
	cur, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Revoked() {
		return cur, nil
	}

	k, err := m.store.Revoke(ctx, id)
	if err != nil {
		return nil, err
	}
	m.metrics.RecordKeyRevoked()
	m.logger.Info("Revoked API key", "key_id", k.ID, "key_suffix", model.KeySuffix(k.Value))
	return k, nil
}

// Get returns a key by ID, revoked or not.
func (m *Manager) Get(ctx context.Context, id string) (*model.APIKey, error) {
	return m.store.FindByID(ctx, id)
}

// ListForOwner returns the unrevoked keys of an owner label or user ID.
func (m *Manager) ListForOwner(ctx context.Context, owner string) ([]model.APIKey, error) {
	return m.store.FindAllByOwnerOrUser(ctx, owner)
}

// IssueResponse is the body returned to whoever requested a key.
type IssueResponse struct {
	Status    bool       `json:"status"`
	APIKey    string     `json:"api_key"`
	Tier      model.Tier `json:"tier"`
	Limit     int64      `json:"limit"`
	Owner     string     `json:"owner,omitempty"`
	ExpiresIn string     `json:"expires_in"`
}

// NewIssueResponse describes k. ExpiresIn is the window length in whole hours.
func NewIssueResponse(k *model.APIKey, includeOwner bool) IssueResponse {
	resp := IssueResponse{
		Status:    true,
		APIKey:    k.Value,
		Tier:      k.Tier,
		Limit:     k.Limit,
		ExpiresIn: fmt.Sprintf("%dh", int64(k.Duration()/time.Hour)),
	}
	if includeOwner {
		resp.Owner = k.Owner
	}
	return resp
}
