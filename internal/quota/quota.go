// Package quota decides whether one request against one key is admitted.
package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"keygate/internal/model"
)

// Updater is the part of the key store the engine needs: an atomic
// read-modify-write of one unrevoked key.
type Updater interface {
	Update(ctx context.Context, value string, fn func(k *model.APIKey) error) (*model.APIKey, error)
}

// Decision is the outcome of one admission check. It is returned both on
// admit and alongside a *model.QuotaError on denial.
type Decision struct {
	Key       model.APIKey
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Engine applies the windowed quota to keys held in an Updater.
type Engine struct {
	store  Updater
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine over store.
func NewEngine(store Updater, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		now:    time.Now,
		logger: logger.With("component", "quota"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Admit consumes one unit of quota from the key with the given value.
//
// The window resets when now >= resetAt, anchoring the new window at now.
// A key with no quota left is denied with a *model.QuotaError and not
// written. Unknown and revoked keys yield model.ErrInvalidCredential.
//
// The store mutation is not cancelled with ctx, so a disconnecting client
// never leaves a key half-updated.
func (e *Engine) Admit(ctx context.Context, value string) (*Decision, error) {
	ctx = context.WithoutCancel(ctx)

	k, err := e.store.Update(ctx, value, func(k *model.APIKey) error {
		now := e.now()
		if !now.Before(k.ResetAt) {
			k.Usage = 0
			k.ResetAt = now.Add(k.Duration())
		}
		if k.Usage >= k.Limit {
			return &model.QuotaError{Limit: k.Limit, ResetAt: k.ResetAt}
		}
		k.Usage++
		return nil
	})

	var quotaErr *model.QuotaError
	switch {
	case err == nil:
		return decisionFor(k), nil
	case errors.As(err, &quotaErr):
		e.logger.Debug("Quota exhausted", "key_suffix", model.KeySuffix(value), "limit", quotaErr.Limit, "reset_at", quotaErr.ResetAt)
		if k == nil {
			return &Decision{Limit: quotaErr.Limit, ResetAt: quotaErr.ResetAt}, err
		}
		d := decisionFor(k)
		d.Remaining = 0
		return d, err
	case errors.Is(err, model.ErrNotFound):
		return nil, model.ErrInvalidCredential
	default:
		e.logger.Error("Quota update failed", "key_suffix", model.KeySuffix(value), "error", err)
		return nil, err
	}
}

func decisionFor(k *model.APIKey) *Decision {
	return &Decision{
		Key:       k.Clone(),
		Limit:     k.Limit,
		Remaining: k.Remaining(),
		ResetAt:   k.ResetAt,
	}
}
