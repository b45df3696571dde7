// Package keystore defines the persistence contract for issued API keys and
// dashboard users, with memory, file and redis implementations. The gorm
// implementation lives in internal/db.
package keystore

import (
	"context"

	"keygate/internal/model"
)

// Mutator modifies a key inside an atomic read-modify-write. Returning an
// error aborts the write; the store then returns the mutated snapshot
// together with that error. It is an alias so backends outside this package
// can implement KeyStore without importing it.
type Mutator = func(k *model.APIKey) error

// KeyStore persists API keys. All implementations must be safe for
// concurrent use and provide per-key atomicity for Update.
type KeyStore interface {
	// Put inserts a new key. It fails with model.ErrDuplicateKey when the
	// value was ever issued before.
	Put(ctx context.Context, key *model.APIKey) (*model.APIKey, error)

	// FindByValue returns an unrevoked key by its credential value.
	// Revoked and unknown keys both yield model.ErrNotFound.
	FindByValue(ctx context.Context, value string) (*model.APIKey, error)

	// FindByID returns a key by ID whether or not it is revoked.
	FindByID(ctx context.Context, id string) (*model.APIKey, error)

	// FindAllByOwnerOrUser returns the unrevoked keys whose owner label or
	// user ID equals id.
	FindAllByOwnerOrUser(ctx context.Context, id string) ([]model.APIKey, error)

	// Revoke sets RevokedAt on the key. Revoking a revoked key returns it
	// unchanged.
	Revoke(ctx context.Context, id string) (*model.APIKey, error)

	// Save persists Usage and ResetAt of an existing key.
	Save(ctx context.Context, key *model.APIKey) error

	// Update atomically loads the unrevoked key with the given value, applies
	// fn and persists Usage and ResetAt.
	Update(ctx context.Context, value string, fn Mutator) (*model.APIKey, error)

	// List returns every key, revoked ones included.
	List(ctx context.Context) ([]model.APIKey, error)

	Close() error
}

// UserStore persists dashboard users.
type UserStore interface {
	// CreateUser registers a user. Registering an existing email returns the
	// existing user.
	CreateUser(ctx context.Context, email, passwordHash string) (*model.User, error)
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
	FindUserByID(ctx context.Context, id string) (*model.User, error)
}

// Store is what a configured backend provides.
type Store interface {
	KeyStore
	UserStore
}

// applyWindow copies the fields an Update is allowed to change from next
// onto a clone of cur.
func applyWindow(cur, next *model.APIKey) model.APIKey {
	updated := cur.Clone()
	updated.Usage = next.Usage
	updated.ResetAt = next.ResetAt
	updated.Version = cur.Version + 1
	return updated
}
