// Package storetest holds the behavioural suite every keystore backend runs.
package storetest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"keygate/internal/keystore"
	"keygate/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// NewKey returns a valid unsaved key.
func NewKey(value, owner string) *model.APIKey {
	return &model.APIKey{
		Value:      value,
		Tier:       model.TierPro,
		Owner:      owner,
		Limit:      10,
		ResetAt:    time.Now().Add(time.Hour).Truncate(time.Millisecond),
		DurationMS: time.Hour.Milliseconds(),
	}
}

// RunKeyStoreTests exercises the KeyStore and UserStore contracts against
// stores produced by newStore. Each subtest gets a fresh store.
func RunKeyStoreTests(t *testing.T, newStore func(t *testing.T) keystore.Store) {
	ctx := context.Background()

	t.Run("put and find", func(t *testing.T) {
		s := newStore(t)
		put, err := s.Put(ctx, NewKey("pro_one", "acme"))
		require.NoError(t, err)
		assert.NotEmpty(t, put.ID)
		assert.False(t, put.CreatedAt.IsZero())

		got, err := s.FindByValue(ctx, "pro_one")
		require.NoError(t, err)
		assert.Equal(t, put.ID, got.ID)
		assert.Equal(t, model.TierPro, got.Tier)
		assert.Equal(t, "acme", got.Owner)
		assert.Equal(t, int64(10), got.Limit)
		assert.Equal(t, int64(0), got.Usage)
		assert.Equal(t, time.Hour, got.Duration())

		byID, err := s.FindByID(ctx, put.ID)
		require.NoError(t, err)
		assert.Equal(t, "pro_one", byID.Value)
	})

	t.Run("unknown lookups", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindByValue(ctx, "pro_missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.FindByID(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.Revoke(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.Update(ctx, "pro_missing", func(k *model.APIKey) error { return nil })
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("duplicate value", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(ctx, NewKey("pro_dup", "a"))
		require.NoError(t, err)
		_, err = s.Put(ctx, NewKey("pro_dup", "b"))
		assert.ErrorIs(t, err, model.ErrDuplicateKey)
	})

	t.Run("invalid key is rejected", func(t *testing.T) {
		s := newStore(t)
		k := NewKey("pro_bad", "a")
		k.DurationMS = 0
		_, err := s.Put(ctx, k)
		assert.ErrorIs(t, err, model.ErrInvalidDuration)
	})

	t.Run("revoke", func(t *testing.T) {
		s := newStore(t)
		put, err := s.Put(ctx, NewKey("pro_rev", "acme"))
		require.NoError(t, err)

		first, err := s.Revoke(ctx, put.ID)
		require.NoError(t, err)
		require.NotNil(t, first.RevokedAt)

		second, err := s.Revoke(ctx, put.ID)
		require.NoError(t, err)
		require.NotNil(t, second.RevokedAt)
		assert.True(t, first.RevokedAt.Equal(*second.RevokedAt), "second revoke must keep the first timestamp")

		_, err = s.FindByValue(ctx, "pro_rev")
		assert.ErrorIs(t, err, model.ErrNotFound)

		byID, err := s.FindByID(ctx, put.ID)
		require.NoError(t, err)
		assert.True(t, byID.Revoked())

		_, err = s.Update(ctx, "pro_rev", func(k *model.APIKey) error { return nil })
		assert.ErrorIs(t, err, model.ErrNotFound)

		// Revoked values stay reserved.
		_, err = s.Put(ctx, NewKey("pro_rev", "other"))
		assert.ErrorIs(t, err, model.ErrDuplicateKey)
	})

	t.Run("find by owner or user", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(ctx, NewKey("pro_a", "acme"))
		require.NoError(t, err)
		userKey := NewKey("xapi_b", "someone@example.com")
		userKey.UserID = "acme"
		_, err = s.Put(ctx, userKey)
		require.NoError(t, err)
		revoked, err := s.Put(ctx, NewKey("pro_c", "acme"))
		require.NoError(t, err)
		_, err = s.Put(ctx, NewKey("pro_d", "globex"))
		require.NoError(t, err)
		_, err = s.Revoke(ctx, revoked.ID)
		require.NoError(t, err)

		keys, err := s.FindAllByOwnerOrUser(ctx, "acme")
		require.NoError(t, err)
		values := make([]string, 0, len(keys))
		for _, k := range keys {
			values = append(values, k.Value)
		}
		assert.ElementsMatch(t, []string{"pro_a", "xapi_b"}, values)

		none, err := s.FindAllByOwnerOrUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("update persists window", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(ctx, NewKey("pro_upd", "acme"))
		require.NoError(t, err)

		resetAt := time.Now().Add(2 * time.Hour).Truncate(time.Millisecond)
		updated, err := s.Update(ctx, "pro_upd", func(k *model.APIKey) error {
			k.Usage = 3
			k.ResetAt = resetAt
			k.Limit = 99 // not a window field, must be ignored
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), updated.Usage)
		assert.Equal(t, int64(10), updated.Limit)

		got, err := s.FindByValue(ctx, "pro_upd")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Usage)
		assert.Equal(t, int64(10), got.Limit)
		assert.WithinDuration(t, resetAt, got.ResetAt, time.Millisecond)
	})

	t.Run("update error aborts write", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(ctx, NewKey("pro_abort", "acme"))
		require.NoError(t, err)

		boom := errors.New("boom")
		snapshot, err := s.Update(ctx, "pro_abort", func(k *model.APIKey) error {
			k.Usage = 7
			return boom
		})
		assert.ErrorIs(t, err, boom)
		require.NotNil(t, snapshot)
		assert.Equal(t, int64(7), snapshot.Usage)

		got, err := s.FindByValue(ctx, "pro_abort")
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Usage)
	})

	t.Run("concurrent updates never overshoot", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(ctx, NewKey("pro_race", "acme"))
		require.NoError(t, err)

		errFull := errors.New("full")
		var admitted atomic.Int64
		var g errgroup.Group
		for i := 0; i < 40; i++ {
			g.Go(func() error {
				_, err := s.Update(ctx, "pro_race", func(k *model.APIKey) error {
					if k.Usage >= k.Limit {
						return errFull
					}
					k.Usage++
					return nil
				})
				if errors.Is(err, errFull) {
					return nil
				}
				if err == nil {
					admitted.Add(1)
				}
				return err
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int64(10), admitted.Load())
		got, err := s.FindByValue(ctx, "pro_race")
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.Usage)
	})

	t.Run("save", func(t *testing.T) {
		s := newStore(t)
		put, err := s.Put(ctx, NewKey("pro_save", "acme"))
		require.NoError(t, err)

		put.Usage = 4
		require.NoError(t, s.Save(ctx, put))
		got, err := s.FindByID(ctx, put.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), got.Usage)

		assert.ErrorIs(t, s.Save(ctx, &model.APIKey{ID: "missing"}), model.ErrNotFound)
	})

	t.Run("list includes revoked keys", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Put(ctx, NewKey("pro_l1", "acme"))
		require.NoError(t, err)
		_, err = s.Put(ctx, NewKey("pro_l2", "acme"))
		require.NoError(t, err)
		_, err = s.Revoke(ctx, a.ID)
		require.NoError(t, err)

		keys, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, keys, 2)
	})

	t.Run("users", func(t *testing.T) {
		s := newStore(t)
		u, err := s.CreateUser(ctx, "Dev@Example.com ", "hash")
		require.NoError(t, err)
		assert.NotEmpty(t, u.ID)
		assert.Equal(t, "dev@example.com", u.Email)

		again, err := s.CreateUser(ctx, "dev@example.com", "other-hash")
		require.NoError(t, err)
		assert.Equal(t, u.ID, again.ID)
		assert.Equal(t, "hash", again.PasswordHash)

		byEmail, err := s.FindUserByEmail(ctx, "DEV@example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, byEmail.ID)

		byID, err := s.FindUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "dev@example.com", byID.Email)

		_, err = s.FindUserByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = s.FindUserByID(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}
