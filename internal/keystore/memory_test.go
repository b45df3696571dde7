package keystore

import (
	"context"
	"errors"
	"testing"
	"time"

	"keygate/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(value, owner string) *model.APIKey {
	return &model.APIKey{
		Value:      value,
		Tier:       model.TierPro,
		Owner:      owner,
		Limit:      10,
		ResetAt:    time.Now().Add(time.Hour),
		DurationMS: time.Hour.Milliseconds(),
	}
}

func TestMemoryStore_CommitFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	put, err := s.Put(ctx, testKey("pro_commit", "acme"))
	require.NoError(t, err)

	diskFull := errors.New("disk full")
	s.commit = func() error { return diskFull }

	_, err = s.Put(ctx, testKey("pro_second", "acme"))
	assert.ErrorIs(t, err, diskFull)
	_, err = s.FindByValue(ctx, "pro_second")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.Update(ctx, "pro_commit", func(k *model.APIKey) error {
		k.Usage = 5
		return nil
	})
	assert.ErrorIs(t, err, diskFull)

	_, err = s.Revoke(ctx, put.ID)
	assert.ErrorIs(t, err, diskFull)

	_, err = s.CreateUser(ctx, "a@example.com", "hash")
	assert.ErrorIs(t, err, diskFull)

	s.commit = nil
	got, err := s.FindByValue(ctx, "pro_commit")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Usage)
	assert.False(t, got.Revoked())
	_, err = s.FindUserByEmail(ctx, "a@example.com")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Put(ctx, testKey("pro_copy", "acme"))
	require.NoError(t, err)

	got, err := s.FindByValue(ctx, "pro_copy")
	require.NoError(t, err)
	got.Usage = 100

	again, err := s.FindByValue(ctx, "pro_copy")
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.Usage)
}
