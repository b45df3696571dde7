package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keygate/internal/model"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	redisKeyPrefix       = "keygate:key:"
	redisKeyIDPrefix     = "keygate:key_id:"
	redisOwnerPrefix     = "keygate:owner:"
	redisKeyList         = "keygate:keys"
	redisUserPrefix      = "keygate:user:"
	redisUserEmailPrefix = "keygate:user_email:"
	redisUserList        = "keygate:users"

	// maxTxRetries bounds the WATCH/EXEC loop for one key.
	maxTxRetries = 100
)

// RedisStore keeps one JSON document per key. Per-key atomicity comes from
// WATCH on the key document.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisStore wraps an existing client. Close closes the client.
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.With("component", "redisstore"),
		now:    time.Now,
	}
}

// Client exposes the underlying client, e.g. for health checks.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Put(ctx context.Context, key *model.APIKey) (*model.APIKey, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	k := key.Clone()
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = s.now()
	}
	data, err := json.Marshal(&k)
	if err != nil {
		return nil, fmt.Errorf("failed to encode api key: %w", err)
	}

	// SETNX reserves the value forever; revoked documents are never removed.
	created, err := s.client.SetNX(ctx, redisKeyPrefix+k.Value, data, 0).Result()
	if err != nil {
		return nil, model.Unavailable("reserve api key", err)
	}
	if !created {
		return nil, model.ErrDuplicateKey
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKeyIDPrefix+k.ID, k.Value, 0)
		pipe.RPush(ctx, redisKeyList, k.ID)
		if k.Owner != "" {
			pipe.SAdd(ctx, redisOwnerPrefix+k.Owner, k.ID)
		}
		if k.UserID != "" {
			pipe.SAdd(ctx, redisOwnerPrefix+k.UserID, k.ID)
		}
		return nil
	})
	if err != nil {
		if delErr := s.client.Del(ctx, redisKeyPrefix+k.Value).Err(); delErr != nil {
			s.logger.Error("Failed to roll back api key reservation", "key_suffix", model.KeySuffix(k.Value), "error", delErr)
		}
		return nil, model.Unavailable("index api key", err)
	}
	return &k, nil
}

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) loadByValue(ctx context.Context, getter stringGetter, value string) (*model.APIKey, error) {
	data, err := getter.Get(ctx, redisKeyPrefix+value).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, model.Unavailable("load api key", err)
	}
	var k model.APIKey
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("failed to decode api key: %w", err)
	}
	return &k, nil
}

func (s *RedisStore) valueForID(ctx context.Context, id string) (string, error) {
	value, err := s.client.Get(ctx, redisKeyIDPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return "", model.ErrNotFound
	}
	if err != nil {
		return "", model.Unavailable("resolve api key id", err)
	}
	return value, nil
}

func (s *RedisStore) FindByValue(ctx context.Context, value string) (*model.APIKey, error) {
	k, err := s.loadByValue(ctx, s.client, value)
	if err != nil {
		return nil, err
	}
	if k.Revoked() {
		return nil, model.ErrNotFound
	}
	return k, nil
}

func (s *RedisStore) FindByID(ctx context.Context, id string) (*model.APIKey, error) {
	value, err := s.valueForID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.loadByValue(ctx, s.client, value)
}

func (s *RedisStore) FindAllByOwnerOrUser(ctx context.Context, id string) ([]model.APIKey, error) {
	ids, err := s.client.SMembers(ctx, redisOwnerPrefix+id).Result()
	if err != nil {
		return nil, model.Unavailable("list owner keys", err)
	}
	keys := make([]model.APIKey, 0, len(ids))
	for _, kid := range ids {
		k, err := s.FindByID(ctx, kid)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !k.Revoked() {
			keys = append(keys, *k)
		}
	}
	return keys, nil
}

// modify runs a WATCH/MULTI/EXEC loop on the document for value. fn sees the
// current key and returns whether it changed.
func (s *RedisStore) modify(ctx context.Context, value string, fn func(k *model.APIKey) (bool, error)) (*model.APIKey, error) {
	docKey := redisKeyPrefix + value
	var (
		result *model.APIKey
		fnErr  error
	)

	txf := func(tx *redis.Tx) error {
		k, err := s.loadByValue(ctx, tx, value)
		if err != nil {
			return err
		}
		result = k
		changed, err := fn(k)
		if err != nil {
			fnErr = err
			return err
		}
		if !changed {
			return nil
		}
		data, err := json.Marshal(k)
		if err != nil {
			return fmt.Errorf("failed to encode api key: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, docKey, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		result, fnErr = nil, nil
		err := s.client.Watch(ctx, txf, docKey)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, model.ErrNotFound):
			return nil, err
		case fnErr != nil && errors.Is(err, fnErr):
			return result, err
		case errors.Is(err, model.ErrStoreUnavailable):
			return nil, err
		default:
			return nil, model.Unavailable("update api key", err)
		}
	}
	return nil, model.Unavailable("update api key", fmt.Errorf("too much contention on key %s", model.KeySuffix(value)))
}

func (s *RedisStore) Revoke(ctx context.Context, id string) (*model.APIKey, error) {
	value, err := s.valueForID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.modify(ctx, value, func(k *model.APIKey) (bool, error) {
		if k.Revoked() {
			return false, nil
		}
		now := s.now()
		k.RevokedAt = &now
		return true, nil
	})
}

func (s *RedisStore) Save(ctx context.Context, key *model.APIKey) error {
	value, err := s.valueForID(ctx, key.ID)
	if err != nil {
		return err
	}
	_, err = s.modify(ctx, value, func(k *model.APIKey) (bool, error) {
		*k = applyWindow(k, key)
		return true, nil
	})
	return err
}

func (s *RedisStore) Update(ctx context.Context, value string, fn Mutator) (*model.APIKey, error) {
	return s.modify(ctx, value, func(k *model.APIKey) (bool, error) {
		if k.Revoked() {
			return false, model.ErrNotFound
		}
		next := k.Clone()
		if err := fn(&next); err != nil {
			*k = next
			return false, err
		}
		*k = applyWindow(k, &next)
		return true, nil
	})
}

func (s *RedisStore) List(ctx context.Context) ([]model.APIKey, error) {
	ids, err := s.client.LRange(ctx, redisKeyList, 0, -1).Result()
	if err != nil {
		return nil, model.Unavailable("list api keys", err)
	}
	keys := make([]model.APIKey, 0, len(ids))
	for _, id := range ids {
		k, err := s.FindByID(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, nil
}

// CreateUser writes the user document before reserving the email, so a
// reader that finds the reservation always finds the document it points to.
func (s *RedisStore) CreateUser(ctx context.Context, email, passwordHash string) (*model.User, error) {
	email = normalizeEmail(email)
	u := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    s.now(),
	}

	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user: %w", err)
	}
	if err := s.client.Set(ctx, redisUserPrefix+u.ID, data, 0).Err(); err != nil {
		return nil, model.Unavailable("create user", err)
	}

	created, err := s.client.SetNX(ctx, redisUserEmailPrefix+email, u.ID, 0).Result()
	if err != nil || !created {
		// Lost the race (or failed); the unreferenced document goes.
		if delErr := s.client.Del(ctx, redisUserPrefix+u.ID).Err(); delErr != nil {
			s.logger.Error("Failed to remove orphaned user document", "user_id", u.ID, "error", delErr)
		}
		if err != nil {
			return nil, model.Unavailable("reserve user email", err)
		}
		return s.FindUserByEmail(ctx, email)
	}

	if err := s.client.RPush(ctx, redisUserList, u.ID).Err(); err != nil {
		s.logger.Error("Failed to index user", "user_id", u.ID, "error", err)
	}
	return u, nil
}

func (s *RedisStore) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	id, err := s.client.Get(ctx, redisUserEmailPrefix+normalizeEmail(email)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, model.Unavailable("resolve user email", err)
	}
	return s.FindUserByID(ctx, id)
}

func (s *RedisStore) FindUserByID(ctx context.Context, id string) (*model.User, error) {
	data, err := s.client.Get(ctx, redisUserPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, model.Unavailable("load user", err)
	}
	var u model.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &u, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
