package keystore

import (
	"context"
	"strings"
	"sync"
	"time"

	"keygate/internal/model"

	"github.com/google/uuid"
)

// MemoryStore keeps keys and users in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	keys      map[string]*model.APIKey
	byValue   map[string]string
	keyOrder  []string
	users     map[string]*model.User
	byEmail   map[string]string
	userOrder []string
	now       func() time.Time

	// commit runs with mu held after every mutation. A commit error rolls
	// the mutation back. The file store uses it to write its document.
	commit func() error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:    make(map[string]*model.APIKey),
		byValue: make(map[string]string),
		users:   make(map[string]*model.User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (s *MemoryStore) commitLocked() error {
	if s.commit == nil {
		return nil
	}
	return s.commit()
}

// Put inserts a new key.
func (s *MemoryStore) Put(ctx context.Context, key *model.APIKey) (*model.APIKey, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byValue[key.Value]; exists {
		return nil, model.ErrDuplicateKey
	}
	k := key.Clone()
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if _, exists := s.keys[k.ID]; exists {
		return nil, model.ErrDuplicateKey
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = s.now()
	}

	s.keys[k.ID] = &k
	s.byValue[k.Value] = k.ID
	s.keyOrder = append(s.keyOrder, k.ID)

	if err := s.commitLocked(); err != nil {
		delete(s.keys, k.ID)
		delete(s.byValue, k.Value)
		s.keyOrder = s.keyOrder[:len(s.keyOrder)-1]
		return nil, err
	}

	out := k.Clone()
	return &out, nil
}

// FindByValue returns an unrevoked key by value.
func (s *MemoryStore) FindByValue(ctx context.Context, value string) (*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.activeByValueLocked(value)
	if !ok {
		return nil, model.ErrNotFound
	}
	out := k.Clone()
	return &out, nil
}

func (s *MemoryStore) activeByValueLocked(value string) (*model.APIKey, bool) {
	id, ok := s.byValue[value]
	if !ok {
		return nil, false
	}
	k := s.keys[id]
	if k == nil || k.Revoked() {
		return nil, false
	}
	return k, true
}

// FindByID returns a key by ID, revoked or not.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := k.Clone()
	return &out, nil
}

// FindAllByOwnerOrUser returns unrevoked keys owned by id.
func (s *MemoryStore) FindAllByOwnerOrUser(ctx context.Context, id string) ([]model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]model.APIKey, 0)
	for _, kid := range s.keyOrder {
		k := s.keys[kid]
		if k.Revoked() {
			continue
		}
		if k.Owner == id || k.UserID == id {
			keys = append(keys, k.Clone())
		}
	}
	return keys, nil
}

// Revoke marks a key as revoked.
func (s *MemoryStore) Revoke(ctx context.Context, id string) (*model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if k.Revoked() {
		out := k.Clone()
		return &out, nil
	}

	now := s.now()
	k.RevokedAt = &now
	if err := s.commitLocked(); err != nil {
		k.RevokedAt = nil
		return nil, err
	}

	out := k.Clone()
	return &out, nil
}

// Save persists the window fields of an existing key.
func (s *MemoryStore) Save(ctx context.Context, key *model.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.keys[key.ID]
	if !ok {
		return model.ErrNotFound
	}
	prev := cur.Clone()
	*cur = applyWindow(cur, key)
	if err := s.commitLocked(); err != nil {
		*cur = prev
		return err
	}
	key.Version = cur.Version
	return nil
}

// Update runs fn against the key under the store lock.
func (s *MemoryStore) Update(ctx context.Context, value string, fn Mutator) (*model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.activeByValueLocked(value)
	if !ok {
		return nil, model.ErrNotFound
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		return &next, err
	}

	prev := cur.Clone()
	*cur = applyWindow(cur, &next)
	if err := s.commitLocked(); err != nil {
		*cur = prev
		return nil, err
	}

	out := cur.Clone()
	return &out, nil
}

// List returns all keys in insertion order.
func (s *MemoryStore) List(ctx context.Context) ([]model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keysLocked(), nil
}

func (s *MemoryStore) keysLocked() []model.APIKey {
	keys := make([]model.APIKey, 0, len(s.keyOrder))
	for _, id := range s.keyOrder {
		keys = append(keys, s.keys[id].Clone())
	}
	return keys
}

func (s *MemoryStore) usersLocked() []model.User {
	users := make([]model.User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		users = append(users, *s.users[id])
	}
	return users
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateUser registers a user, returning the existing one for a known email.
func (s *MemoryStore) CreateUser(ctx context.Context, email, passwordHash string) (*model.User, error) {
	email = normalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEmail[email]; ok {
		u := *s.users[id]
		return &u, nil
	}

	u := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    s.now(),
	}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	s.userOrder = append(s.userOrder, u.ID)

	if err := s.commitLocked(); err != nil {
		delete(s.users, u.ID)
		delete(s.byEmail, email)
		s.userOrder = s.userOrder[:len(s.userOrder)-1]
		return nil, err
	}

	out := *u
	return &out, nil
}

// FindUserByEmail looks a user up by email.
func (s *MemoryStore) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, model.ErrNotFound
	}
	u := *s.users[id]
	return &u, nil
}

// FindUserByID looks a user up by ID.
func (s *MemoryStore) FindUserByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := *u
	return &out, nil
}

// replaceLocked swaps the whole state, used when loading a document.
func (s *MemoryStore) replaceLocked(keys []model.APIKey, users []model.User) error {
	nextKeys := make(map[string]*model.APIKey, len(keys))
	nextByValue := make(map[string]string, len(keys))
	keyOrder := make([]string, 0, len(keys))
	for i := range keys {
		k := keys[i].Clone()
		if err := k.Validate(); err != nil {
			return err
		}
		if k.ID == "" {
			k.ID = uuid.NewString()
		}
		if _, dup := nextByValue[k.Value]; dup {
			return model.ErrDuplicateKey
		}
		nextKeys[k.ID] = &k
		nextByValue[k.Value] = k.ID
		keyOrder = append(keyOrder, k.ID)
	}

	nextUsers := make(map[string]*model.User, len(users))
	nextByEmail := make(map[string]string, len(users))
	userOrder := make([]string, 0, len(users))
	for i := range users {
		u := users[i]
		u.Email = normalizeEmail(u.Email)
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		nextUsers[u.ID] = &u
		nextByEmail[u.Email] = u.ID
		userOrder = append(userOrder, u.ID)
	}

	s.keys, s.byValue, s.keyOrder = nextKeys, nextByValue, keyOrder
	s.users, s.byEmail, s.userOrder = nextUsers, nextByEmail, userOrder
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
