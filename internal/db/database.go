package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"keygate/internal/config"
	"keygate/internal/logger"
	"keygate/internal/model"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// maxCASRetries bounds the optimistic update loop for one key.
const maxCASRetries = 100

// Init initializes the database connection based on the provided configuration.
func Init(cfg config.DatabaseConfig, log *slog.Logger, debug bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.GormLogger(log, debug),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Type == "sqlite" {
		// SQLite allows one writer; a single connection also keeps
		// in-memory databases from splitting across connections.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	// Auto-migrate the schema
	err = db.AutoMigrate(&model.APIKey{}, &model.UsageLogEntry{}, &model.User{})
	if err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return db, nil
}

// Service is the gorm-backed key and user store. Concurrent quota updates
// on one key are serialized by a compare-and-swap on the version column.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService opens the database and wraps it.
func NewService(cfg config.DatabaseConfig, log *slog.Logger, debug bool) (*Service, error) {
	db, err := Init(cfg, log, debug)
	if err != nil {
		return nil, err
	}
	return NewServiceFromDB(db), nil
}

// NewServiceFromDB wraps an already migrated connection.
func NewServiceFromDB(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// GetDB returns the underlying connection.
func (s *Service) GetDB() *gorm.DB {
	return s.db
}

// translate maps gorm errors onto the store taxonomy.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return model.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return model.ErrDuplicateKey
	}
	return model.Unavailable(op, err)
}

func (s *Service) Put(ctx context.Context, key *model.APIKey) (*model.APIKey, error) {
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
	k.Version = 0
	if err := s.db.WithContext(ctx).Create(&k).Error; err != nil {
		return nil, translate("insert api key", err)
	}
	return &k, nil
}

func (s *Service) FindByValue(ctx context.Context, value string) (*model.APIKey, error) {
	var k model.APIKey
	err := s.db.WithContext(ctx).Where("value = ? AND revoked_at IS NULL", value).First(&k).Error
	if err != nil {
		return nil, translate("find api key", err)
	}
	return &k, nil
}

func (s *Service) FindByID(ctx context.Context, id string) (*model.APIKey, error) {
	var k model.APIKey
	if err := s.db.WithContext(ctx).First(&k, "id = ?", id).Error; err != nil {
		return nil, translate("find api key", err)
	}
	return &k, nil
}

func (s *Service) FindAllByOwnerOrUser(ctx context.Context, id string) ([]model.APIKey, error) {
	keys := make([]model.APIKey, 0)
	err := s.db.WithContext(ctx).
		Where("(owner = ? OR user_id = ?) AND revoked_at IS NULL", id, id).
		Order("created_at asc").
		Find(&keys).Error
	if err != nil {
		return nil, translate("list owner keys", err)
	}
	return keys, nil
}

func (s *Service) Revoke(ctx context.Context, id string) (*model.APIKey, error) {
	result := s.db.WithContext(ctx).Model(&model.APIKey{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(map[string]interface{}{
			"revoked_at": s.now(),
			"version":    gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return nil, translate("revoke api key", result.Error)
	}
	// Zero rows means unknown or already revoked; the reload tells them apart.
	return s.FindByID(ctx, id)
}

func (s *Service) Save(ctx context.Context, key *model.APIKey) error {
	result := s.db.WithContext(ctx).Model(&model.APIKey{}).
		Where("id = ?", key.ID).
		Updates(map[string]interface{}{
			"usage_count": key.Usage,
			"reset_at":    key.ResetAt,
			"version":     gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return translate("save api key", result.Error)
	}
	if result.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Service) Update(ctx context.Context, value string, fn func(k *model.APIKey) error) (*model.APIKey, error) {
	for i := 0; i < maxCASRetries; i++ {
		cur, err := s.FindByValue(ctx, value)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		if err := fn(&next); err != nil {
			return &next, err
		}

		result := s.db.WithContext(ctx).Model(&model.APIKey{}).
			Where("id = ? AND version = ? AND revoked_at IS NULL", cur.ID, cur.Version).
			Updates(map[string]interface{}{
				"usage_count": next.Usage,
				"reset_at":    next.ResetAt,
				"version":     cur.Version + 1,
			})
		if result.Error != nil {
			return nil, translate("update api key", result.Error)
		}
		if result.RowsAffected == 1 {
			updated := cur.Clone()
			updated.Usage = next.Usage
			updated.ResetAt = next.ResetAt
			updated.Version = cur.Version + 1
			return &updated, nil
		}
		// Lost the race; reload and re-run fn.
	}
	return nil, model.Unavailable("update api key", fmt.Errorf("too much contention on key %s", model.KeySuffix(value)))
}

func (s *Service) List(ctx context.Context) ([]model.APIKey, error) {
	keys := make([]model.APIKey, 0)
	if err := s.db.WithContext(ctx).Order("created_at asc").Find(&keys).Error; err != nil {
		return nil, translate("list api keys", err)
	}
	return keys, nil
}

func (s *Service) CreateUser(ctx context.Context, email, passwordHash string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if u, err := s.FindUserByEmail(ctx, email); err == nil {
		return u, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	u := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    s.now(),
	}
	err := s.db.WithContext(ctx).Create(u).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Registered concurrently.
		return s.FindUserByEmail(ctx, email)
	}
	if err != nil {
		return nil, translate("create user", err)
	}
	return u, nil
}

func (s *Service) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := s.db.WithContext(ctx).First(&u, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error
	if err != nil {
		return nil, translate("find user", err)
	}
	return &u, nil
}

func (s *Service) FindUserByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, translate("find user", err)
	}
	return &u, nil
}

// Close closes the underlying connection pool.
func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
