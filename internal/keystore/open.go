package keystore

import (
	"context"
	"fmt"
	"log/slog"

	"keygate/internal/config"
	"keygate/internal/db"

	"github.com/go-redis/redis/v8"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*db.Service)(nil)
)

// Open builds the store selected by cfg.Store.Type.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Store.Type {
	case config.StoreMemory:
		return NewMemoryStore(), nil
	case config.StoreFile:
		fs, err := NewFileStore(cfg.Store.FilePath, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Store.Watch {
			if err := fs.Watch(ctx); err != nil {
				fs.Close()
				return nil, err
			}
		}
		return fs, nil
	case config.StoreDatabase:
		svc, err := db.NewService(cfg.Database, logger, cfg.Debug)
		if err != nil {
			return nil, err
		}
		return svc, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return NewRedisStore(client, logger), nil
	}
	return nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
}
