package storage

import (
	"context"
	"fmt"

	"chatgogo/rendezvous/internal/config"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects a RoomStore session for the configured backend.
// The memory backend is process-local and only useful for demos and tests.
func Open(ctx context.Context, cfg config.StoreConfig, opts ...Option) (RoomStore, error) {
	const op = "storage.Open"

	opts = append([]Option{WithLeaseTTL(cfg.LeaseTTL)}, opts...)

	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryBackend(opts...).Connect(), nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			_ = rdb.Close()
			return nil, unavailable(op, err)
		}
		s := NewRedisStore(rdb, opts...)
		s.ownsClient = true
		return s, nil

	case config.BackendPostgres:
		db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return nil, unavailable(op, err)
		}
		if err := Migrate(db); err != nil {
			return nil, fmt.Errorf("%s: migrate: %w", op, err)
		}
		s := NewPostgresStore(db, cfg.PostgresDSN, opts...)
		s.ownsDB = true
		return s, nil

	default:
		return nil, fmt.Errorf("%s: unknown store backend %q", op, cfg.Backend)
	}
}
