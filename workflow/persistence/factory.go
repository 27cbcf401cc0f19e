package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowguard/config"
	"github.com/BaSui01/flowguard/internal/database"
	"github.com/BaSui01/flowguard/internal/migration"
	"github.com/BaSui01/flowguard/workflow"
)

// New 按 store.type 创建存储后端
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (workflow.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Store.Type {
	case config.StoreMemory, "":
		return workflow.NewMemoryStore(), nil
	case config.StoreDatabase:
		return OpenGormStore(ctx, cfg.Database, cfg.Store.AutoMigrate, logger)
	case config.StoreRedis:
		return OpenRedisStore(ctx, cfg.Redis, logger)
	case config.StoreMongo:
		connectCtx := ctx
		if cfg.Mongo.Timeout > 0 {
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(ctx, cfg.Mongo.Timeout)
			defer cancel()
		}
		return OpenMongoStore(connectCtx, cfg.Mongo.URI, cfg.Mongo.Database, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
}

// OpenGormStore 打开数据库并按需建表
// sqlite 使用 AutoMigrate，postgres/mysql 执行内嵌的版本化迁移
func OpenGormStore(ctx context.Context, cfg config.DatabaseConfig, autoMigrate bool, logger *zap.Logger) (*GormStore, error) {
	pool, err := database.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	store := NewPooledGormStore(pool, logger)
	store.closer = pool.Close

	if !autoMigrate {
		return store, nil
	}
	if err := migrateSchema(ctx, store, cfg, logger); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return store, nil
}

func migrateSchema(ctx context.Context, store *GormStore, cfg config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migration.NewMigratorFromDatabaseConfig(cfg, logger)
	if errors.Is(err, migration.ErrManagedByORM) {
		return store.AutoMigrate(ctx)
	}
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(ctx); err != nil {
		return err
	}
	return nil
}

// OpenRedisStore 连接 Redis
func OpenRedisStore(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(rdb, cfg.KeyPrefix, logger), nil
}
