package repositories

import (
	"context"
	"errors"
	"time"

	"camrelay/internal/core/ports"
	"camrelay/internal/infrastructure/repositories/memory"
	pgrepo "camrelay/internal/infrastructure/repositories/postgres"
	redisrepo "camrelay/internal/infrastructure/repositories/redis"
	"camrelay/pkg/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	backend     string
	redisClient *redis.Client
	pgPool      *pgxpool.Pool
	logger      *zap.SugaredLogger

	// memory repositories are shared so every caller sees the same data
	devices ports.DeviceRepository
	users   ports.UserRepository
}

// NewRepositoryFactory connects the configured backend. An unreachable
// backend falls back to memory with a warning, as does redis being disabled.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		backend: BackendMemory,
		logger:  logger,
	}

	// Redis also serves cluster coordination, so connect it whenever enabled.
	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis",
				"error", err,
			)
		} else {
			factory.redisClient = client
		}
	}

	switch cfg.Storage.Backend {
	case BackendRedis:
		if factory.redisClient == nil {
			logger.Warnw("redis unavailable, falling back to memory repositories")
			break
		}
		if err := redisrepo.Migrate(ctx, factory.redisClient, logger); err != nil {
			return nil, err
		}
		factory.backend = BackendRedis
	case BackendPostgres:
		pool, err := pgrepo.NewPool(ctx, pgrepo.PoolConfig{
			DSN:             cfg.Postgres.DSN,
			MaxConnections:  cfg.Postgres.MaxConnections,
			MinConnections:  cfg.Postgres.MinConnections,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			MaxConnIdleTime: cfg.Postgres.MaxConnIdleTime,
			ConnectTimeout:  cfg.Postgres.ConnectTimeout,
			ApplicationName: "camrelay",
		}, logger)
		if err != nil {
			logger.Warnw("failed to open postgres, falling back to memory repositories", "error", err)
			break
		}
		factory.pgPool = pool
		factory.backend = BackendPostgres
	}

	logger.Infow("repositories ready", "backend", factory.backend)
	return factory, nil
}

func (f *RepositoryFactory) Backend() string { return f.backend }

// RedisClient returns the shared client, or nil when redis is not connected.
func (f *RepositoryFactory) RedisClient() *redis.Client { return f.redisClient }

// CreateDeviceRepository creates a device repository for the active backend
func (f *RepositoryFactory) CreateDeviceRepository() ports.DeviceRepository {
	switch f.backend {
	case BackendRedis:
		return redisrepo.NewRedisDeviceRepository(f.redisClient)
	case BackendPostgres:
		return pgrepo.NewDeviceRepository(f.pgPool)
	}
	if f.devices == nil {
		f.devices = memory.NewMemoryDeviceRepository()
	}
	return f.devices
}

// CreateUserRepository creates a user repository for the active backend
func (f *RepositoryFactory) CreateUserRepository() ports.UserRepository {
	switch f.backend {
	case BackendRedis:
		return redisrepo.NewRedisUserRepository(f.redisClient)
	case BackendPostgres:
		return pgrepo.NewUserRepository(f.pgPool)
	}
	if f.users == nil {
		f.users = memory.NewMemoryUserRepository()
	}
	return f.users
}

// Close closes backend connections
func (f *RepositoryFactory) Close() error {
	var errs []error
	if f.redisClient != nil {
		errs = append(errs, redisrepo.CloseRedisClient(f.redisClient))
	}
	if f.pgPool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, pgrepo.ClosePool(ctx, f.pgPool))
	}
	return errors.Join(errs...)
}

// HealthCheck checks backend connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		if err := f.redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	if f.pgPool != nil {
		return f.pgPool.Ping(ctx)
	}
	return nil
}
