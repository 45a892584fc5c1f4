package repositories

import (
	"context"

	"rillcast/internal/core/ports"
	"rillcast/internal/infrastructure/repositories/memory"
	redisrepo "rillcast/internal/infrastructure/repositories/redis"
	"rillcast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.SugaredLogger
	caches      []*CachedSessionRepository
}

// NewRepositoryFactory connects to Redis when enabled. A failed connection
// falls back to memory repositories rather than failing startup.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

// CreateSessionRepository creates a session repository (Redis or memory with fallback)
func (f *RepositoryFactory) CreateSessionRepository() ports.SessionRepository {
	if f.useRedis && f.redisClient != nil {
		repo := redisrepo.NewRedisSessionRepository(f.redisClient, f.cfg.Redis.SessionTTL)
		if f.cfg.Redis.CacheTTL <= 0 {
			return repo
		}
		cached := NewCachedSessionRepository(repo, f.cfg.Redis.CacheTTL)
		f.caches = append(f.caches, cached)
		return cached
	}
	return memory.NewMemorySessionRepository()
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	for _, c := range f.caches {
		c.Close()
	}
	f.caches = nil
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
