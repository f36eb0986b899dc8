package repositories

import (
	"context"
	"time"

	"confab/internal/core/ports"
	"confab/internal/infrastructure/repositories/memory"
	redisrepo "confab/internal/infrastructure/repositories/redis"
	"confab/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks Redis-backed stores when Redis is enabled and
// reachable, and in-memory ones otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	instanceID  string
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, instanceID string, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis:   cfg.Redis.Enabled,
		instanceID: instanceID,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := redisrepo.Connect(ctx, redisrepo.ClientOptions{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			InstanceID: instanceID,
		}, logger)
		cancel()
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory presence",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
		}
	}

	if !factory.useRedis {
		logger.Info("using memory presence registry")
	}
	return factory
}

// NewRepositoryFactoryWithClient wraps an existing client (tests, shared pools).
func NewRepositoryFactoryWithClient(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *RepositoryFactory {
	return &RepositoryFactory{
		useRedis:    client != nil,
		redisClient: client,
		instanceID:  instanceID,
		logger:      logger,
	}
}

// RedisClient is nil when running on memory stores.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

// CreatePresenceRegistry returns the Redis registry and its refresh loop, or
// the memory registry and a nil loop.
func (f *RepositoryFactory) CreatePresenceRegistry() (ports.PresenceRegistry, func(context.Context) error) {
	if f.useRedis && f.redisClient != nil {
		reg := redisrepo.NewPresenceRegistry(f.redisClient, f.instanceID, redisrepo.DefaultPresenceTTL, f.logger)
		return reg, reg.Run
	}
	return memory.NewPresenceRegistry(f.instanceID), nil
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck pings Redis when it is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
