package redis

import (
	"context"
	"fmt"
	"time"

	"confab/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientOptions is the Redis connection shared by the presence registry and
// the event bus.
type ClientOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	// InstanceID names the connection (CLIENT LIST shows confab-<id>) so
	// operators can tell which instance holds which connections.
	InstanceID string
}

// Connect pings Redis, retrying while it comes up, then brings the presence
// schema up to date.
func Connect(ctx context.Context, opts ClientOptions, logger *zap.SugaredLogger) (*redis.Client, error) {
	minIdle := 2
	if opts.PoolSize > 0 && opts.PoolSize < minIdle {
		minIdle = opts.PoolSize
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: minIdle,
		ClientName:   "confab-" + opts.InstanceID,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cfg := retry.DefaultConfig()
	cfg.InitialDelay = 200 * time.Millisecond
	cfg.MaxDelay = 2 * time.Second
	err := retry.Retry(ctx, cfg, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Address, err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run presence migrations: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", opts.Address,
			"db", opts.DB,
			"pool_size", opts.PoolSize,
			"instance_id", opts.InstanceID,
		)
	}
	return client, nil
}
