package redis

import (
	"context"
	"fmt"
	"time"

	"confab/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "confab:schema:version"
	schemaLockKey        = "confab:schema:lock"
	schemaLockTTL        = 30 * time.Second
	currentSchemaVersion = 1
)

type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs every migration newer than the stored schema version.
// Instances starting together serialise on a shared lock.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	lock := distributed.NewLock(client, schemaLockKey, schemaLockTTL)
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("failed to lock schema: %w", err)
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil && logger != nil {
			logger.Warnw("failed to release schema lock", "error", err)
		}
	}()

	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Presence keys written without a TTL by early builds get one, so
			// they age out like everything else.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				iter := client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
				for iter.Next(ctx) {
					ttl, err := client.TTL(ctx, iter.Val()).Result()
					if err != nil {
						return err
					}
					if ttl < 0 {
						if err := client.Expire(ctx, iter.Val(), DefaultPresenceTTL).Err(); err != nil {
							return err
						}
					}
				}
				return iter.Err()
			},
		},
	}
}
