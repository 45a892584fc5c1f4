package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rillcast/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "rillcast:schema:version"
	schemaLockKey        = "rillcast:schema:lock"
	currentSchemaVersion = 1
)

// Migration represents a key schema migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations. Instances starting together take
// turns through a schema lock.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	lock := distributed.NewLock(client, schemaLockKey, 30*time.Second)
	if err := lock.Lock(ctx, 10*time.Second); err != nil {
		return fmt.Errorf("failed to take schema lock: %w", err)
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil {
			logger.Warnw("failed to release schema lock", "error", err)
		}
	}()

	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		logger.Debugw("schema is up to date",
			"current_version", currentVersion,
			"target_version", currentSchemaVersion,
		)
		return nil
	}

	for _, migration := range migrations() {
		if migration.Version <= currentVersion {
			continue
		}

		logger.Infow("running migration", "version", migration.Version)

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if errors.Is(err, redis.Nil) {
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

func migrations() []Migration {
	return []Migration{
		{
			// Active-session index members whose record is gone are left
			// behind by crashed instances; drop them.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				activeKey := sessionPrefix + "active"
				rooms, err := client.SMembers(ctx, activeKey).Result()
				if err != nil {
					return err
				}
				for _, room := range rooms {
					n, err := client.Exists(ctx, sessionPrefix+room).Result()
					if err != nil {
						return err
					}
					if n == 0 {
						if err := client.SRem(ctx, activeKey, room).Err(); err != nil {
							return err
						}
					}
				}
				return nil
			},
		},
	}
}
