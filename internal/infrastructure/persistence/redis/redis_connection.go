// Package redis provides the Redis client used for scheduler leader election and the
// shared revocation cache.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/qsign/internal/config"
	"github.com/turtacn/qsign/pkg/errors"
	"github.com/turtacn/qsign/pkg/logger"
)

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(ctx context.Context, cfg config.RedisConfig, log logger.Logger) (redis.UniversalClient, error) {
	if cfg.Address == "" {
		return nil, errors.ErrConfiguration("redis.address is required when redis is enabled")
	}
	log = log.WithComponent("Redis")

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Address},
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Error(ctx, "Redis ping failed", err, logger.String("addr", cfg.Address))
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Info(ctx, "Redis connection established", logger.String("addr", cfg.Address), logger.Int("db", cfg.DB))
	return client, nil
}
