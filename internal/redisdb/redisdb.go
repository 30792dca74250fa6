// Package redisdb manages the Redis connection used by the edit outbox.
//
// Room state in Drawbridge is held in process by the room actors; Redis is
// not a source of truth. The single client built here feeds the outbox
// stream writer and the operator diagnostics that report on it.
package redisdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"github.com/drawbridge-app/drawbridge/internal/config"
	"github.com/drawbridge-app/drawbridge/internal/slogging"
)

// RedisDB wraps the go-redis client with connection lifecycle helpers.
type RedisDB struct {
	client *redis.Client
	cfg    config.RedisConfig
}

// NewRedisDB creates a Redis connection and verifies it with a ping.
func NewRedisDB(cfg config.RedisConfig) (*RedisDB, error) {
	logger := slogging.Get()
	logger.Info("Connecting to Redis at %s (db %d)", cfg.Addr(), cfg.DB)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr(), err)
	}

	logger.Info("Successfully connected to Redis")

	return &RedisDB{
		client: client,
		cfg:    cfg,
	}, nil
}

// InstrumentTelemetry attaches OpenTelemetry tracing and metrics hooks to the
// client. Call once, after telemetry providers are installed.
func (r *RedisDB) InstrumentTelemetry() error {
	if err := redisotel.InstrumentTracing(r.client); err != nil {
		return fmt.Errorf("failed to instrument Redis tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r.client); err != nil {
		return fmt.Errorf("failed to instrument Redis metrics: %w", err)
	}
	return nil
}

// GetClient exposes the underlying client for stream operations.
func (r *RedisDB) GetClient() *redis.Client {
	return r.client
}

// Ping verifies the connection is alive.
func (r *RedisDB) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisDB) Close() error {
	logger := slogging.Get()
	logger.Info("Closing Redis connection")
	return r.client.Close()
}

// LogStats writes connection pool statistics to the debug log.
func (r *RedisDB) LogStats() {
	logger := slogging.Get()
	stats := r.client.PoolStats()
	logger.Debug("Redis pool stats: hits=%d misses=%d timeouts=%d total_conns=%d idle_conns=%d stale_conns=%d",
		stats.Hits, stats.Misses, stats.Timeouts,
		stats.TotalConns, stats.IdleConns, stats.StaleConns)
}
