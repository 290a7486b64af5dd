package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps a go-redis client with logging and locking helpers.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// Config defines connection parameters for Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
}

// New returns a Redis client based on provided configuration.
func New(cfg Config, logger *slog.Logger) *Redis {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Redis{
		client: redis.NewClient(opts),
		logger: logger.With("component", "redis"),
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// AcquireLock takes a best-effort mutex keyed on name, expiring after ttl.
// Used to keep at most one in-flight outbound dispatch per user.
func (r *Redis) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, "lock:"+name, time.Now().UnixNano(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// ReleaseLock drops a previously acquired mutex.
func (r *Redis) ReleaseLock(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, "lock:"+name).Err(); err != nil {
		return fmt.Errorf("redis release lock %s: %w", name, err)
	}
	return nil
}

// Close releases Redis resources.
func (r *Redis) Close() error {
	return r.client.Close()
}
