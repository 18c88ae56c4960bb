package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scanopy/scanopy/internal/slogging"
)

// RedisConfig holds the configuration for Redis connection
type RedisConfig struct {
	Host     string
	Port     string
	Password string //nolint:gosec // G117 - Redis connection password
	DB       int
}

// RedisDB represents a Redis database connection
type RedisDB struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisDB creates a new Redis database connection
func NewRedisDB(cfg RedisConfig) (*RedisDB, error) {
	logger := slogging.Get()
	logger.Debug("Initializing Redis connection to %s:%s DB=%d", cfg.Host, cfg.Port, cfg.DB)

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to ping Redis: %v", err)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Debug("Redis connection established successfully")

	return &RedisDB{
		client: client,
		cfg:    cfg,
	}, nil
}

// NewRedisDBFromClient wraps an existing client, used by tests with miniredis.
func NewRedisDBFromClient(client *redis.Client) *RedisDB {
	return &RedisDB{client: client}
}

// Close closes the Redis connection
func (db *RedisDB) Close() error {
	if db.client != nil {
		if err := db.client.Close(); err != nil {
			slogging.Get().Error("Error closing Redis connection: %v", err)
			return err
		}
	}
	return nil
}

// GetClient returns the underlying Redis client
func (db *RedisDB) GetClient() *redis.Client {
	return db.client
}

// Get retrieves a value by key; returns an error when the key is absent.
func (db *RedisDB) Get(ctx context.Context, key string) (string, error) {
	val, err := db.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("key not found: %s", key)
	}
	return val, err
}

// Set stores a value with a TTL; a zero TTL means no expiry.
func (db *RedisDB) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return db.client.Set(ctx, key, value, ttl).Err()
}

// Del removes one or more keys
func (db *RedisDB) Del(ctx context.Context, keys ...string) error {
	return db.client.Del(ctx, keys...).Err()
}

// Exists reports whether a key is present
func (db *RedisDB) Exists(ctx context.Context, key string) (bool, error) {
	n, err := db.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
