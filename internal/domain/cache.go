package domain

import (
	"context"
	"time"
)

// Cache is the snapshot cache in front of the repository. Community tier
// uses a local LRU; pro tier layers Redis under it so nodes share
// invalidations.
type Cache interface {
	// Get retrieves a value. Returns nil, nil if the key is not cached.
	Get(ctx context.Context, merchantID string, key string) ([]byte, error)

	// Set stores a value with expiration.
	Set(ctx context.Context, merchantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, merchantID string, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// If true, check local first, then Redis.
	EnableTwoPhase bool
}
