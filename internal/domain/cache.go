package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetCatalog retrieves a cached catalog payload.
	GetCatalog(ctx context.Context, tenantID string) (*CatalogPayload, error)

	// SetCatalog caches the rule catalog so worker nodes can rebuild a
	// snapshot without hitting the repository.
	SetCatalog(ctx context.Context, tenantID string, payload *CatalogPayload, ttl time.Duration) error

	// IncrementCounter atomically increments a windowed counter and returns
	// the new value. Used to rate-track audit-write failures per tenant.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CatalogPayload is the serialized rule catalog passed through the cache.
type CatalogPayload struct {
	Version string      `json:"version"`
	Rules   []*Convenio `json:"rules"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
