package cache

import "time"

// CacheConfig holds cache TTL configuration
type CacheConfig struct {
	// PersonTTL is how long person records live in the backend. Zero keeps them forever.
	PersonTTL time.Duration
	// ResponseTTL is how long relay responses are served from cache
	// to callers that don't skip it.
	ResponseTTL time.Duration
	// MemoryMaxEntries bounds the in-memory backend. Zero means unbounded.
	MemoryMaxEntries int
	CleanupInterval  time.Duration
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		PersonTTL:        0,
		ResponseTTL:      30 * time.Second,
		MemoryMaxEntries: 0,
		CleanupInterval:  2 * time.Minute,
	}
}
