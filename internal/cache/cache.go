// Package cache implements the TTL- and size-bound response cache with
// pluggable eviction (LRU/LFU/FIFO), pattern invalidation, and an optional
// Redis-backed store behind the same interface.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/sofatutor/llm-gateway/internal/api"
)

// Strategy selects which entries are removed when the cache is at capacity.
type Strategy string

const (
	// StrategyLRU evicts entries with the oldest last access.
	StrategyLRU Strategy = "lru"
	// StrategyLFU evicts entries with the lowest access count.
	StrategyLFU Strategy = "lfu"
	// StrategyFIFO evicts the oldest-created entries.
	StrategyFIFO Strategy = "fifo"
)

// ErrInvalidStrategy is returned when configuring an unknown strategy.
var ErrInvalidStrategy = errors.New("invalid cache eviction strategy")

// evictionFraction is the share of capacity removed per eviction trigger.
const evictionFraction = 0.10

// Metadata describes a cached response for scoped invalidation and
// accounting.
type Metadata struct {
	UserID      string `json:"user_id"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	ContentHash string `json:"content_hash"`
	Size        int    `json:"size"`
}

// Entry is one cached response with its bookkeeping.
type Entry struct {
	Key          string                 `json:"key"`
	Response     api.CompletionResponse `json:"response"`
	Metadata     Metadata               `json:"metadata"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    time.Time              `json:"expires_at"`
	AccessCount  int                    `json:"access_count"`
	LastAccessed time.Time              `json:"last_accessed"`
}

// Stats summarizes cache traffic.
type Stats struct {
	Hits        int `json:"hits"`
	Misses      int `json:"misses"`
	Stores      int `json:"stores"`
	Evictions   int `json:"evictions"`
	Expirations int `json:"expirations"`
	Size        int `json:"size"`
}

// Store is the response cache interface. Implementations must be safe for
// concurrent use. Cache failures are soft: callers log and proceed
// uncached, so implementations prefer returning misses over errors.
type Store interface {
	// Set caches a response under key with the given TTL (the store's
	// default when ttl <= 0). When at capacity, eviction runs before the
	// insert.
	Set(ctx context.Context, key string, response api.CompletionResponse, meta Metadata, ttl time.Duration) error

	// Get returns the cached response. Absent or expired keys are misses;
	// expired entries are deleted on read. A hit bumps the access count
	// and timestamp and returns the stored response unchanged.
	Get(ctx context.Context, key string) (api.CompletionResponse, bool)

	// Invalidate removes one entry by exact key.
	Invalidate(ctx context.Context, key string) bool

	// InvalidatePattern removes entries whose keys match the regex (or,
	// if the pattern does not compile, contain it as a substring).
	InvalidatePattern(ctx context.Context, pattern string) (int, error)

	// InvalidateUser removes every entry owned by a user.
	InvalidateUser(ctx context.Context, userID string) int

	// CleanupExpired purges expired entries independent of read traffic.
	CleanupExpired(ctx context.Context) int

	// Stats returns traffic counters.
	Stats() Stats
}
