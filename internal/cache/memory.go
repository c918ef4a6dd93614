package cache

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sofatutor/llm-gateway/internal/api"
)

// MemoryStore is the in-memory Store. Entry count never exceeds maxEntries:
// when an insert finds the cache full, 10% of capacity (at least one entry)
// is evicted first per the configured strategy.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry

	maxEntries int
	defaultTTL time.Duration
	strategy   Strategy

	stats Stats

	now    func() time.Time
	logger *zap.Logger
}

// NewMemoryStore creates a memory cache bound to maxEntries with the given
// default TTL and eviction strategy.
func NewMemoryStore(maxEntries int, defaultTTL time.Duration, strategy Strategy, logger *zap.Logger) (*MemoryStore, error) {
	switch strategy {
	case StrategyLRU, StrategyLFU, StrategyFIFO:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		entries:    make(map[string]*Entry),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		strategy:   strategy,
		now:        time.Now,
		logger:     logger,
	}, nil
}

// SetNow overrides the clock, for deterministic tests.
func (s *MemoryStore) SetNow(now func() time.Time) { s.now = now }

// Set caches a response, evicting first when at capacity.
func (s *MemoryStore) Set(_ context.Context, key string, response api.CompletionResponse, meta Metadata, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictLocked()
	}

	s.entries[key] = &Entry{
		Key:          key,
		Response:     response,
		Metadata:     meta,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	}
	s.stats.Stores++
	return nil
}

// Get returns a cached response, deleting expired entries on read.
func (s *MemoryStore) Get(_ context.Context, key string) (api.CompletionResponse, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		s.stats.Misses++
		return api.CompletionResponse{}, false
	}
	if now.After(entry.ExpiresAt) {
		delete(s.entries, key)
		s.stats.Misses++
		s.stats.Expirations++
		return api.CompletionResponse{}, false
	}

	entry.AccessCount++
	entry.LastAccessed = now
	s.stats.Hits++
	return entry.Response, true
}

// GetEntry returns a snapshot of an entry's bookkeeping without counting
// as an access. Used by inspection endpoints.
func (s *MemoryStore) GetEntry(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Invalidate removes one entry by exact key.
func (s *MemoryStore) Invalidate(_ context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// InvalidatePattern removes entries whose keys match the regex; a pattern
// that does not compile falls back to substring matching.
func (s *MemoryStore) InvalidatePattern(_ context.Context, pattern string) (int, error) {
	matcher := func(key string) bool { return strings.Contains(key, pattern) }
	if re, err := regexp.Compile(pattern); err == nil {
		matcher = re.MatchString
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.entries {
		if matcher(key) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// InvalidateUser removes every entry owned by a user.
func (s *MemoryStore) InvalidateUser(_ context.Context, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.Metadata.UserID == userID {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// CleanupExpired purges all expired entries. Runs on an independent sweep
// schedule, decoupled from read traffic.
func (s *MemoryStore) CleanupExpired(_ context.Context) int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	s.stats.Expirations += removed
	return removed
}

// Stats returns traffic counters and the current size.
func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Size = len(s.entries)
	return stats
}

// Len returns the number of cached entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictLocked removes 10% of capacity (at least one entry), choosing
// victims per the configured strategy. Caller holds s.mu.
func (s *MemoryStore) evictLocked() {
	count := int(float64(s.maxEntries) * evictionFraction)
	if count < 1 {
		count = 1
	}
	if count > len(s.entries) {
		count = len(s.entries)
	}

	candidates := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		candidates = append(candidates, entry)
	}

	switch s.strategy {
	case StrategyLRU:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
		})
	case StrategyLFU:
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].AccessCount != candidates[j].AccessCount {
				return candidates[i].AccessCount < candidates[j].AccessCount
			}
			return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
		})
	case StrategyFIFO:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
	}

	for _, victim := range candidates[:count] {
		delete(s.entries, victim.Key)
	}
	s.stats.Evictions += count

	s.logger.Debug("evicted cache entries",
		zap.Int("count", count),
		zap.String("strategy", string(s.strategy)))
}
