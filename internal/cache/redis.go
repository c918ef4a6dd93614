package cache

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sofatutor/llm-gateway/internal/api"
)

// DefaultRedisKeyPrefix namespaces gateway cache keys in Redis.
const DefaultRedisKeyPrefix = "llmgw:cache:"

// RedisStore implements Store on Redis. Expiry is enforced by Redis TTLs,
// so CleanupExpired is a no-op and size-bound eviction does not apply;
// memory pressure is Redis's concern (maxmemory policy).
type RedisStore struct {
	client *redis.Client
	prefix string

	defaultTTL time.Duration

	statsMu sync.Mutex
	stats   Stats

	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed response cache.
func NewRedisStore(client *redis.Client, keyPrefix string, defaultTTL time.Duration, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:     client,
		prefix:     keyPrefix,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

type redisEntry struct {
	Response api.CompletionResponse `json:"response"`
	Metadata Metadata               `json:"metadata"`
	Created  time.Time              `json:"created"`
}

// Set caches a response under the prefixed key with a Redis TTL.
func (s *RedisStore) Set(ctx context.Context, key string, response api.CompletionResponse, meta Metadata, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	payload, err := json.Marshal(redisEntry{Response: response, Metadata: meta, Created: time.Now()})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, payload, ttl).Err(); err != nil {
		return err
	}
	s.statsMu.Lock()
	s.stats.Stores++
	s.statsMu.Unlock()
	return nil
}

// Get returns a cached response. Redis errors degrade to misses.
func (s *RedisStore) Get(ctx context.Context, key string) (api.CompletionResponse, bool) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		s.miss()
		return api.CompletionResponse{}, false
	}
	var entry redisEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = s.client.Del(ctx, s.prefix+key).Err()
		s.miss()
		return api.CompletionResponse{}, false
	}

	s.statsMu.Lock()
	s.stats.Hits++
	s.statsMu.Unlock()
	return entry.Response, true
}

// Invalidate removes one entry by exact key.
func (s *RedisStore) Invalidate(ctx context.Context, key string) bool {
	n, _ := s.client.Del(ctx, s.prefix+key).Result()
	return n > 0
}

// InvalidatePattern removes entries whose unprefixed keys match the regex
// (substring fallback). Uses SCAN to avoid blocking Redis.
func (s *RedisStore) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	matcher := func(key string) bool { return strings.Contains(key, pattern) }
	if re, err := regexp.Compile(pattern); err == nil {
		matcher = re.MatchString
	}
	return s.scanDelete(ctx, func(key string) bool { return matcher(key) }, nil)
}

// InvalidateUser removes entries owned by a user. Ownership lives in the
// serialized metadata, so candidate values are decoded during the scan.
func (s *RedisStore) InvalidateUser(ctx context.Context, userID string) int {
	n, _ := s.scanDelete(ctx, nil, func(entry redisEntry) bool {
		return entry.Metadata.UserID == userID
	})
	return n
}

// CleanupExpired is a no-op: Redis TTLs expire entries server-side.
func (s *RedisStore) CleanupExpired(ctx context.Context) int { return 0 }

// Stats returns traffic counters. Size is not tracked for Redis.
func (s *RedisStore) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *RedisStore) miss() {
	s.statsMu.Lock()
	s.stats.Misses++
	s.statsMu.Unlock()
}

func (s *RedisStore) scanDelete(ctx context.Context, keyMatch func(string) bool, entryMatch func(redisEntry) bool) (int, error) {
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 1000).Result()
		if err != nil {
			return deleted, err
		}
		cursor = next

		for _, fullKey := range keys {
			key := strings.TrimPrefix(fullKey, s.prefix)
			if keyMatch != nil && !keyMatch(key) {
				continue
			}
			if entryMatch != nil {
				data, err := s.client.Get(ctx, fullKey).Bytes()
				if err != nil {
					continue
				}
				var entry redisEntry
				if err := json.Unmarshal(data, &entry); err != nil || !entryMatch(entry) {
					continue
				}
			}
			if n, _ := s.client.Del(ctx, fullKey).Result(); n > 0 {
				deleted++
			}
		}

		if cursor == 0 {
			return deleted, nil
		}
	}
}
