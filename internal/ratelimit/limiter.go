// Package ratelimit implements per-(user, provider) admission control using
// fixed, quantized time windows over request and token counts.
//
// Windows are deliberately fixed rather than sliding: all counts reset at
// each window boundary (floor(now/window)*window). This matches observed
// production behavior and is simpler than a decaying average; the accuracy
// gap at window edges is a known, accepted trade-off.
package ratelimit

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// shardCount spreads (user, provider) keys over independent locks so that
// admission checks from unrelated sessions never contend.
const shardCount = 32

// DefaultRetention is how long idle usage records are kept before cleanup.
const DefaultRetention = 7 * 24 * time.Hour

// Rule is the admission limit for one provider. Zero MaxRequests or
// MaxTokens disables that dimension.
type Rule struct {
	Window      time.Duration
	MaxRequests int
	MaxTokens   int
}

// UsageRecord tracks one (user, provider) pair within the current window.
// A record whose WindowStart is behind the computed window start is stale
// and is discarded, not merged.
type UsageRecord struct {
	WindowStart  time.Time
	RequestCount int
	TokenCount   int
	LastRequest  time.Time
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetTime  time.Time
	RetryAfter int // seconds until the window resets; set only on denial
}

type shard struct {
	mu      sync.Mutex
	records map[string]*UsageRecord
}

// Limiter is a fixed-window rate limiter keyed by (user, provider).
// All methods are safe for concurrent use.
type Limiter struct {
	shards [shardCount]*shard

	rulesMu sync.RWMutex
	rules   map[string]Rule

	now    func() time.Time
	logger *zap.Logger
}

// New creates a Limiter with no rules configured. Providers without a rule
// are admitted unconditionally.
func New(logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		rules:  make(map[string]Rule),
		now:    time.Now,
		logger: logger,
	}
	for i := range l.shards {
		l.shards[i] = &shard{records: make(map[string]*UsageRecord)}
	}
	return l
}

// SetNow overrides the clock, for deterministic tests.
func (l *Limiter) SetNow(now func() time.Time) { l.now = now }

// SetRule configures the admission rule for a provider.
func (l *Limiter) SetRule(provider string, rule Rule) {
	l.rulesMu.Lock()
	l.rules[provider] = rule
	l.rulesMu.Unlock()
}

// RuleFor returns the configured rule for a provider, if any.
func (l *Limiter) RuleFor(provider string) (Rule, bool) {
	l.rulesMu.RLock()
	rule, ok := l.rules[provider]
	l.rulesMu.RUnlock()
	if !ok || rule.Window <= 0 {
		return Rule{}, false
	}
	return rule, ok
}

func key(userID, provider string) string {
	return userID + "|" + provider
}

func (l *Limiter) shardFor(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return l.shards[h.Sum32()%shardCount]
}

// windowStart quantizes t down to the rule's window boundary.
func windowStart(t time.Time, window time.Duration) time.Time {
	ms := t.UnixMilli()
	w := window.Milliseconds()
	return time.UnixMilli((ms / w) * w)
}

// Check decides whether one more request with the given estimated token
// cost may be admitted for (userID, provider). It does not record usage;
// call RecordUsage after the request completes.
//
// Providers without a configured rule are always admitted (open policy).
func (l *Limiter) Check(userID, provider string, estimatedTokens int) Result {
	rule, ok := l.RuleFor(provider)
	if !ok {
		return Result{Allowed: true, Remaining: math.MaxInt32}
	}

	now := l.now()
	start := windowStart(now, rule.Window)
	reset := start.Add(rule.Window)

	k := key(userID, provider)
	s := l.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	// A record from an earlier window counts as zero usage: the previous
	// window's counts are discarded wholesale at the boundary.
	requests, tokens := 0, 0
	if rec, exists := s.records[k]; exists && rec.WindowStart.Equal(start) {
		requests = rec.RequestCount
		tokens = rec.TokenCount
	}

	if exceeds(requests+1, rule.MaxRequests) || exceeds(tokens+estimatedTokens, rule.MaxTokens) {
		retry := int(math.Ceil(float64(reset.Sub(now)) / float64(time.Second)))
		if retry < 1 {
			retry = 1
		}
		l.logger.Debug("admission denied",
			zap.String("user_id", userID),
			zap.String("provider", provider),
			zap.Int("requests", requests),
			zap.Int("tokens", tokens),
			zap.Int("estimated_tokens", estimatedTokens))
		return Result{Allowed: false, Remaining: 0, ResetTime: reset, RetryAfter: retry}
	}

	return Result{
		Allowed:   true,
		Remaining: remaining(rule, requests, tokens, estimatedTokens),
		ResetTime: reset,
	}
}

// exceeds reports whether value is over a limit; a zero limit is unlimited.
func exceeds(value, limit int) bool {
	return limit > 0 && value > limit
}

// remaining computes the post-admission headroom: the smaller of remaining
// requests and remaining token budget expressed in thousands of tokens.
func remaining(rule Rule, requests, tokens, estimated int) int {
	left := math.MaxInt32
	if rule.MaxRequests > 0 {
		left = rule.MaxRequests - requests - 1
	}
	if rule.MaxTokens > 0 {
		tokensLeft := (rule.MaxTokens - tokens - estimated) / 1000
		if tokensLeft < left {
			left = tokensLeft
		}
	}
	if left < 0 {
		left = 0
	}
	return left
}

// RecordUsage adds one completed request and its token cost to the current
// window, creating a fresh record if the window rolled over since the check.
// Accounting is decoupled from admission: this runs only after a request
// actually completes.
func (l *Limiter) RecordUsage(userID, provider string, tokens int) {
	rule, ok := l.RuleFor(provider)
	window := time.Minute
	if ok {
		window = rule.Window
	}

	now := l.now()
	start := windowStart(now, window)

	k := key(userID, provider)
	s := l.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[k]
	if !exists || !rec.WindowStart.Equal(start) {
		rec = &UsageRecord{WindowStart: start}
		s.records[k] = rec
	}
	rec.RequestCount++
	rec.TokenCount += tokens
	rec.LastRequest = now
}

// Usage returns a snapshot of the user's records, keyed by provider name.
func (l *Limiter) Usage(userID string) map[string]UsageRecord {
	out := make(map[string]UsageRecord)

	prefix := userID + "|"
	for _, s := range l.shards {
		s.mu.Lock()
		for k, rec := range s.records {
			if len(k) > len(prefix) && k[:len(prefix)] == prefix {
				out[k[len(prefix):]] = *rec
			}
		}
		s.mu.Unlock()
	}
	return out
}

// CleanupOldRecords purges records whose last request predates the
// retention cutoff. Intended to run on an independent schedule.
func (l *Limiter) CleanupOldRecords(retention time.Duration) int {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := l.now().Add(-retention)

	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for k, rec := range s.records {
			if rec.LastRequest.Before(cutoff) {
				delete(s.records, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		l.logger.Debug("purged stale usage records", zap.Int("removed", removed))
	}
	return removed
}
