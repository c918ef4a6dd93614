package moderation

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Verdict actions recorded per moderation call.
const (
	ActionApproved = "approved"
	ActionFlagged  = "flagged"
	ActionBlocked  = "blocked"
)

// excerptLength bounds the content excerpt stored in audit records.
const excerptLength = 120

// Verdict is the merged outcome of one moderation call.
type Verdict struct {
	Approved   bool     `json:"approved"`
	Action     string   `json:"action"`
	Flags      []Flag   `json:"flags,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Record is one append-only audit entry in a user's moderation history.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Excerpt   string    `json:"excerpt"`
	Verdict   Verdict   `json:"verdict"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// UserHistory is the running moderation profile of one user. RiskScore is
// min(1, flagRate*0.5 + blockRate*1.0).
type UserHistory struct {
	UserID    string    `json:"user_id"`
	Total     int       `json:"total"`
	Flagged   int       `json:"flagged"`
	Blocked   int       `json:"blocked"`
	RiskScore float64   `json:"risk_score"`
	UpdatedAt time.Time `json:"updated_at"`
}

type userEntry struct {
	history UserHistory
	records []Record
}

// Engine composes N independent moderators into one verdict and keeps the
// per-user audit history. All methods are safe for concurrent use.
type Engine struct {
	moderators []Moderator

	mu    sync.RWMutex
	users map[string]*userEntry

	// maxRecordsPerUser bounds history retention; 0 keeps everything.
	maxRecordsPerUser int

	now    func() time.Time
	logger *zap.Logger
}

// NewEngine creates an engine over the given moderators.
func NewEngine(moderators []Moderator, maxRecordsPerUser int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		moderators:        moderators,
		users:             make(map[string]*userEntry),
		maxRecordsPerUser: maxRecordsPerUser,
		now:               time.Now,
		logger:            logger,
	}
}

// SetNow overrides the clock, for deterministic tests.
func (e *Engine) SetNow(now func() time.Time) { e.now = now }

// ModerateContent runs all enabled moderators and merges their findings.
// Content is approved only if no flag has HIGH or CRITICAL severity. A
// single moderator's error is logged and skipped. Each call appends a
// Record to the user's history and updates the running risk score.
func (e *Engine) ModerateContent(ctx context.Context, userID, content string) Verdict {
	rc := RequestContext{UserID: userID}

	var flags []Flag
	var categories []string
	confidence := 1.0
	for _, m := range e.moderators {
		if !m.Enabled() {
			continue
		}
		result, err := m.Process(ctx, content, rc)
		if err != nil {
			e.logger.Warn("moderator failed, skipping",
				zap.String("moderator", m.Name()), zap.Error(err))
			continue
		}
		flags = append(flags, result.Flags...)
		categories = append(categories, result.Categories...)
		if result.Confidence > 0 && result.Confidence < confidence {
			confidence = result.Confidence
		}
	}

	approved := true
	for _, f := range flags {
		if f.Severity == SeverityHigh || f.Severity == SeverityCritical {
			approved = false
			break
		}
	}

	action := ActionApproved
	switch {
	case !approved:
		action = ActionBlocked
	case len(flags) > 0:
		action = ActionFlagged
	}

	verdict := Verdict{
		Approved:   approved,
		Action:     action,
		Flags:      flags,
		Categories: mergeCategories(flags, categories),
		Confidence: confidence,
	}

	e.record(userID, content, verdict)
	return verdict
}

// mergeCategories combines flag-derived categories with the categories
// moderators report directly, deduplicated in first-seen order.
func mergeCategories(flags []Flag, extra []string) []string {
	out := flagCategories(flags)
	seen := make(map[string]struct{}, len(out))
	for _, c := range out {
		seen[c] = struct{}{}
	}
	for _, c := range extra {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func (e *Engine) record(userID, content string, verdict Verdict) {
	excerpt := content
	if len(excerpt) > excerptLength {
		// Back off to a rune boundary so the stored excerpt stays valid
		// UTF-8.
		cut := excerptLength
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		excerpt = excerpt[:cut]
	}

	now := e.now()
	rec := Record{
		ID:        uuid.New().String(),
		UserID:    userID,
		Excerpt:   excerpt,
		Verdict:   verdict,
		Action:    verdict.Action,
		Timestamp: now,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.users[userID]
	if !ok {
		entry = &userEntry{history: UserHistory{UserID: userID}}
		e.users[userID] = entry
	}

	entry.records = append(entry.records, rec)
	if e.maxRecordsPerUser > 0 && len(entry.records) > e.maxRecordsPerUser {
		entry.records = entry.records[len(entry.records)-e.maxRecordsPerUser:]
	}

	entry.history.Total++
	switch verdict.Action {
	case ActionFlagged:
		entry.history.Flagged++
	case ActionBlocked:
		entry.history.Blocked++
	}

	flagRate := float64(entry.history.Flagged) / float64(entry.history.Total)
	blockRate := float64(entry.history.Blocked) / float64(entry.history.Total)
	risk := flagRate*0.5 + blockRate*1.0
	if risk > 1 {
		risk = 1
	}
	entry.history.RiskScore = risk
	entry.history.UpdatedAt = now
}

// UserHistory returns the running profile for a user.
func (e *Engine) UserHistory(userID string) (UserHistory, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.users[userID]
	if !ok {
		return UserHistory{}, false
	}
	return entry.history, true
}

// UserRecords returns a copy of a user's audit records.
func (e *Engine) UserRecords(userID string) []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.users[userID]
	if !ok {
		return nil
	}
	out := make([]Record, len(entry.records))
	copy(out, entry.records)
	return out
}
