package streaming

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("streaming session not found")

	// ErrInvalidTransition is returned for state transitions the session
	// machine does not permit, including any move out of a terminal state.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// SessionStatus is the state of a streaming session. Status only advances
// forward: CONNECTING → ACTIVE → {COMPLETED, ERROR}. DISCONNECTED and
// PAUSED are reserved and not reachable in the base flow.
type SessionStatus string

const (
	StatusConnecting   SessionStatus = "connecting"
	StatusActive       SessionStatus = "active"
	StatusCompleted    SessionStatus = "completed"
	StatusError        SessionStatus = "error"
	StatusDisconnected SessionStatus = "disconnected"
	StatusPaused       SessionStatus = "paused"
)

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Session is the logical, stateful lifetime of one streamed completion,
// one-to-one with a connection's logical lifetime.
type Session struct {
	ID          string
	UserID      string
	RequestID   string
	Provider    string
	Model       string
	Status      SessionStatus
	StartTime   time.Time
	EndTime     *time.Time
	TotalChunks int
	TotalTokens int
}

// Tracker owns streaming sessions. All methods are safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	now    func() time.Time
	logger *zap.Logger
}

// NewTracker creates an empty session tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		sessions: make(map[string]*Session),
		now:      time.Now,
		logger:   logger,
	}
}

// SetNow overrides the clock, for deterministic tests.
func (t *Tracker) SetNow(now func() time.Time) { t.now = now }

// Create initializes a session in CONNECTING.
func (t *Tracker) Create(userID, requestID, providerName, model string) *Session {
	session := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		RequestID: requestID,
		Provider:  providerName,
		Model:     model,
		Status:    StatusConnecting,
		StartTime: t.now(),
	}

	t.mu.Lock()
	t.sessions[session.ID] = session
	t.mu.Unlock()

	return session
}

// Get returns a snapshot of a session.
func (t *Tracker) Get(id string) (Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	session, ok := t.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *session, nil
}

// Activate transitions CONNECTING → ACTIVE on the first successful provider
// interaction.
func (t *Tracker) Activate(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if session.Status != StatusConnecting {
		return ErrInvalidTransition
	}
	session.Status = StatusActive
	return nil
}

// RecordChunk accounts one delivered chunk and its token count.
func (t *Tracker) RecordChunk(id string, tokens int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.TotalChunks++
	session.TotalTokens += tokens
	return nil
}

// Complete transitions a session to its terminal state, COMPLETED on
// success and ERROR otherwise, and stamps the end time. Completing a session
// already in a terminal state is rejected.
func (t *Tracker) Complete(id string, success bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if session.Status.Terminal() {
		return ErrInvalidTransition
	}

	if success {
		session.Status = StatusCompleted
	} else {
		session.Status = StatusError
	}
	end := t.now()
	session.EndTime = &end

	t.logger.Debug("session completed",
		zap.String("session_id", id),
		zap.String("status", string(session.Status)),
		zap.Int("total_chunks", session.TotalChunks),
		zap.Int("total_tokens", session.TotalTokens))
	return nil
}

// Progress estimates completion as min(95, chunks/10*100). Total chunk
// count is unknown until the stream ends, so this is a heuristic that only
// reaches 100 once the session is terminal.
func (t *Tracker) Progress(id string) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	session, ok := t.sessions[id]
	if !ok {
		return 0, ErrSessionNotFound
	}
	if session.Status.Terminal() {
		return 100, nil
	}
	progress := float64(session.TotalChunks) / 10 * 100
	if progress > 95 {
		progress = 95
	}
	return progress, nil
}

// Remove discards a session record.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
