package streaming

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBufferNotFound is returned for operations on unknown buffers.
var ErrBufferNotFound = errors.New("streaming buffer not found")

// FlushThreshold is the utilization percentage above which callers are
// expected to flush a buffer.
const FlushThreshold = 80.0

// DefaultBufferSize is the per-connection buffer capacity in bytes used
// when the operator configures none.
const DefaultBufferSize = 64 * 1024

// BufferedChunk is one chunk held in a buffer, in arrival order.
type BufferedChunk struct {
	Content    string
	Size       int
	ReceivedAt time.Time
}

// WriteResult is the processing metadata returned for one written chunk.
type WriteResult struct {
	ContentLength  int
	ProcessingTime time.Duration
	Utilization    float64
}

// BufferStatus reports the fill state of one buffer.
type BufferStatus struct {
	ConnectionID  string    `json:"connection_id"`
	TotalSize     int       `json:"total_size"`
	MaxSize       int       `json:"max_size"`
	PendingChunks int       `json:"pending_chunks"`
	Utilization   float64   `json:"utilization"`
	LastFlush     time.Time `json:"last_flush"`
}

// buffer accumulates chunks for one connection.
type buffer struct {
	chunks    []BufferedChunk
	totalSize int
	maxSize   int
	lastFlush time.Time
}

// BufferManager owns the per-connection chunk buffers. A buffer exists only
// while its connection is active. All methods are safe for concurrent use.
type BufferManager struct {
	mu      sync.RWMutex
	buffers map[string]*buffer

	maxSize int
	now     func() time.Time
	logger  *zap.Logger
}

// NewBufferManager creates a manager whose buffers hold up to maxSize bytes.
func NewBufferManager(maxSize int, logger *zap.Logger) *BufferManager {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BufferManager{
		buffers: make(map[string]*buffer),
		maxSize: maxSize,
		now:     time.Now,
		logger:  logger,
	}
}

// SetNow overrides the clock, for deterministic tests.
func (m *BufferManager) SetNow(now func() time.Time) { m.now = now }

// Create allocates a buffer for a connection. Creating twice resets it.
func (m *BufferManager) Create(connectionID string) {
	m.mu.Lock()
	m.buffers[connectionID] = &buffer{maxSize: m.maxSize, lastFlush: m.now()}
	m.mu.Unlock()
}

// Write appends a chunk to a connection's buffer and returns processing
// metadata including the post-write utilization.
func (m *BufferManager) Write(connectionID, content string) (WriteResult, error) {
	start := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[connectionID]
	if !ok {
		return WriteResult{}, ErrBufferNotFound
	}

	b.chunks = append(b.chunks, BufferedChunk{
		Content:    content,
		Size:       len(content),
		ReceivedAt: start,
	})
	b.totalSize += len(content)

	return WriteResult{
		ContentLength:  len(content),
		ProcessingTime: m.now().Sub(start),
		Utilization:    utilization(b),
	}, nil
}

// Status reports the fill state of a connection's buffer.
func (m *BufferManager) Status(connectionID string) (BufferStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buffers[connectionID]
	if !ok {
		return BufferStatus{}, ErrBufferNotFound
	}
	return BufferStatus{
		ConnectionID:  connectionID,
		TotalSize:     b.totalSize,
		MaxSize:       b.maxSize,
		PendingChunks: len(b.chunks),
		Utilization:   utilization(b),
		LastFlush:     b.lastFlush,
	}, nil
}

// Flush drains a buffer, returning all pending chunks in arrival order.
// The buffer itself survives for further writes on the same connection.
func (m *BufferManager) Flush(connectionID string) ([]BufferedChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[connectionID]
	if !ok {
		return nil, ErrBufferNotFound
	}

	drained := b.chunks
	b.chunks = nil
	b.totalSize = 0
	b.lastFlush = m.now()

	return drained, nil
}

// Remove discards a connection's buffer and any pending chunks. Partial
// content already flushed is not retracted.
func (m *BufferManager) Remove(connectionID string) {
	m.mu.Lock()
	delete(m.buffers, connectionID)
	m.mu.Unlock()
}

// Len returns the number of live buffers.
func (m *BufferManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buffers)
}

func utilization(b *buffer) float64 {
	if b.maxSize == 0 {
		return 0
	}
	return float64(b.totalSize) / float64(b.maxSize) * 100
}
