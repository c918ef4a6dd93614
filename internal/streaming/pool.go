// Package streaming owns the per-request streaming state: the bounded
// connection pool, per-connection chunk buffers, and the session state
// machine layered on top of a connection's logical lifetime.
package streaming

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrCapacityExceeded is returned when the pool is at its maximum.
	ErrCapacityExceeded = errors.New("connection pool capacity exceeded")

	// ErrConnectionNotFound is returned for operations on unknown connections.
	ErrConnectionNotFound = errors.New("connection not found")
)

// idleThreshold classifies a connection as idle for statistics.
const idleThreshold = 60 * time.Second

// Connection is one active streaming connection.
type Connection struct {
	ID           string
	UserID       string
	RequestID    string
	CreatedAt    time.Time
	LastActivity time.Time
	IsActive     bool
	Metadata     map[string]string
}

// connectionHealth tracks per-connection health, initialized healthy.
type connectionHealth struct {
	isHealthy     bool
	lastHeartbeat time.Time
	latency       time.Duration
	errorCount    int
	requestCount  int
}

// PoolStats is a point-in-time summary of the pool.
type PoolStats struct {
	Active          int           `json:"active"`
	Idle            int           `json:"idle"`
	Errored         int           `json:"errored"`
	AverageDuration time.Duration `json:"average_duration"`
	MemoryBytes     int64         `json:"memory_bytes"`
}

// Pool bounds and tracks concurrent streaming connections.
// All methods are safe for concurrent use.
type Pool struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	health map[string]*connectionHealth

	maxConnections    int
	connectionTimeout time.Duration

	now    func() time.Time
	logger *zap.Logger
}

// NewPool creates a pool bounded at maxConnections. Connections idle beyond
// connectionTimeout are closed by CleanupStale.
func NewPool(maxConnections int, connectionTimeout time.Duration, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		conns:             make(map[string]*Connection),
		health:            make(map[string]*connectionHealth),
		maxConnections:    maxConnections,
		connectionTimeout: connectionTimeout,
		now:               time.Now,
		logger:            logger,
	}
}

// SetNow overrides the clock, for deterministic tests.
func (p *Pool) SetNow(now func() time.Time) { p.now = now }

// CreateConnection allocates a new active connection, or fails with
// ErrCapacityExceeded when the pool is full.
func (p *Pool) CreateConnection(userID, requestID string, metadata map[string]string) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) >= p.maxConnections {
		return nil, ErrCapacityExceeded
	}

	now := p.now()
	conn := &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		RequestID:    requestID,
		CreatedAt:    now,
		LastActivity: now,
		IsActive:     true,
		Metadata:     metadata,
	}
	p.conns[conn.ID] = conn
	p.health[conn.ID] = &connectionHealth{isHealthy: true, lastHeartbeat: now}

	p.logger.Debug("connection created",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", userID),
		zap.Int("pool_size", len(p.conns)))
	return conn, nil
}

// Get returns a connection by ID.
func (p *Pool) Get(id string) (*Connection, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return conn, nil
}

// UpdateActivity refreshes a connection's activity and heartbeat stamps.
// Called on every chunk processed.
func (p *Pool) UpdateActivity(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if conn, ok := p.conns[id]; ok {
		conn.LastActivity = now
	}
	if h, ok := p.health[id]; ok {
		h.lastHeartbeat = now
		h.requestCount++
	}
}

// RecordError marks an error against a connection's health. A connection
// becomes unhealthy when errors reach half of its processed chunks.
func (p *Pool) RecordError(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.health[id]
	if !ok {
		return
	}
	h.errorCount++
	if h.requestCount > 0 && h.errorCount*2 >= h.requestCount {
		h.isHealthy = false
	}
}

// CloseConnection marks a connection inactive and removes it together with
// its health record. Closing an unknown connection is a no-op.
func (p *Pool) CloseConnection(id, reason string) {
	p.mu.Lock()
	conn, ok := p.conns[id]
	if ok {
		conn.IsActive = false
		delete(p.conns, id)
		delete(p.health, id)
	}
	p.mu.Unlock()

	if ok {
		p.logger.Debug("connection closed",
			zap.String("connection_id", id),
			zap.String("reason", reason))
	}
}

// CleanupStale closes every connection idle beyond the pool's timeout.
// Runs on an independent schedule; returns the number closed.
func (p *Pool) CleanupStale() int {
	cutoff := p.now().Add(-p.connectionTimeout)

	p.mu.RLock()
	var stale []string
	for id, conn := range p.conns {
		if conn.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	p.mu.RUnlock()

	// Re-check under the write lock: a chunk may have arrived since the scan.
	closed := 0
	for _, id := range stale {
		p.mu.Lock()
		conn, ok := p.conns[id]
		if ok && conn.LastActivity.Before(cutoff) {
			conn.IsActive = false
			delete(p.conns, id)
			delete(p.health, id)
			closed++
		}
		p.mu.Unlock()
	}

	if closed > 0 {
		p.logger.Info("closed stale connections", zap.Int("count", closed))
	}
	return closed
}

// Size returns the number of live connections.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Stats summarizes the pool. Memory usage is an estimate from serialized
// field sizes, not an exact measurement.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	stats := PoolStats{}
	var totalAge time.Duration
	for id, conn := range p.conns {
		stats.Active++
		if now.Sub(conn.LastActivity) > idleThreshold {
			stats.Idle++
		}
		if h, ok := p.health[id]; ok && !h.isHealthy {
			stats.Errored++
		}
		totalAge += now.Sub(conn.CreatedAt)
		stats.MemoryBytes += estimateConnectionSize(conn)
	}
	if stats.Active > 0 {
		stats.AverageDuration = totalAge / time.Duration(stats.Active)
	}
	return stats
}

// estimateConnectionSize approximates the serialized footprint of one
// connection record.
func estimateConnectionSize(c *Connection) int64 {
	size := int64(len(c.ID) + len(c.UserID) + len(c.RequestID))
	for k, v := range c.Metadata {
		size += int64(len(k) + len(v))
	}
	// Fixed fields: two timestamps and the active flag.
	return size + 17
}
