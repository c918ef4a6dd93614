package streaming

import (
	"errors"
	"testing"
	"time"
)

func TestPoolCapacityBound(t *testing.T) {
	p := NewPool(2, time.Minute, nil)

	if _, err := p.CreateConnection("user-1", "req-1", nil); err != nil {
		t.Fatalf("first connection: %v", err)
	}
	if _, err := p.CreateConnection("user-1", "req-2", nil); err != nil {
		t.Fatalf("second connection: %v", err)
	}
	if _, err := p.CreateConnection("user-1", "req-3", nil); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestPoolCloseFreesCapacity(t *testing.T) {
	p := NewPool(1, time.Minute, nil)

	conn, err := p.CreateConnection("user-1", "req-1", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p.CloseConnection(conn.ID, "done")
	if p.Size() != 0 {
		t.Fatalf("size = %d after close, want 0", p.Size())
	}

	if _, err := p.CreateConnection("user-1", "req-2", nil); err != nil {
		t.Fatalf("create after close: %v", err)
	}

	// Closing twice is a no-op.
	p.CloseConnection(conn.ID, "again")
	if p.Size() != 1 {
		t.Fatalf("size = %d, want 1", p.Size())
	}
}

func TestPoolCleanupStale(t *testing.T) {
	p := NewPool(10, time.Minute, nil)

	start := time.UnixMilli(1_700_000_000_000)
	p.SetNow(func() time.Time { return start })

	stale, _ := p.CreateConnection("user-1", "req-1", nil)
	fresh, _ := p.CreateConnection("user-1", "req-2", nil)

	p.SetNow(func() time.Time { return start.Add(2 * time.Minute) })
	p.UpdateActivity(fresh.ID)

	if closed := p.CleanupStale(); closed != 1 {
		t.Fatalf("closed = %d, want 1", closed)
	}
	if _, err := p.Get(stale.ID); !errors.Is(err, ErrConnectionNotFound) {
		t.Error("stale connection should be gone")
	}
	if _, err := p.Get(fresh.ID); err != nil {
		t.Errorf("fresh connection should survive: %v", err)
	}
}

func TestPoolStats(t *testing.T) {
	p := NewPool(10, time.Minute, nil)

	start := time.UnixMilli(1_700_000_000_000)
	p.SetNow(func() time.Time { return start })

	idle, _ := p.CreateConnection("user-1", "req-1", map[string]string{"provider": "openai"})
	errored, _ := p.CreateConnection("user-2", "req-2", nil)

	p.UpdateActivity(errored.ID)
	p.RecordError(errored.ID)

	p.SetNow(func() time.Time { return start.Add(90 * time.Second) })
	p.UpdateActivity(errored.ID)

	stats := p.Stats()
	if stats.Active != 2 {
		t.Errorf("active = %d, want 2", stats.Active)
	}
	if stats.Idle != 1 {
		t.Errorf("idle = %d, want 1 (%s)", stats.Idle, idle.ID)
	}
	if stats.Errored != 1 {
		t.Errorf("errored = %d, want 1", stats.Errored)
	}
	if stats.MemoryBytes <= 0 {
		t.Error("memory estimate should be positive")
	}
	if stats.AverageDuration != 90*time.Second {
		t.Errorf("average duration = %s, want 90s", stats.AverageDuration)
	}
}
