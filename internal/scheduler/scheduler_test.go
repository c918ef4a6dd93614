package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsJobsOnTicks(t *testing.T) {
	s := New(nil)

	ticks := make(chan time.Time)
	s.SetTicker(func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() {}
	})

	var runs atomic.Int64
	done := make(chan struct{}, 8)
	s.Add("counter", time.Minute, func() {
		runs.Add(1)
		done <- struct{}{}
	})

	s.Start()
	defer s.Stop()

	for i := 0; i < 3; i++ {
		ticks <- time.Now()
		<-done
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestSchedulerStopTerminatesJobs(t *testing.T) {
	s := New(nil)

	ticks := make(chan time.Time)
	s.SetTicker(func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() {}
	})

	var runs atomic.Int64
	s.Add("counter", time.Minute, func() { runs.Add(1) })

	s.Start()
	s.Stop()

	select {
	case ticks <- time.Now():
		t.Fatal("tick consumed after stop")
	default:
	}
	if runs.Load() != 0 {
		t.Fatalf("runs = %d after immediate stop, want 0", runs.Load())
	}

	// Stop twice is safe.
	s.Stop()
}

func TestSchedulerIgnoresLateAdds(t *testing.T) {
	s := New(nil)

	ticks := make(chan time.Time)
	s.SetTicker(func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() {}
	})

	s.Start()
	defer s.Stop()

	var runs atomic.Int64
	s.Add("late", time.Minute, func() { runs.Add(1) })

	select {
	case ticks <- time.Now():
		t.Fatal("late job must not be scheduled")
	default:
	}
}
