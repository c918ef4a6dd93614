// Package scheduler runs background maintenance jobs (connection sweeps,
// usage-record cleanup, cache expiry) on independent periodic timers,
// decoupled from the request path. The tick source is injectable so tests
// drive jobs deterministically instead of waiting on wall-clock timers.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickerFunc returns a tick channel for the given interval and a stop
// function releasing its resources.
type TickerFunc func(interval time.Duration) (<-chan time.Time, func())

func defaultTicker(interval time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

type job struct {
	name     string
	interval time.Duration
	run      func()
}

// Scheduler owns a set of named periodic jobs. Each job runs on its own
// goroutine and timer; a slow job never delays the others.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []job
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup

	ticker TickerFunc
	logger *zap.Logger
}

// New creates a stopped scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		stop:   make(chan struct{}),
		ticker: defaultTicker,
		logger: logger,
	}
}

// SetTicker overrides the tick source, for deterministic tests. Must be
// called before Start.
func (s *Scheduler) SetTicker(t TickerFunc) { s.ticker = t }

// Add registers a named job. Jobs added after Start are ignored.
func (s *Scheduler) Add(name string, interval time.Duration, run func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.logger.Warn("job added after scheduler start, ignoring", zap.String("job", name))
		return
	}
	s.jobs = append(s.jobs, job{name: name, interval: interval, run: run})
}

// Start launches one goroutine per job. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, j := range s.jobs {
		j := j
		ticks, stopTicker := s.ticker(j.interval)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer stopTicker()
			for {
				select {
				case <-ticks:
					j.run()
				case <-s.stop:
					return
				}
			}
		}()
		s.logger.Info("maintenance job scheduled",
			zap.String("job", j.name),
			zap.Duration("interval", j.interval))
	}
}

// Stop terminates all job loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
}
