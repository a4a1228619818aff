// Package sweep runs the daily retention pass over all documents.
package sweep

import (
	"context"
	"log"
	"sync"
	"time"
)

// Sweeper is the retention operation the scheduler drives once a day.
type Sweeper interface {
	Sweep(ctx context.Context)
}

// Scheduler fires the sweep at a fixed hour of day (server local time).
// A tick that arrives while a sweep is still running is skipped.
type Scheduler struct {
	sweeper Sweeper
	hour    int

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

func NewScheduler(sweeper Sweeper, hour int) *Scheduler {
	if hour < 0 || hour > 23 {
		hour = 3
	}
	return &Scheduler{
		sweeper: sweeper,
		hour:    hour,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the scheduling loop. It returns immediately; the loop
// runs until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop shuts the loop down and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	close(s.done)
	<-s.stopped
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)

	for {
		wait := time.Until(s.nextRun(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		}
	}
}

// RunOnce executes a single sweep unless one is already in flight.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Printf("retention sweep: previous run still in progress, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	started := time.Now()
	s.sweeper.Sweep(ctx)
	log.Printf("retention sweep: finished in %s", time.Since(started).Round(time.Millisecond))
}

// nextRun is the next occurrence of the configured hour after now.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
