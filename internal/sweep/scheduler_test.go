package sweep

import (
	"context"
	"sync"
	"testing"
	"time"
)

type countingSweeper struct {
	mu    sync.Mutex
	runs  int
	block chan struct{}
}

func (c *countingSweeper) Sweep(ctx context.Context) {
	c.mu.Lock()
	c.runs++
	c.mu.Unlock()
	if c.block != nil {
		<-c.block
	}
}

func (c *countingSweeper) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func TestRunOnceExecutesSweep(t *testing.T) {
	sweeper := &countingSweeper{}
	scheduler := NewScheduler(sweeper, 3)

	scheduler.RunOnce(context.Background())
	scheduler.RunOnce(context.Background())

	if got := sweeper.count(); got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
}

func TestRunOnceSkipsWhileRunning(t *testing.T) {
	sweeper := &countingSweeper{block: make(chan struct{})}
	scheduler := NewScheduler(sweeper, 3)

	started := make(chan struct{})
	go func() {
		close(started)
		scheduler.RunOnce(context.Background())
	}()
	<-started
	// Give the goroutine time to take the running flag.
	deadline := time.Now().Add(time.Second)
	for sweeper.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first sweep never started")
		}
		time.Sleep(time.Millisecond)
	}

	scheduler.RunOnce(context.Background())
	if got := sweeper.count(); got != 1 {
		t.Fatalf("expected overlapping run to be skipped, got %d runs", got)
	}
	close(sweeper.block)
}

func TestNextRunSameDay(t *testing.T) {
	scheduler := NewScheduler(&countingSweeper{}, 3)
	now := time.Date(2025, 6, 1, 1, 30, 0, 0, time.UTC)

	next := scheduler.nextRun(now)
	want := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestNextRunRollsToTomorrow(t *testing.T) {
	scheduler := NewScheduler(&countingSweeper{}, 3)
	now := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)

	next := scheduler.nextRun(now)
	want := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestInvalidHourFallsBack(t *testing.T) {
	scheduler := NewScheduler(&countingSweeper{}, 99)
	if scheduler.hour != 3 {
		t.Fatalf("expected fallback hour 3, got %d", scheduler.hour)
	}
}

func TestStopTerminatesLoop(t *testing.T) {
	sweeper := &countingSweeper{}
	scheduler := NewScheduler(sweeper, 3)
	scheduler.Start(context.Background())

	finished := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
