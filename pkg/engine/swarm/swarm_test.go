package swarm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAIMD_Feedback(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	aimd := NewAIMD(10, 1, 10)
	aimd.now = clock.now
	aimd.lastChange = clock.t

	// Test Multiplicative Decrease
	clock.advance(110 * time.Millisecond)
	aimd.Feedback(500*time.Millisecond, true)
	if got := aimd.GetConcurrency(); got != 5 {
		t.Errorf("Expected concurrency 5 after throttle, got %d", got)
	}

	// Dampened: a second signal inside the window is ignored.
	aimd.Feedback(500*time.Millisecond, true)
	if got := aimd.GetConcurrency(); got != 5 {
		t.Errorf("Expected dampened feedback to keep 5, got %d", got)
	}

	// Test Additive Increase
	clock.advance(110 * time.Millisecond)
	aimd.Feedback(50*time.Millisecond, false)
	if got := aimd.GetConcurrency(); got != 6 {
		t.Errorf("Expected concurrency 6 after success, got %d", got)
	}

	// Test Min Limit
	for i := 0; i < 5; i++ {
		clock.advance(110 * time.Millisecond)
		aimd.Feedback(time.Second, true)
	}
	if got := aimd.GetConcurrency(); got != 1 {
		t.Errorf("Concurrency should bottom out at 1, got %d", got)
	}

	// Test Max Limit
	for i := 0; i < 20; i++ {
		clock.advance(110 * time.Millisecond)
		aimd.Feedback(time.Millisecond, false)
	}
	if got := aimd.GetConcurrency(); got != 10 {
		t.Errorf("Concurrency should cap at 10, got %d", got)
	}
}

func TestNewAIMD_ClampsBounds(t *testing.T) {
	a := NewAIMD(50, 0, 10)
	if got := a.GetConcurrency(); got != 10 {
		t.Errorf("start above max should clamp to 10, got %d", got)
	}
	if a.minWorkers != 1 {
		t.Errorf("min below 1 should clamp to 1, got %d", a.minWorkers)
	}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool(3)

	var inFlight, peak int32
	tasks := make([]Task, 12)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		}
	}

	errs := pool.Run(context.Background(), tasks)
	for i, err := range errs {
		if err != nil {
			t.Errorf("task %d: %v", i, err)
		}
	}
	if peak > 3 {
		t.Errorf("peak concurrency %d exceeded bound 3", peak)
	}
	if got := pool.GetStats().TasksCompleted; got != 12 {
		t.Errorf("TasksCompleted = %d, want 12", got)
	}
}

func TestPool_ThrottleHalvesConcurrency(t *testing.T) {
	errThrottle := errors.New("throttled")
	pool := NewPool(10, WithThrottleClassifier(func(err error) bool { return errors.Is(err, errThrottle) }))

	errs := pool.Run(context.Background(), []Task{func(context.Context) error {
		time.Sleep(120 * time.Millisecond)
		return errThrottle
	}})
	if !errors.Is(errs[0], errThrottle) {
		t.Fatalf("expected task error to be returned, got %v", errs[0])
	}

	stats := pool.GetStats()
	if stats.Concurrency != 5 {
		t.Errorf("Concurrency = %d, want 5 after one throttle", stats.Concurrency)
	}
	if stats.Throttled != 1 {
		t.Errorf("Throttled = %d, want 1", stats.Throttled)
	}
}

func TestPool_CancelledBeforeStart(t *testing.T) {
	pool := NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	tasks := []Task{
		func(context.Context) error { <-release; return nil },
		func(context.Context) error { return nil },
	}

	done := make(chan []error)
	go func() { done <- pool.Run(ctx, tasks) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)

	errs := <-done
	if errs[0] != nil {
		t.Errorf("first task should complete, got %v", errs[0])
	}
	if !errors.Is(errs[1], context.Canceled) {
		t.Errorf("second task should be cancelled, got %v", errs[1])
	}
}
