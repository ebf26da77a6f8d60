package swarm

import (
	"context"
	"sync"
	"time"
)

// Task represents a unit of work for the swarm.
type Task func(ctx context.Context) error

// Stats holds runtime statistics for the pool.
type Stats struct {
	ActiveWorkers  int
	Concurrency    int
	TasksCompleted int64
	Throttled      int64
}

// Pool runs tasks with at most AIMD-target of them in flight.
type Pool struct {
	aimd       *AIMD
	isThrottle func(error) bool

	mu     sync.Mutex
	active int
	wake   chan struct{}
	stats  Stats
}

// Option configures a Pool.
type Option func(*Pool)

// WithThrottleClassifier tells the pool which task errors mean the upstream
// is pushing back.
func WithThrottleClassifier(fn func(error) bool) Option {
	return func(p *Pool) { p.isThrottle = fn }
}

// WithHealthyLatency sets the latency under which a task counts as healthy
// for additive increase.
func WithHealthyLatency(d time.Duration) Option {
	return func(p *Pool) { p.aimd.healthy = d }
}

// NewPool creates a pool that starts at, and never exceeds, max concurrent tasks.
func NewPool(max int, opts ...Option) *Pool {
	if max < 1 {
		max = 1
	}
	p := &Pool{
		aimd:       NewAIMD(max, 1, max),
		isThrottle: func(error) bool { return false },
		wake:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes every task and returns their errors by index. Tasks not
// started before ctx is done get ctx.Err().
func (p *Pool) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		if err := p.acquire(ctx); err != nil {
			for j := i; j < len(tasks); j++ {
				errs[j] = err
			}
			break
		}

		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			defer p.release()

			start := time.Now()
			err := task(ctx)
			errs[i] = err

			throttled := err != nil && p.isThrottle(err)
			p.aimd.Feedback(time.Since(start), throttled)

			p.mu.Lock()
			p.stats.TasksCompleted++
			if throttled {
				p.stats.Throttled++
			}
			p.mu.Unlock()
		}(i, task)
	}

	wg.Wait()
	return errs
}

// GetStats returns current pool stats.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.ActiveWorkers = p.active
	s.Concurrency = p.aimd.GetConcurrency()
	return s
}

func (p *Pool) acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		if p.active < p.aimd.GetConcurrency() {
			p.active++
			p.mu.Unlock()
			return nil
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (p *Pool) release() {
	p.mu.Lock()
	p.active--
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()
}
