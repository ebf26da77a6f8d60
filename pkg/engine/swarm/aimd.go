package swarm

import (
	"sync"
	"time"
)

// AIMD adjusts a concurrency target: additive increase while calls are
// healthy, multiplicative decrease when the upstream throttles.
type AIMD struct {
	mu          sync.Mutex
	concurrency int
	minWorkers  int
	maxWorkers  int
	step        int
	healthy     time.Duration
	damping     time.Duration
	lastChange  time.Time
	now         func() time.Time
}

// NewAIMD returns a controller starting at start and bounded by [min, max].
func NewAIMD(start, min, max int) *AIMD {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	if start < min {
		start = min
	}
	if start > max {
		start = max
	}
	return &AIMD{
		concurrency: start,
		minWorkers:  min,
		maxWorkers:  max,
		step:        1,
		healthy:     100 * time.Millisecond,
		damping:     100 * time.Millisecond,
		lastChange:  time.Now(),
		now:         time.Now,
	}
}

// GetConcurrency returns the current target.
func (a *AIMD) GetConcurrency() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.concurrency
}

// Max returns the upper bound.
func (a *AIMD) Max() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxWorkers
}

// Feedback records the outcome of one task.
func (a *AIMD) Feedback(lat time.Duration, throttled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	// dampen oscillation
	if now.Sub(a.lastChange) < a.damping {
		return
	}

	if throttled {
		a.concurrency = a.concurrency / 2
		if a.concurrency < a.minWorkers {
			a.concurrency = a.minWorkers
		}
		a.lastChange = now
		return
	}

	if lat < a.healthy && a.concurrency < a.maxWorkers {
		a.concurrency += a.step
		if a.concurrency > a.maxWorkers {
			a.concurrency = a.maxWorkers
		}
		a.lastChange = now
	}
}
