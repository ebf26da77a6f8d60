// Package jobs delivers deferred remediation executions once their grace
// period has elapsed.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TypeRemediationExecute is the only job type the engine emits.
const TypeRemediationExecute = "remediation_execute"

// ErrInvalidJob is returned for jobs missing their type, tenant or request.
var ErrInvalidJob = errors.New("invalid job")

// Job is a deferred unit of work.
type Job struct {
	Type      string    `json:"type"`
	TenantID  string    `json:"tenant_id"`
	RequestID string    `json:"request_id"`
	NotBefore time.Time `json:"not_before"`
}

// Validate checks the fields every consumer depends on.
func (j Job) Validate() error {
	switch {
	case j.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidJob)
	case j.TenantID == "":
		return fmt.Errorf("%w: missing tenant_id", ErrInvalidJob)
	case j.RequestID == "":
		return fmt.Errorf("%w: missing request_id", ErrInvalidJob)
	}
	return nil
}

// Scheduler accepts jobs for later delivery.
type Scheduler interface {
	Enqueue(ctx context.Context, job Job) error
}

// Handler runs a due job.
type Handler func(ctx context.Context, job Job) error

// dispatcher holds jobs until NotBefore, then runs the handler.
type dispatcher struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (d *dispatcher) dispatch(ctx context.Context, job Job, h Handler) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	delay := job.NotBefore.Sub(d.now())
	go func() {
		defer d.wg.Done()
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				JobsHandled.WithLabelValues(job.Type, "abandoned").Inc()
				return
			case <-t.C:
			}
		}

		if err := h(ctx, job); err != nil {
			JobsHandled.WithLabelValues(job.Type, "error").Inc()
			d.logger.Error("job failed",
				"type", job.Type,
				"tenant_id", job.TenantID,
				"request_id", job.RequestID,
				"error", err,
			)
			return
		}
		JobsHandled.WithLabelValues(job.Type, "ok").Inc()
		d.logger.Debug("job done", "type", job.Type, "request_id", job.RequestID)
	}()
	return true
}

// stop refuses new jobs and waits for running ones.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// TimerScheduler runs jobs in-process. Pending jobs are lost on Close.
type TimerScheduler struct {
	dispatcher
	hmu     sync.RWMutex
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewTimerScheduler(logger *slog.Logger) *TimerScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		dispatcher: dispatcher{logger: logger, now: time.Now},
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Handle sets the handler due jobs are passed to.
func (s *TimerScheduler) Handle(h Handler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handler = h
}

func (s *TimerScheduler) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.hmu.RLock()
	h := s.handler
	s.hmu.RUnlock()
	if h == nil {
		return errors.New("timer scheduler has no handler")
	}
	if !s.dispatch(s.ctx, job, h) {
		return errors.New("timer scheduler closed")
	}
	JobsEnqueued.WithLabelValues(job.Type).Inc()
	return nil
}

// Close abandons pending jobs and waits for running ones.
func (s *TimerScheduler) Close() {
	s.cancel()
	s.stop()
}
