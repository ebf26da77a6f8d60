package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// DefaultSubject carries remediation_execute jobs.
	DefaultSubject = "reaper.jobs." + TypeRemediationExecute
	// DefaultQueue load-balances jobs across workers.
	DefaultQueue = "reaper-workers"
)

// Connect dials NATS with reconnects enabled.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("reaper"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSScheduler publishes jobs for a Worker to pick up.
type NATSScheduler struct {
	nc      *nats.Conn
	subject string
}

func NewNATSScheduler(nc *nats.Conn, subject string) *NATSScheduler {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSScheduler{nc: nc, subject: subject}
}

func (s *NATSScheduler) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	JobsEnqueued.WithLabelValues(job.Type).Inc()
	return nil
}

// Worker consumes jobs from NATS and runs each once it is due.
type Worker struct {
	dispatcher
	nc      *nats.Conn
	subject string
	queue   string
	handler Handler
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

func WithSubject(subject string) WorkerOption {
	return func(w *Worker) { w.subject = subject }
}

func WithQueue(queue string) WorkerOption {
	return func(w *Worker) { w.queue = queue }
}

func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func NewWorker(nc *nats.Conn, handler Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		dispatcher: dispatcher{logger: slog.Default(), now: time.Now},
		nc:         nc,
		subject:    DefaultSubject,
		queue:      DefaultQueue,
		handler:    handler,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run subscribes and blocks until ctx is done. Jobs still waiting for their
// NotBefore are abandoned on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.nc.QueueSubscribe(w.subject, w.queue, func(msg *nats.Msg) {
		var job Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			w.logger.Warn("dropping malformed job", "subject", msg.Subject, "error", err)
			return
		}
		if err := job.Validate(); err != nil {
			w.logger.Warn("dropping invalid job", "subject", msg.Subject, "error", err)
			return
		}
		w.dispatch(ctx, job, w.handler)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", w.subject, err)
	}
	w.logger.Info("job worker started", "subject", w.subject, "queue", w.queue)

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil {
		w.logger.Warn("unsubscribe", "error", err)
	}
	w.stop()
	return nil
}
