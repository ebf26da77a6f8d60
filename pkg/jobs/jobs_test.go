package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJob_Validate(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		ok   bool
	}{
		{"complete", Job{Type: TypeRemediationExecute, TenantID: "t", RequestID: "r"}, true},
		{"no type", Job{TenantID: "t", RequestID: "r"}, false},
		{"no tenant", Job{Type: TypeRemediationExecute, RequestID: "r"}, false},
		{"no request", Job{Type: TypeRemediationExecute, TenantID: "t"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidJob) {
				t.Errorf("expected ErrInvalidJob, got %v", err)
			}
		})
	}
}

func TestTimerScheduler_WaitsForNotBefore(t *testing.T) {
	s := NewTimerScheduler(quietLogger())
	defer s.Close()

	got := make(chan time.Time, 1)
	s.Handle(func(ctx context.Context, job Job) error {
		got <- time.Now()
		return nil
	})

	notBefore := time.Now().Add(150 * time.Millisecond)
	require.NoError(t, s.Enqueue(context.Background(), Job{
		Type: TypeRemediationExecute, TenantID: "t", RequestID: "r", NotBefore: notBefore,
	}))

	select {
	case at := <-got:
		assert.False(t, at.Before(notBefore), "handler ran before not_before")
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestTimerScheduler_CloseAbandonsPending(t *testing.T) {
	s := NewTimerScheduler(quietLogger())
	var mu sync.Mutex
	ran := false
	s.Handle(func(ctx context.Context, job Job) error {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil
	})

	require.NoError(t, s.Enqueue(context.Background(), Job{
		Type: TypeRemediationExecute, TenantID: "t", RequestID: "r", NotBefore: time.Now().Add(time.Hour),
	}))
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, ran)
	assert.Error(t, s.Enqueue(context.Background(), Job{Type: TypeRemediationExecute, TenantID: "t", RequestID: "r"}))
}

func TestTimerScheduler_RequiresHandler(t *testing.T) {
	s := NewTimerScheduler(quietLogger())
	defer s.Close()
	err := s.Enqueue(context.Background(), Job{Type: TypeRemediationExecute, TenantID: "t", RequestID: "r"})
	assert.Error(t, err)
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATS_RoundTrip(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	got := make(chan Job, 1)
	w := NewWorker(nc, func(ctx context.Context, job Job) error {
		select {
		case got <- job:
		default:
		}
		return nil
	}, WithWorkerLogger(quietLogger()), WithSubject("test.jobs"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Run subscribes asynchronously; publish until the worker sees the job.
	sched := NewNATSScheduler(nc, "test.jobs")
	job := Job{Type: TypeRemediationExecute, TenantID: "acme", RequestID: "req-1", NotBefore: time.Now()}

	var received Job
	deadline := time.After(5 * time.Second)
loop:
	for {
		require.NoError(t, sched.Enqueue(context.Background(), job))
		require.NoError(t, nc.Flush())
		select {
		case received = <-got:
			break loop
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("worker never received the job")
		}
	}

	assert.Equal(t, "acme", received.TenantID)
	assert.Equal(t, "req-1", received.RequestID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNATSScheduler_RejectsInvalidJob(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	err = NewNATSScheduler(nc, "").Enqueue(context.Background(), Job{Type: TypeRemediationExecute})
	assert.ErrorIs(t, err, ErrInvalidJob)
}
