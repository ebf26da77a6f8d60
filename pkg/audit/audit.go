// Package audit records remediation decisions. Sinks are best-effort: a
// failing sink is logged by the caller and never blocks remediation.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType names an audited transition.
type EventType string

const (
	EventRemediationRequested        EventType = "REMEDIATION_REQUESTED"
	EventRemediationApproved         EventType = "REMEDIATION_APPROVED"
	EventRemediationRejected         EventType = "REMEDIATION_REJECTED"
	EventRemediationCancelled        EventType = "REMEDIATION_CANCELLED"
	EventRemediationScheduled        EventType = "REMEDIATION_SCHEDULED"
	EventRemediationExecutionStarted EventType = "REMEDIATION_EXECUTION_STARTED"
	EventRemediationBackupCreated    EventType = "REMEDIATION_BACKUP_CREATED"
	EventRemediationExecuted         EventType = "REMEDIATION_EXECUTED"
	EventRemediationFailed           EventType = "REMEDIATION_FAILED"
)

// Event is one audit record. An empty ActorID means the system acted.
type Event struct {
	Type         EventType      `json:"event_type"`
	TenantID     string         `json:"tenant_id"`
	ActorID      string         `json:"actor_id,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	ResourceID   string         `json:"resource_id"`
	ResourceType string         `json:"resource_type"`
	Success      bool           `json:"success"`
	Details      map[string]any `json:"details,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Sink receives audit events.
type Sink interface {
	Log(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Log(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards events.
type Nop struct{}

func (Nop) Log(context.Context, Event) error { return nil }

// SlogSink writes events to a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "audit")}
}

func (s *SlogSink) Log(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	if !e.Success {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
		slog.String("tenant_id", e.TenantID),
		slog.String("actor_id", e.ActorID),
		slog.String("request_id", e.RequestID),
		slog.String("resource_id", e.ResourceID),
		slog.String("resource_type", e.ResourceType),
		slog.Bool("success", e.Success),
	}
	if len(e.Details) > 0 {
		attrs = append(attrs, slog.Any("details", e.Details))
	}
	if e.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error_message", e.ErrorMessage))
	}
	s.logger.LogAttrs(ctx, level, "audit", attrs...)
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Log(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Log(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
