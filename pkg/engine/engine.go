// Package engine wires the scanner, remediation service, safety controls and
// auto-pilot into one runtime from a config.Config.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/DrSkyle/reaper/pkg/autopilot"
	"github.com/DrSkyle/reaper/pkg/config"
	"github.com/DrSkyle/reaper/pkg/engine/history"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/jobs"
	"github.com/DrSkyle/reaper/pkg/notifier"
	"github.com/DrSkyle/reaper/pkg/remediation"
	"github.com/DrSkyle/reaper/pkg/safety"
	"github.com/DrSkyle/reaper/pkg/telemetry"
	"github.com/DrSkyle/reaper/pkg/version"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	// Provider plugins register themselves with scanner.Default.
	_ "github.com/DrSkyle/reaper/pkg/engine/aws"
	_ "github.com/DrSkyle/reaper/pkg/engine/azure"
	_ "github.com/DrSkyle/reaper/pkg/engine/gcp"
)

// ErrPartialResult indicates a sweep completed but some scans failed.
var ErrPartialResult = errors.New("sweep completed with partial results")

// Engine is the runtime core.
type Engine struct {
	// Core components.
	Registry     *scanner.Registry
	Orchestrator *scanner.Orchestrator
	Sweeper      *scanner.Sweeper
	Remediation  *remediation.Service
	Autopilot    *autopilot.Engine
	Breaker      *safety.Breaker
	Scheduler    jobs.Scheduler
	Notifier     *notifier.SlackClient
	// History is nil unless a history driver is configured.
	History *history.Ledger
	Logger       *slog.Logger
	Tracer       trace.Tracer

	// Immutable config.
	config   config.Config
	scanCfg  scanner.Config
	creds    scanner.CredentialProvider
	resolver remediation.RemediatorResolver
	store    remediation.Store
	handler  scanner.ReportHandler
	counter  safety.ExecutionCounter
	nc       *nats.Conn
	now      func() time.Time

	skipTelemetry bool
	closers       []func() error
}

// Option defines a functional configuration override.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.Logger = l }
}

// WithRegistry replaces scanner.Default.
func WithRegistry(r *scanner.Registry) Option {
	return func(e *Engine) { e.Registry = r }
}

// WithCredentials sets where sweeps and remediations get credentials.
func WithCredentials(p scanner.CredentialProvider) Option {
	return func(e *Engine) { e.creds = p }
}

// WithResolver overrides the provider remediator resolver.
func WithResolver(r remediation.RemediatorResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithStore overrides the configured request store.
func WithStore(s remediation.Store) Option {
	return func(e *Engine) { e.store = s }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSkipTelemetry leaves the global tracer provider alone, for embedding
// in a process that already configured OpenTelemetry.
func WithSkipTelemetry() Option {
	return func(e *Engine) { e.skipTelemetry = true }
}

// New builds every component cfg selects. On error, anything already
// opened is closed.
func New(ctx context.Context, cfg config.Config, opts ...Option) (e *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e = &Engine{
		Registry: scanner.Default,
		Tracer:   telemetry.Tracer("reaper/engine"),
		config:   cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.Logger == nil {
		e.Logger = NewLogger(cfg.Log, os.Stdout)
	}
	if e.creds == nil {
		e.creds = AmbientCredentials{}
	}

	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	if !e.skipTelemetry && !cfg.Telemetry.Disabled {
		shutdown, terr := telemetry.Init(ctx, version.AppName, version.Current, cfg.Telemetry.OTLPEndpoint)
		if terr != nil {
			e.Logger.Warn("Telemetry failed", "error", terr)
		} else {
			e.onClose(func() error { return shutdown(context.Background()) })
		}
	}

	if err := e.buildScanner(ctx); err != nil {
		return nil, err
	}
	if err := e.buildRemediation(ctx); err != nil {
		return nil, err
	}
	if err := e.buildAutopilot(); err != nil {
		return nil, err
	}
	if err := e.buildHistory(ctx); err != nil {
		return nil, err
	}

	handlers := reportHandlers{}
	if e.History != nil {
		handlers = append(handlers, &history.Recorder{
			Ledger: e.History,
			Window: cfg.History.Window,
			Budget: cfg.History.WasteBudget,
			Logger: e.Logger,
			Now:    e.now,
		})
	}
	if e.Notifier.Enabled() {
		handlers = append(handlers, scanNotifier{e.Notifier})
	}
	handlers = append(handlers, e.Autopilot)
	e.handler = handlers
	e.Sweeper = scanner.NewSweeper(e.Orchestrator, e.creds, e.scanCfg,
		scanner.WithReportHandler(e.handler),
		scanner.WithConcurrency(cfg.Scan.Concurrency),
		scanner.WithSweepLogger(e.Logger),
	)

	e.Logger.Info("engine ready",
		"store", cfg.Remediation.Store.Driver,
		"safety_store", cfg.Safety.Store,
		"jobs", cfg.Jobs.Driver,
		"history", cfg.History.Driver,
		"providers", e.Registry.Providers(),
	)
	return e, nil
}

// Config returns the validated configuration the engine was built from.
func (e *Engine) Config() config.Config { return e.config }

// ScanConfig returns the shared plugin configuration.
func (e *Engine) ScanConfig() scanner.Config { return e.scanCfg }

// Scan runs one orchestrator pass and hands the report to the
// notification and auto-pilot handlers, as a sweep would.
func (e *Engine) Scan(ctx context.Context, target scanner.Target, region string) (report *scanner.Report, err error) {
	ctx, span := e.Tracer.Start(ctx, "Engine.Scan", trace.WithAttributes(
		attribute.String("provider", string(target.Provider)),
		attribute.String("region", region),
	))
	defer span.End()
	defer e.recoverPanic(ctx, &err)

	creds, err := e.creds.Credentials(ctx, target.TenantID, target.ConnectionID, target.Provider)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}
	if creds.Provider == "" {
		creds.Provider = target.Provider
	}
	report, err = e.Orchestrator.ScanAll(ctx, scanner.ScanRequest{
		Provider:    target.Provider,
		Region:      region,
		Credentials: creds,
		Config:      e.scanCfg,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if target.TenantID != "" {
		if herr := e.handler.HandleReport(ctx, target, report); herr != nil {
			e.Logger.Warn("report handler failed", "error", herr)
		}
	}
	return report, nil
}

// Sweep scans every target region. Failed scans are reported in the
// results and surface as ErrPartialResult.
func (e *Engine) Sweep(ctx context.Context, targets []scanner.Target) (results []scanner.SweepResult, err error) {
	ctx, span := e.Tracer.Start(ctx, "Engine.Sweep")
	defer span.End()
	defer e.recoverPanic(ctx, &err)

	results, err = e.Sweeper.Run(ctx, targets)
	if err != nil {
		return results, err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		span.SetAttributes(attribute.Bool("sweep.partial", true), attribute.Int("sweep.failed_scans", failed))
		return results, fmt.Errorf("%w: %d of %d scans failed", ErrPartialResult, failed, len(results))
	}
	return results, nil
}

// HandleJob runs a due remediation job.
func (e *Engine) HandleJob(ctx context.Context, job jobs.Job) error {
	switch job.Type {
	case jobs.TypeRemediationExecute:
		_, err := e.Remediation.Execute(ctx, job.TenantID, job.RequestID, false)
		return err
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// RecoverOverdue executes SCHEDULED requests whose grace period elapsed
// without their job being delivered.
func (e *Engine) RecoverOverdue(ctx context.Context) (n int, err error) {
	ctx, span := e.Tracer.Start(ctx, "Engine.RecoverOverdue")
	defer span.End()
	defer e.recoverPanic(ctx, &err)

	n, err = e.Remediation.RunOverdue(ctx)
	span.SetAttributes(attribute.Int("recovered", n))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return n, err
}

// Close releases every connection the engine opened, in reverse order.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *Engine) onClose(fn func() error) {
	e.closers = append(e.closers, fn)
}

// recoverPanic turns a panic into an error on the calling operation.
func (e *Engine) recoverPanic(ctx context.Context, errp *error) {
	if r := recover(); r != nil {
		// Use independent context.
		_, span := e.Tracer.Start(context.WithoutCancel(ctx), "CriticalPanic")

		stack := debug.Stack()

		span.RecordError(fmt.Errorf("%v", r), trace.WithStackTrace(true))
		span.SetStatus(codes.Error, "CRITICAL FAILURE")
		span.SetAttributes(
			attribute.String("crash.stack", string(stack)),
			attribute.String("crash.reason", fmt.Sprintf("%v", r)),
		)
		span.End()

		e.Logger.Error("CRITICAL FAILURE", "error", r, "stack", string(stack))
		*errp = fmt.Errorf("engine panic: %v", r)
	}
}

// NewLogger builds the process logger. Sensitive keys are redacted in both
// formats.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactSensitiveData,
	}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

var sensitiveKeys = map[string]bool{
	"password": true, "access_key": true, "token": true,
	"secret": true, "api_key": true, "private_key": true, "auth_token": true,
	"refresh_token": true, "certificate": true, "signature": true,
	"credential": true, "ssh_key": true, "connection_string": true,
	"secret_access_key": true, "session_token": true, "client_secret": true,
	"credentials_json": true, "external_id": true, "database_url": true,
	"redis_url": true, "slack_webhook": true, "webhook_url": true,
}

// redactSensitiveData scrubs sensitive keys from logs.
func redactSensitiveData(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.Attr{
			Key:   a.Key,
			Value: slog.StringValue("[REDACTED]"),
		}
	}
	return a
}

// reportHandlers fans a report out in order and joins their errors.
type reportHandlers []scanner.ReportHandler

func (h reportHandlers) HandleReport(ctx context.Context, target scanner.Target, report *scanner.Report) error {
	var errs []error
	for _, rh := range h {
		if err := rh.HandleReport(ctx, target, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type scanNotifier struct {
	slack *notifier.SlackClient
}

func (n scanNotifier) HandleReport(ctx context.Context, _ scanner.Target, report *scanner.Report) error {
	if len(report.Candidates()) == 0 {
		return nil
	}
	return n.slack.NotifyScan(ctx, report)
}
