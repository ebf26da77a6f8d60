package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/resources"
)

var (
	// ErrNoPlugins is returned when nothing is registered for the provider.
	ErrNoPlugins = errors.New("no plugins registered for provider")
	// ErrNoDetector is returned when a scan needs a session and no detector can make one.
	ErrNoDetector = errors.New("no detector registered for provider")
	// ErrPluginTimeout marks a plugin that exceeded its own deadline.
	ErrPluginTimeout = errors.New("plugin timed out")
	// ErrPluginPanic marks a plugin that panicked.
	ErrPluginPanic = errors.New("plugin panicked")
)

// DefaultPluginTimeout bounds each plugin when no timeout is configured.
const DefaultPluginTimeout = 30 * time.Second

// ScanRequest is one orchestrator run against one provider connection and region.
type ScanRequest struct {
	Provider    resources.Provider
	Region      string
	Credentials Credentials
	// Session is optional; when nil the provider's Detector connects.
	Session    Session
	Config     Config
	Checkpoint CheckpointFunc
}

// Orchestrator runs every plugin of a provider concurrently and aggregates
// their candidates into a Report.
type Orchestrator struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithPluginTimeout sets the per-plugin deadline.
func WithPluginTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source used for scanned_at.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator over registry.
func NewOrchestrator(registry *Registry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		timeout:  DefaultPluginTimeout,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InitializePlugins resolves the plugin set for provider.
func (o *Orchestrator) InitializePlugins(provider resources.Provider) ([]Plugin, error) {
	plugins := o.registry.PluginsFor(provider)
	if len(plugins) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPlugins, provider)
	}
	return plugins, nil
}

type pluginResult struct {
	key        string
	candidates []resources.Candidate
	err        error
}

// ScanAll runs every plugin for req.Provider and aggregates the results.
// Plugin failures and timeouts degrade to empty categories. Cancelling ctx
// cancels all in-flight plugins and returns ctx's error.
func (o *Orchestrator) ScanAll(ctx context.Context, req ScanRequest) (*Report, error) {
	plugins, err := o.InitializePlugins(req.Provider)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("reaper/scanner").Start(ctx, "scan_all", trace.WithAttributes(
		attribute.String("provider", string(req.Provider)),
		attribute.String("region", req.Region),
		attribute.Int("plugins", len(plugins)),
	))
	defer span.End()

	session := req.Session
	if session == nil {
		session, err = o.connect(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		// Sessions opened here are closed here; callers own the ones they pass in.
		if c, ok := session.(io.Closer); ok {
			defer c.Close()
		}
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := Input{
		Session:     session,
		Region:      req.Region,
		Credentials: req.Credentials,
		Config:      req.Config,
	}

	results := make(chan pluginResult, len(plugins))
	keys := make([]string, 0, len(plugins))
	for _, p := range plugins {
		keys = append(keys, p.CategoryKey())
		go func(p Plugin) {
			cands, err := o.ExecutePluginScan(scanCtx, req.Provider, p, in)
			results <- pluginResult{key: p.CategoryKey(), candidates: cands, err: err}
		}(p)
	}

	report := newReport(req.Provider, req.Region, o.now(), keys)
	agg := aggregator{o: o, req: req, report: report}

	for range plugins {
		var res pluginResult
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return nil, ctx.Err()
		case res = <-results:
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ferr := agg.add(res); ferr != nil {
			report.Error = ferr.Error()
			span.RecordError(ferr)
			span.SetStatus(codes.Error, ferr.Error())
			break
		}
	}

	span.SetAttributes(attribute.Float64("total_monthly_waste", report.TotalMonthlyWaste))
	return report, nil
}

func (o *Orchestrator) connect(ctx context.Context, req ScanRequest) (Session, error) {
	d, ok := o.registry.Detector(req.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDetector, req.Provider)
	}
	s, err := d.Connect(ctx, req.Credentials, req.Region)
	if err != nil {
		return nil, fmt.Errorf("connect %s/%s: %w", req.Provider, req.Region, err)
	}
	return s, nil
}

// ExecutePluginScan runs one plugin under its own timeout. Panics are
// recovered and reported as ErrPluginPanic. If the parent ctx is done the
// parent's error is returned.
func (o *Orchestrator) ExecutePluginScan(ctx context.Context, provider resources.Provider, p Plugin, in Input) ([]resources.Candidate, error) {
	key := p.CategoryKey()
	pctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	done := make(chan pluginResult, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("plugin panic", "provider", provider, "category", key, "panic", r, "stack", string(debug.Stack()))
				done <- pluginResult{err: fmt.Errorf("%w: %v", ErrPluginPanic, r)}
			}
		}()
		cands, err := runWithTelemetry(pctx, provider, p, in)
		done <- pluginResult{candidates: cands, err: err}
	}()

	var res pluginResult
	select {
	case res = <-done:
	case <-pctx.Done():
		res.err = pctx.Err()
	}
	PluginDuration.WithLabelValues(string(provider), key).Observe(time.Since(start).Seconds())

	log := o.logger.With("provider", provider, "region", in.Region, "category", key)
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case res.err == nil:
		PluginRuns.WithLabelValues(string(provider), key, "ok").Inc()
		return res.candidates, nil
	case errors.Is(res.err, context.DeadlineExceeded) || pctx.Err() != nil:
		PluginRuns.WithLabelValues(string(provider), key, "timeout").Inc()
		log.Warn("plugin timed out", "event", "plugin_timeout", "timeout", o.timeout)
		return nil, fmt.Errorf("%w after %s", ErrPluginTimeout, o.timeout)
	case errors.Is(res.err, ErrPluginPanic):
		PluginRuns.WithLabelValues(string(provider), key, "panic").Inc()
		log.Warn("plugin failed", "event", "plugin_failed", "error", res.err)
		return nil, res.err
	default:
		PluginRuns.WithLabelValues(string(provider), key, "error").Inc()
		log.Warn("plugin failed", "event", "plugin_failed", "error", res.err, "throttled", ratelimit.IsThrottle(res.err))
		return nil, res.err
	}
}

func runWithTelemetry(ctx context.Context, provider resources.Provider, p Plugin, in Input) ([]resources.Candidate, error) {
	ctx, span := otel.Tracer("reaper/scanner").Start(ctx, p.CategoryKey(), trace.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("region", in.Region),
		attribute.String("connection_id", in.Credentials.ConnectionID),
	))
	defer span.End()

	cands, err := p.Scan(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("candidates", len(cands)))
	return cands, nil
}

// aggregator folds plugin results into the report in completion order.
type aggregator struct {
	o      *Orchestrator
	req    ScanRequest
	report *Report
}

func (a *aggregator) add(res pluginResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("aggregate %s: %v", res.key, r)
		}
	}()

	if res.err != nil {
		if ratelimit.IsThrottle(res.err) {
			a.report.throttled++
		}
		a.checkpoint(res.key, []resources.Candidate{})
		return nil
	}

	kept := make([]resources.Candidate, 0, len(res.candidates))
	for _, c := range res.candidates {
		if c.Region != a.req.Region {
			CrossRegionDropped.WithLabelValues(string(a.req.Provider)).Inc()
			a.o.logger.Warn("dropping candidate from another region",
				"event", "cross_region_resource_detected",
				"provider", a.req.Provider,
				"category", res.key,
				"resource_id", c.ResourceID,
				"requested_region", a.req.Region,
				"candidate_region", c.Region,
			)
			continue
		}
		c.CategoryKey = res.key
		if c.Provider == "" {
			c.Provider = a.req.Provider
		}
		kept = append(kept, c)
		a.report.TotalMonthlyWaste += c.MonthlyCostEstimate
	}

	a.report.Categories[res.key] = kept
	CandidatesFound.WithLabelValues(string(a.req.Provider), res.key).Add(float64(len(kept)))
	a.checkpoint(res.key, kept)
	return nil
}

func (a *aggregator) checkpoint(key string, cands []resources.Candidate) {
	if a.req.Checkpoint == nil {
		return
	}
	a.req.Checkpoint(key, cands)
}
