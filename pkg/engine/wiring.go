package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/redis/go-redis/v9"

	"github.com/DrSkyle/reaper/pkg/audit"
	"github.com/DrSkyle/reaper/pkg/autopilot"
	"github.com/DrSkyle/reaper/pkg/config"
	awsprovider "github.com/DrSkyle/reaper/pkg/engine/aws"
	"github.com/DrSkyle/reaper/pkg/engine/history"
	"github.com/DrSkyle/reaper/pkg/engine/lazarus"
	"github.com/DrSkyle/reaper/pkg/engine/policy"
	"github.com/DrSkyle/reaper/pkg/engine/pricing"
	"github.com/DrSkyle/reaper/pkg/engine/ratelimit"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/jobs"
	"github.com/DrSkyle/reaper/pkg/notifier"
	"github.com/DrSkyle/reaper/pkg/remediation"
	"github.com/DrSkyle/reaper/pkg/remediation/postgres"
	"github.com/DrSkyle/reaper/pkg/safety"
	"github.com/DrSkyle/reaper/pkg/storage"
)

// ErrNoWorkerTransport is returned by Worker when jobs are not on NATS.
var ErrNoWorkerTransport = errors.New("jobs driver has no external worker transport")

var (
	prefetchVolumeTypes   = []string{"gp2", "gp3", "io1", "io2", "st1", "sc1"}
	prefetchInstanceTypes = []string{"t3.micro", "t3.small", "t3.medium", "t3.large", "m5.large", "m5.xlarge", "c5.large", "r5.large"}
)

func (e *Engine) awsOptions() []awsprovider.SessionOption {
	if e.config.AWS.Endpoint == "" {
		return nil
	}
	return []awsprovider.SessionOption{awsprovider.WithEndpoint(e.config.AWS.Endpoint)}
}

func (e *Engine) buildScanner(ctx context.Context) error {
	cfg := e.config

	if opts := e.awsOptions(); opts != nil {
		e.Registry.RegisterDetector(awsprovider.Detector{Options: opts})
	}

	e.scanCfg = scanner.Config{
		Thresholds: cfg.Scan.Heuristics,
		Estimator:  e.buildEstimator(ctx),
		Limiter:    ratelimit.New(cfg.Scan.RateLimit),
		Backoff:    cfg.Scan.Backoff,
		Logger:     e.Logger,
		Now:        e.now,
	}
	e.Orchestrator = scanner.NewOrchestrator(e.Registry,
		scanner.WithPluginTimeout(cfg.Scan.PluginTimeout),
		scanner.WithLogger(e.Logger),
		scanner.WithClock(e.now),
	)
	return nil
}

// buildEstimator layers cached AWS list prices, calibrated by Cost Explorer,
// over the static catalog. Any failure falls back to the catalog alone.
func (e *Engine) buildEstimator(ctx context.Context) pricing.Estimator {
	catalog := pricing.NewCatalog()
	pc := e.config.Pricing
	if !pc.Live {
		return catalog
	}

	awsCfg, err := awsprovider.LoadConfig(ctx, scanner.Credentials{}, config.DefaultRegion, e.awsOptions()...)
	if err != nil {
		e.Logger.Warn("live pricing disabled", "error", err)
		return catalog
	}
	cal := pricing.NewCalibrator(costexplorer.NewFromConfig(awsCfg), e.Logger, pc.CacheDir, pc.DiscountRate)
	client, err := pricing.NewClient(ctx, e.Logger, pc.CacheDir, cal)
	if err != nil {
		e.Logger.Warn("live pricing disabled", "error", err)
		return catalog
	}

	regions := pc.Regions
	if len(regions) == 0 {
		regions = []string{config.DefaultRegion}
	}
	for _, region := range regions {
		client.Prefetch(ctx, region, prefetchVolumeTypes, prefetchInstanceTypes)
	}
	return client.Estimator(catalog)
}

func (e *Engine) buildRemediation(ctx context.Context) error {
	cfg := e.config

	store, err := e.buildStore(ctx)
	if err != nil {
		return err
	}

	breakerStore, counter, err := e.buildSafety(ctx)
	if err != nil {
		return err
	}
	e.counter = counter
	e.Breaker = safety.NewBreaker(breakerStore, cfg.Safety.Breaker,
		safety.WithBreakerLogger(e.Logger),
		safety.WithBreakerClock(e.now),
	)

	sink, err := e.buildAudit()
	if err != nil {
		return err
	}

	if err := e.buildScheduler(); err != nil {
		return err
	}

	resolver := e.resolver
	if resolver == nil {
		resolver = &ProviderResolver{
			Credentials: e.creds,
			AWSOptions:  e.awsOptions(),
			Backoff:     cfg.Scan.Backoff,
			Estimator:   e.scanCfg.Pricing(),
			Logger:      e.Logger,
			Now:         e.now,
		}
	}

	opts := []remediation.Option{
		remediation.WithBreaker(e.Breaker),
		remediation.WithAuditSink(sink),
		remediation.WithScheduler(e.Scheduler),
		remediation.WithLogger(e.Logger),
		remediation.WithClock(e.now),
		remediation.WithGracePeriod(cfg.Remediation.GracePeriod),
	}
	vault, err := e.buildVault(ctx)
	if err != nil {
		return err
	}
	if vault != nil {
		opts = append(opts, remediation.WithVault(vault))
	}

	e.Remediation = remediation.NewService(store, resolver, opts...)
	return nil
}

func (e *Engine) buildStore(ctx context.Context) (remediation.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	sc := e.config.Remediation.Store
	switch sc.Driver {
	case "postgres":
		db, err := postgres.Connect(ctx, sc.DatabaseURL, sc.MaxConns)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			e.onClose(sqlDB.Close)
		}
		if err := postgres.RunMigrations(ctx, db); err != nil {
			return nil, err
		}
		return postgres.NewStore(db), nil
	default:
		e.Logger.Warn("Using in-memory remediation store; requests are lost on exit")
		return remediation.NewMemoryStore(), nil
	}
}

func (e *Engine) buildSafety(ctx context.Context) (safety.StateStore, safety.ExecutionCounter, error) {
	sc := e.config.Safety
	if sc.Store != "redis" {
		return safety.NewMemoryStore(), safety.NewMemoryCounter(), nil
	}
	client, err := safety.ConnectRedis(ctx, sc.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	e.onClose(client.Close)
	var uc redis.UniversalClient = client
	return safety.NewRedisStore(uc), safety.NewRedisCounter(uc), nil
}

func (e *Engine) buildAudit() (audit.Sink, error) {
	sinks := audit.Multi{audit.NewSlogSink(e.Logger)}
	if path := e.config.Audit.File; path != "" {
		fs, err := audit.NewFileSink(path)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}
	return sinks, nil
}

func (e *Engine) buildScheduler() error {
	jc := e.config.Jobs
	switch jc.Driver {
	case "nats":
		nc, err := jobs.Connect(jc.NATSURL)
		if err != nil {
			return err
		}
		e.nc = nc
		e.onClose(func() error { nc.Close(); return nil })
		e.Scheduler = jobs.NewNATSScheduler(nc, jc.Subject)
	default:
		ts := jobs.NewTimerScheduler(e.Logger)
		ts.Handle(e.HandleJob)
		e.onClose(func() error { ts.Close(); return nil })
		e.Scheduler = ts
	}
	return nil
}

func (e *Engine) buildVault(ctx context.Context) (*lazarus.Vault, error) {
	vc := e.config.Remediation.Vault
	store, err := e.blobStore(ctx, vc.Driver, vc.Path, "tombstones", vc.Bucket, vc.Prefix)
	if err != nil || store == nil {
		return nil, err
	}
	return lazarus.NewVault(store), nil
}

func (e *Engine) buildHistory(ctx context.Context) error {
	hc := e.config.History
	store, err := e.blobStore(ctx, hc.Driver, hc.Path, "history", hc.Bucket, hc.Prefix)
	if err != nil || store == nil {
		return err
	}
	e.History = history.NewLedger(store, hc.Retain)
	return nil
}

// blobStore opens a local or S3 store; a nil store means the driver is off.
// Local stores default to ~/.reaper/<dir>.
func (e *Engine) blobStore(ctx context.Context, driver, path, dir, bucket, prefix string) (storage.BlobStore, error) {
	switch driver {
	case "local":
		root := path
		if root == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolve %s path: %w", dir, err)
			}
			root = filepath.Join(home, ".reaper", dir)
		}
		return storage.NewLocalStore(root), nil
	case "s3":
		awsCfg, err := awsprovider.LoadConfig(ctx, scanner.Credentials{}, config.DefaultRegion, e.awsOptions()...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		return storage.NewS3Store(awsCfg, bucket, prefix), nil
	default:
		return nil, nil
	}
}

func (e *Engine) buildAutopilot() error {
	ac := e.config.Autopilot

	settings := autopilot.StaticSettings{
		Default:   autopilotSettings(ac.AutopilotSettings),
		PerTenant: make(map[string]autopilot.Settings, len(ac.Tenants)),
	}
	for tenant, s := range ac.Tenants {
		settings.PerTenant[tenant] = autopilotSettings(s)
	}

	opts := []autopilot.Option{
		autopilot.WithLogger(e.Logger),
		autopilot.WithClock(e.now),
	}
	if ac.RulesFile != "" {
		rules, err := policy.NewEngineFromFile(ac.RulesFile)
		if err != nil {
			return fmt.Errorf("load auto-pilot rules: %w", err)
		}
		opts = append(opts, autopilot.WithRules(rules))
	}

	e.Notifier = notifier.NewSlackClient(e.config.Notify.SlackWebhook, e.config.Notify.SlackChannel)
	if e.Notifier.Enabled() {
		opts = append(opts, autopilot.WithNotifier(e.Notifier))
	}

	svc := retentionService{Service: e.Remediation, days: e.config.Remediation.BackupRetentionDays}
	e.Autopilot = autopilot.New(svc, settings, e.counter, opts...)
	return nil
}

// Worker builds a NATS queue worker that executes due remediation jobs.
func (e *Engine) Worker() (*jobs.Worker, error) {
	if e.nc == nil {
		return nil, ErrNoWorkerTransport
	}
	return jobs.NewWorker(e.nc, e.HandleJob,
		jobs.WithSubject(e.config.Jobs.Subject),
		jobs.WithQueue(e.config.Jobs.Queue),
		jobs.WithWorkerLogger(e.Logger),
	), nil
}

func autopilotSettings(s config.AutopilotSettings) autopilot.Settings {
	return autopilot.Settings{
		Enabled:              s.Enabled,
		MinConfidence:        s.MinConfidence,
		MaxExecutionsPerHour: s.MaxExecutionsPerHour,
		MinAge:               s.MinAge,
		RecentActivityWindow: s.RecentActivityWindow,
		ProtectionTags:       s.ProtectionTags,
	}
}

// retentionService applies the configured backup retention to requests the
// auto-pilot creates.
type retentionService struct {
	*remediation.Service
	days int
}

func (s retentionService) CreateRequest(ctx context.Context, in remediation.CreateInput) (*remediation.Request, error) {
	if in.BackupRetentionDays <= 0 {
		in.BackupRetentionDays = s.days
	}
	return s.Service.CreateRequest(ctx, in)
}
