package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/DrSkyle/reaper/pkg/engine"
	"github.com/DrSkyle/reaper/pkg/telemetry"
)

var (
	sweepInterval   time.Duration
	recoverInterval time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the long-lived worker",
	Long: `Serve Prometheus metrics, execute remediation jobs and, with
--sweep-interval, sweep the inventory on a schedule.

With the nats jobs driver the worker joins the queue group and executes
jobs enqueued by any process. With the timer driver only jobs scheduled
by this process run. Either way the worker also polls the request store
every --recover-interval and executes SCHEDULED requests whose grace
period has passed, so a request outlives a lost job or a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, inv, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()
		if sweepInterval > 0 && inv == nil {
			return errors.New("--sweep-interval needs --inventory")
		}

		g, ctx := errgroup.WithContext(ctx)

		if addr := cfg.Telemetry.MetricsAddr; addr != "" {
			g.Go(func() error { return telemetry.ServeMetrics(ctx, addr, eng.Logger) })
		}

		w, err := eng.Worker()
		switch {
		case err == nil:
			g.Go(func() error { return w.Run(ctx) })
		case errors.Is(err, engine.ErrNoWorkerTransport):
			eng.Logger.Info("jobs run in-process; overdue requests are recovered by polling")
		default:
			return err
		}

		if recoverInterval > 0 {
			g.Go(func() error { return recoverLoop(ctx, eng, recoverInterval) })
		}

		if sweepInterval > 0 {
			g.Go(func() error {
				t := time.NewTicker(sweepInterval)
				defer t.Stop()
				for {
					_, err := eng.Sweep(ctx, inv.Targets(""))
					switch {
					case ctx.Err() != nil:
						return nil
					case errors.Is(err, engine.ErrPartialResult):
						eng.Logger.Warn("sweep finished with failures", "error", err)
					case err != nil:
						return fmt.Errorf("sweep: %w", err)
					}
					select {
					case <-ctx.Done():
						return nil
					case <-t.C:
					}
				}
			})
		}

		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
		return g.Wait()
	},
}

// recoverLoop runs one recovery pass at start, then one per interval.
func recoverLoop(ctx context.Context, eng *engine.Engine, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := eng.RecoverOverdue(ctx); err != nil && ctx.Err() == nil {
			eng.Logger.Warn("overdue recovery failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func init() {
	f := workerCmd.Flags()
	f.DurationVar(&sweepInterval, "sweep-interval", 0, "sweep the inventory this often (0 disables)")
	f.DurationVar(&recoverInterval, "recover-interval", time.Minute, "execute overdue scheduled requests this often (0 disables)")
}
