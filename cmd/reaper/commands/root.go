package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DrSkyle/reaper/pkg/config"
	"github.com/DrSkyle/reaper/pkg/engine"
	"github.com/DrSkyle/reaper/pkg/version"
)

var (
	cfgFile       string
	inventoryFile string
	cfg           config.Config
	v             = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Find and safely remediate unused cloud resources",
	Long: `reaper scans AWS, Azure and GCP connections for unused resources,
turns findings into reviewable remediation requests and, when auto-pilot
is enabled, executes the safe ones behind a per-tenant circuit breaker.`,
	Version:       version.Current,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.reaper.yaml)")
	pf.StringVar(&inventoryFile, "inventory", "", "YAML file of tenant connections and their credentials")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.Bool("json-logs", true, "emit JSON logs")
	pf.String("store", "memory", "remediation request store (memory, postgres)")
	pf.String("database-url", "", "Postgres URL for the postgres store")
	pf.String("aws-endpoint", "", "custom AWS endpoint, e.g. LocalStack")

	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log.json", pf.Lookup("json-logs"))
	_ = v.BindPFlag("remediation.store.driver", pf.Lookup("store"))
	_ = v.BindPFlag("remediation.store.database_url", pf.Lookup("database-url"))
	_ = v.BindPFlag("aws.endpoint", pf.Lookup("aws-endpoint"))

	rootCmd.SetVersionTemplate(version.String() + "\n")
	rootCmd.AddCommand(scanCmd, sweepCmd, remediateCmd, breakerCmd, workerCmd, historyCmd, permissionsCmd, versionCmd)
}

// newEngine builds the engine from the loaded config and inventory.
func newEngine(ctx context.Context, opts ...engine.Option) (*engine.Engine, *engine.Inventory, error) {
	var inv *engine.Inventory
	if inventoryFile != "" {
		loaded, err := engine.LoadInventory(inventoryFile)
		if err != nil {
			return nil, nil, err
		}
		inv = loaded
		opts = append(opts, engine.WithCredentials(inv))
	}
	e, err := engine.New(ctx, cfg, append(opts, engine.WithLogger(engine.NewLogger(cfg.Log, os.Stderr)))...)
	if err != nil {
		return nil, nil, err
	}
	return e, inv, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}
