package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/DrSkyle/reaper/pkg/engine/history"
)

var (
	histTenant     string
	histConnection string
	histRegion     string
	histLast       int
	histOutput     string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the waste ledger and trend for a connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()
		if eng.History == nil {
			return errors.New("history is disabled; set history.driver to local or s3")
		}

		series := history.Series{TenantID: histTenant, ConnectionID: histConnection, Region: histRegion}
		window, err := eng.History.Window(cmd.Context(), series, histLast)
		if err != nil {
			return err
		}
		trend := history.Analyze(window, eng.Config().History.WasteBudget)

		if histOutput == "json" {
			return printJSON(cmd.OutOrStdout(), struct {
				Snapshots []history.Snapshot `json:"snapshots"`
				Trend     history.Trend      `json:"trend"`
			}{window, trend})
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SCANNED AT\tCANDIDATES\tMONTHLY WASTE")
		for _, s := range window {
			fmt.Fprintf(w, "%s\t%d\t$%.2f\n", time.Unix(s.Timestamp, 0).UTC().Format(time.RFC3339), s.WasteCount, s.TotalMonthlyWaste)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nVelocity: %+.2f $/mo per hour, projected in 24h: $%.2f\n", trend.Velocity, trend.ProjectedWaste24h)
		for _, a := range trend.Alerts {
			fmt.Fprintf(cmd.OutOrStdout(), "! %s\n", a)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&histTenant, "tenant", "", "tenant id (required)")
	historyCmd.Flags().StringVar(&histConnection, "connection", "", "connection id (required)")
	historyCmd.Flags().StringVar(&histRegion, "region", "", "region; empty for connections swept across all regions")
	historyCmd.Flags().IntVar(&histLast, "last", 24, "number of snapshots to show")
	historyCmd.Flags().StringVarP(&histOutput, "output", "o", "table", "output format: table|json")
	_ = historyCmd.MarkFlagRequired("tenant")
	_ = historyCmd.MarkFlagRequired("connection")
}
