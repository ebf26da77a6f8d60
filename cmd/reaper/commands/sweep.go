package commands

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sweepTenant string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Scan every connection in the inventory",
	Long: `Scan every region of every inventory connection, feeding each report
to auto-pilot. Exits non-zero when any scan failed.

Example:
  reaper sweep --inventory connections.yaml
  reaper sweep --inventory connections.yaml --tenant acme`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if inventoryFile == "" {
			return errors.New("sweep needs --inventory")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, inv, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		results, err := eng.Sweep(ctx, inv.Targets(sweepTenant))

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TENANT\tCONNECTION\tPROVIDER\tREGION\tFINDINGS\tMONTHLY\tERROR")
		for _, r := range results {
			findings, waste, msg := 0, 0.0, ""
			if r.Report != nil {
				findings, waste = len(r.Report.Candidates()), r.Report.TotalMonthlyWaste
			}
			if r.Err != nil {
				msg = r.Err.Error()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t$%.2f\t%s\n",
				r.Target.TenantID, r.Target.ConnectionID, r.Target.Provider, r.Region, findings, waste, msg)
		}
		tw.Flush()
		return err
	},
}

func init() {
	sweepCmd.Flags().StringVar(&sweepTenant, "tenant", "", "only sweep this tenant's connections")
}
