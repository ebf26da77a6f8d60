package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var breakerTenant string

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect or reset a tenant's circuit breaker",
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show breaker state and today's committed savings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		st, err := eng.Breaker.GetState(cmd.Context(), breakerTenant)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	},
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Close the breaker and clear its counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		if err := eng.Breaker.Reset(cmd.Context(), breakerTenant); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Breaker for %s reset.\n", breakerTenant)
		return nil
	},
}

func init() {
	breakerCmd.PersistentFlags().StringVar(&breakerTenant, "tenant", "", "tenant id (required)")
	_ = breakerCmd.MarkPersistentFlagRequired("tenant")
	breakerCmd.AddCommand(breakerStatusCmd, breakerResetCmd)
}
