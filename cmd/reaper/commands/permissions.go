package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DrSkyle/reaper/pkg/engine/permissions"
)

var (
	permOnly        []string
	permRemediation bool
)

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Generate a least-privilege AWS IAM policy",
	Long: `Prints the IAM policy JSON a connection's role needs for reaper to scan it.
With --remediation the policy also grants the backup and delete actions.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := permissions.GeneratePolicy(permissions.Options{
			Categories:  permOnly,
			Remediation: permRemediation,
		})
		if err != nil {
			return fmt.Errorf("generate policy: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	permissionsCmd.Flags().StringSliceVar(&permOnly, "only", nil, "limit to these scan categories (e.g. unattached_volumes,idle_nat_gateways)")
	permissionsCmd.Flags().BoolVar(&permRemediation, "remediation", false, "include remediation actions")
}
