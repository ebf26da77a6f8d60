package commands

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DrSkyle/reaper/pkg/config"
	"github.com/DrSkyle/reaper/pkg/engine/scanner"
	"github.com/DrSkyle/reaper/pkg/resources"
)

var scanOpts struct {
	provider   string
	regions    []string
	tenant     string
	connection string
	output     string
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan one connection and print the report",
	Long: `Run every detection plugin for one provider connection and print the
findings. With --tenant the report is also handed to auto-pilot, which
creates remediation requests.

Example:
  reaper scan --provider aws --region us-west-2
  reaper scan --inventory connections.yaml --tenant acme --connection prod --output json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := resources.Provider(scanOpts.provider)
		if !provider.Valid() {
			return fmt.Errorf("unknown provider %q", scanOpts.provider)
		}
		regions := scanOpts.regions
		if len(regions) == 0 {
			if provider != resources.ProviderAWS {
				return fmt.Errorf("--region is required for %s", provider)
			}
			regions = []string{config.DefaultRegion}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, _, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		target := scanner.Target{
			TenantID:     scanOpts.tenant,
			ConnectionID: scanOpts.connection,
			Provider:     provider,
		}
		var reports []*scanner.Report
		for _, region := range regions {
			report, err := eng.Scan(ctx, target, region)
			if err != nil {
				return fmt.Errorf("scan %s: %w", region, err)
			}
			reports = append(reports, report)
		}

		if scanOpts.output == "json" {
			return printJSON(cmd.OutOrStdout(), reports)
		}
		for _, r := range reports {
			printReport(cmd.OutOrStdout(), r)
		}
		return nil
	},
}

func init() {
	f := scanCmd.Flags()
	f.StringVar(&scanOpts.provider, "provider", "aws", "cloud provider (aws, azure, gcp)")
	f.StringSliceVar(&scanOpts.regions, "region", nil, "regions to scan (repeatable)")
	f.StringVar(&scanOpts.tenant, "tenant", "", "tenant to file remediation requests under")
	f.StringVar(&scanOpts.connection, "connection", "", "connection id in the inventory")
	f.StringVarP(&scanOpts.output, "output", "o", "table", "output format (table, json)")
}

func printReport(w io.Writer, r *scanner.Report) {
	fmt.Fprintf(w, "\n%s / %s  scanned %s\n", r.Provider, r.Region, r.ScannedAt.Format("2006-01-02 15:04:05Z07:00"))
	if r.Error != "" {
		fmt.Fprintf(w, "[WARN] %s\n", r.Error)
	}

	cands := r.Candidates()
	if len(cands) == 0 {
		fmt.Fprintln(w, "No unused resources found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tRESOURCE\tTYPE\tACTION\tCONFIDENCE\tMONTHLY")
	for _, key := range r.CategoryKeys() {
		for _, c := range r.Categories[key] {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t$%.2f\n",
				key, c.ResourceID, c.ResourceType, c.RecommendedAction, c.Confidence(), c.MonthlyCostEstimate)
		}
	}
	tw.Flush()
	fmt.Fprintf(w, "Total monthly waste: $%.2f\n", r.TotalMonthlyWaste)
}
