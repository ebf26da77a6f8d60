package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DrSkyle/reaper/pkg/remediation"
	"github.com/DrSkyle/reaper/pkg/resources"
)

var remOpts struct {
	tenant   string
	actor    string
	notes    string
	statuses []string
	provider string
	limit    int
	bypass   bool
	output   string
}

var remediateCmd = &cobra.Command{
	Use:     "remediate",
	Aliases: []string{"rem"},
	Short:   "Review and execute remediation requests",
}

var remListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's remediation requests",
	Args:  cobra.NoArgs,
	RunE: withService(func(ctx context.Context, cmd *cobra.Command, svc *remediation.Service, _ []string) error {
		f := remediation.Filter{
			TenantID: remOpts.tenant,
			Provider: resources.Provider(remOpts.provider),
			Limit:    remOpts.limit,
		}
		for _, s := range remOpts.statuses {
			f.Statuses = append(f.Statuses, remediation.Status(strings.ToUpper(s)))
		}
		reqs, err := svc.List(ctx, f)
		if err != nil {
			return err
		}
		if remOpts.output == "json" {
			return printJSON(cmd.OutOrStdout(), reqs)
		}
		printRequests(cmd.OutOrStdout(), reqs)
		return nil
	}),
}

var remApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: withService(func(ctx context.Context, cmd *cobra.Command, svc *remediation.Service, args []string) error {
		return show(cmd)(svc.Approve(ctx, remOpts.tenant, args[0], remOpts.actor, remOpts.notes))
	}),
}

var remRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: withService(func(ctx context.Context, cmd *cobra.Command, svc *remediation.Service, args []string) error {
		return show(cmd)(svc.Reject(ctx, remOpts.tenant, args[0], remOpts.actor, remOpts.notes))
	}),
}

var remCancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a pending request or a scheduled one still in its grace period",
	Args:  cobra.ExactArgs(1),
	RunE: withService(func(ctx context.Context, cmd *cobra.Command, svc *remediation.Service, args []string) error {
		return show(cmd)(svc.Cancel(ctx, remOpts.tenant, args[0], remOpts.actor, remOpts.notes))
	}),
}

var remExecuteCmd = &cobra.Command{
	Use:   "execute <request-id>",
	Short: "Execute an approved request",
	Long: `Execute an approved request. Without --now the request is scheduled
after the grace period and a worker executes it.`,
	Args: cobra.ExactArgs(1),
	RunE: withService(func(ctx context.Context, cmd *cobra.Command, svc *remediation.Service, args []string) error {
		return show(cmd)(svc.Execute(ctx, remOpts.tenant, args[0], remOpts.bypass))
	}),
}

func init() {
	pf := remediateCmd.PersistentFlags()
	pf.StringVar(&remOpts.tenant, "tenant", "", "tenant id (required)")
	pf.StringVar(&remOpts.actor, "actor", "", "user id recorded as reviewer")
	pf.StringVar(&remOpts.notes, "notes", "", "review notes")
	_ = remediateCmd.MarkPersistentFlagRequired("tenant")

	remListCmd.Flags().StringSliceVar(&remOpts.statuses, "status", nil, "filter by status (repeatable)")
	remListCmd.Flags().StringVar(&remOpts.provider, "provider", "", "filter by provider")
	remListCmd.Flags().IntVar(&remOpts.limit, "limit", 50, "maximum requests to list")
	remListCmd.Flags().StringVarP(&remOpts.output, "output", "o", "table", "output format (table, json)")
	remExecuteCmd.Flags().BoolVar(&remOpts.bypass, "now", false, "skip the grace period")

	remediateCmd.AddCommand(remListCmd, remApproveCmd, remRejectCmd, remCancelCmd, remExecuteCmd)
}

type serviceFunc func(ctx context.Context, cmd *cobra.Command, svc *remediation.Service, args []string) error

func withService(fn serviceFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, _, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()
		return fn(ctx, cmd, eng.Remediation, args)
	}
}

func show(cmd *cobra.Command) func(*remediation.Request, error) error {
	return func(r *remediation.Request, err error) error {
		if err != nil {
			return err
		}
		printRequests(cmd.OutOrStdout(), []*remediation.Request{r})
		return nil
	}
}

func printRequests(w io.Writer, reqs []*remediation.Request) {
	if len(reqs) == 0 {
		fmt.Fprintln(w, "No remediation requests.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROVIDER\tRESOURCE\tACTION\tSAVINGS\tSCHEDULED\tERROR")
	for _, r := range reqs {
		scheduled := "-"
		if r.ScheduledExecutionAt != nil {
			scheduled = r.ScheduledExecutionAt.Format("2006-01-02 15:04Z07:00")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t$%.2f\t%s\t%s\n",
			r.ID, r.Status, r.Provider, r.ResourceID, r.Action, r.EstimatedMonthlySavings, scheduled, r.ExecutionError)
	}
	tw.Flush()
}
