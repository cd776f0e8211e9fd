package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"greencart/internal/apperr"
	"greencart/internal/app"
	"greencart/internal/service"
	"greencart/internal/util"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "paysync",
		Short:        "Reconcile payments with the gateway and replay webhooks",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(replayCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads config, connects, runs fn and tears everything down
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	if err := util.InitLogger(cfg.Server.Env); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer util.SyncLogger()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func syncCmd() *cobra.Command {
	var (
		days   int
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Ask the gateway for the status of pending payments and refunds",
		Long: `Checks PENDING and PROCESSING payments and PENDING refunds created in the
last --days days against the gateway and applies any status the webhooks missed.

Examples:
  paysync sync
  paysync sync --days 30 --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				if !cmd.Flags().Changed("days") {
					days = a.Config.Business.ReconcileDays
				}
				report, err := a.Reconciler.Sync(cmd.Context(), service.SyncOptions{Days: days, DryRun: dryRun})
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), report, dryRun)
				if report.Errors > 0 {
					return fmt.Errorf("%d item(s) could not be reconciled", report.Errors)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "how far back to look")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report changes without applying them")
	return cmd
}

func replayCmd() *cobra.Command {
	var (
		allFailed bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "replay [event-id]",
		Short: "Reprocess stored webhook deliveries",
		Long: `Replays one stored delivery by its gateway event id, or every FAILED one
together with deliveries stuck in RECEIVED for more than ten minutes.

Examples:
  paysync replay evt_1NqC2x2eZvKYlo2C
  paysync replay --all-failed --limit 50`,
		Args: func(cmd *cobra.Command, args []string) error {
			return replayArgs(allFailed, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				if allFailed {
					results, err := a.Webhooks.ReplayFailed(cmd.Context(), limit)
					if err != nil {
						return err
					}
					for _, r := range results {
						printResult(cmd.OutOrStdout(), r)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d event(s) replayed\n", len(results))
					return nil
				}

				res, err := a.Webhooks.Replay(cmd.Context(), args[0])
				if errors.Is(err, apperr.ErrDuplicateEvent) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already %s, nothing to do\n", res.EventID, res.Status)
					return nil
				}
				if res != nil {
					printResult(cmd.OutOrStdout(), res)
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&allFailed, "all-failed", false, "replay every FAILED delivery, oldest first")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum deliveries to replay with --all-failed")
	return cmd
}

func replayArgs(allFailed bool, args []string) error {
	switch {
	case allFailed && len(args) > 0:
		return errors.New("pass an event id or --all-failed, not both")
	case !allFailed && len(args) != 1:
		return errors.New("an event id is required unless --all-failed is set")
	}
	return nil
}

func printReport(w io.Writer, r *service.SyncReport, dryRun bool) {
	verb := "applied"
	if dryRun {
		verb = "would apply"
	}

	fmt.Fprintf(w, "Checked %d payment(s) and %d refund(s)\n", r.PaymentsChecked, r.RefundsChecked)
	if len(r.Changes) == 0 {
		fmt.Fprintln(w, "Nothing to change")
	}
	for _, c := range r.Changes {
		fmt.Fprintf(w, "  %s %s %s: %s -> %s\n", verb, c.Entity, c.ID, c.From, c.To)
	}
	if r.Errors > 0 {
		fmt.Fprintf(w, "%d error(s), see logs\n", r.Errors)
	}
}

func printResult(w io.Writer, r *service.WebhookResult) {
	if r.Error != "" {
		fmt.Fprintf(w, "  %s %s: %s\n", r.EventID, r.Status, r.Error)
		return
	}
	fmt.Fprintf(w, "  %s %s\n", r.EventID, r.Status)
}
