package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pollen_ledger/internal/config"
	"pollen_ledger/internal/metrics"
	"pollen_ledger/internal/platform"
	"pollen_ledger/internal/reconcile"
	"pollen_ledger/internal/storage"
	"pollen_ledger/internal/tiers"
	"pollen_ledger/internal/utils"
)

var (
	jsonOutput bool
	confirm    bool
)

var rootCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare local paid tiers with the subscription platform",
	Long: `Compare every user on a paid tier with their active subscription on the
platform, and optionally repair drift by raising the lagging side.

Repairs never lower a tier on either side.`,
	SilenceUsage: true,
}

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Report users whose local tier and subscription disagree",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuditor(cmd.Context(), func(ctx context.Context, a *reconcile.Auditor) error {
			report, err := a.DetectDrift(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		})
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Propose repairs for drifted users, and apply them with --confirm",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuditor(cmd.Context(), func(ctx context.Context, a *reconcile.Auditor) error {
			report, err := a.DetectDrift(ctx)
			if err != nil {
				return err
			}
			repairs := a.ProposeRepairs(report)
			out := cmd.OutOrStdout()

			if !confirm {
				if jsonOutput {
					return writeJSON(out, repairs)
				}
				printRepairs(out, repairs)
				fmt.Fprintln(out, "\nDry run: re-run with --confirm to apply.")
				return nil
			}

			result, err := a.ApplyRepairs(ctx, repairs, true)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, result)
			}
			fmt.Fprintf(out, "Applied: %d  Skipped: %d  Failed: %d\n", result.Applied, result.Skipped, len(result.Failed))
			for _, f := range result.Failed {
				fmt.Fprintf(out, "  %s -> %s: %s\n", f.Repair.UserID, f.Repair.Target, f.Error)
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d repairs failed", len(result.Failed))
			}
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print machine-readable JSON")
	repairCmd.Flags().BoolVar(&confirm, "confirm", false, "Apply the proposed repairs")

	rootCmd.AddCommand(driftCmd)
	rootCmd.AddCommand(repairCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func withAuditor(ctx context.Context, fn func(context.Context, *reconcile.Auditor) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	utils.ConfigureLogging(cfg.LogLevel, true)

	if cfg.Mirror.PlatformToken == "" {
		return fmt.Errorf("POLAR_ACCESS_TOKEN is required")
	}

	catalog := tiers.DefaultCatalog()
	if cfg.Tiers.CatalogPath != "" {
		if catalog, err = tiers.LoadCatalog(cfg.Tiers.CatalogPath); err != nil {
			return err
		}
	}

	db, err := storage.NewDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	users := db.NewUserRepository()
	// local repairs raise the tier to what the platform already has, so
	// nothing is mirrored back
	guard := tiers.NewGuard(users, catalog, nil, nil, nil, cfg.Tiers.Environment)
	auditor := reconcile.NewAuditor(users, platform.NewPolarClient(cfg.Mirror), catalog, guard,
		cfg.Tiers.Environment, cfg.Reconcile, nil, metrics.New())

	return fn(ctx, auditor)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, report reconcile.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tLOCAL\tEXTERNAL\tSTATUS\tERROR")
	for _, e := range report.Entries {
		if e.Status == reconcile.StatusMatch {
			continue
		}
		external := string(e.ExternalTier)
		if external == "" {
			external = e.ExternalProduct
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.UserID, e.LocalTier, external, e.Status, e.Error)
	}
	tw.Flush()

	fmt.Fprintf(w, "\nScanned %d users: %d match, %d mismatch, %d missing externally, %d errors\n",
		len(report.Entries),
		report.Counts[reconcile.StatusMatch],
		report.Counts[reconcile.StatusMismatch],
		report.Counts[reconcile.StatusMissingExternal],
		report.Counts[reconcile.StatusError])
}

func printRepairs(w io.Writer, repairs []reconcile.Repair) {
	if len(repairs) == 0 {
		fmt.Fprintln(w, "No repairs needed.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tTARGET\tLOCAL\tPLATFORM PRODUCT")
	for _, r := range repairs {
		local := "-"
		if r.Local {
			local = "raise"
		}
		product := r.Product
		if product == "" {
			product = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.UserID, r.Target, local, product)
	}
	tw.Flush()
}
