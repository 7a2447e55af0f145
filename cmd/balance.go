// ABOUTME: Balance command: plans migrations and optionally executes them
// ABOUTME: Maps CLI flags onto driver parameters and prints the plan

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fsolen/vsphere-fdrs/models"
	"github.com/fsolen/vsphere-fdrs/planner"
	"github.com/fsolen/vsphere-fdrs/services"
)

var (
	aggressiveness     int
	metricsFlag        string
	clusterFilter      string
	applyAntiAffinity  bool
	ignoreAntiAffinity bool
	iterative          bool
	maxIterations      int
	maxMigrations      int
	dryRun             bool
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Plan and execute rebalancing migrations",
	Long: `Plan migrations that fix anti-affinity violations and even out host load,
then execute them via vMotion (or just print them with --dry-run).

By default a single planning pass runs. With --iterative the planner replans
over refreshed snapshots until the cluster converges or a budget runs out.

Exit codes:
  0 - Plan executed successfully (with --iterative: also converged)
  1 - Some migrations failed, or --iterative did not converge
  2 - Error (connectivity, configuration, invalid input)`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		exitCode := runBalance(ctx, os.Stdout)
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	},
}

func init() {
	rootCmd.AddCommand(balanceCmd)
	balanceCmd.Flags().IntVar(&aggressiveness, "aggressiveness", 3, "Balance aggressiveness level 1-5 (5 is tightest)")
	balanceCmd.Flags().StringVar(&metricsFlag, "metrics", "", "Comma-separated metrics: cpu,memory,disk,network (default: all)")
	balanceCmd.Flags().StringVar(&clusterFilter, "cluster", "", "Restrict planning to one compute cluster")
	balanceCmd.Flags().BoolVar(&applyAntiAffinity, "apply-anti-affinity", false, "Only fix anti-affinity violations, skip load balancing")
	balanceCmd.Flags().BoolVar(&ignoreAntiAffinity, "ignore-anti-affinity", false, "Balance load without anti-affinity constraints")
	balanceCmd.Flags().BoolVar(&iterative, "iterative", false, "Replan over refreshed snapshots until convergence")
	balanceCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Maximum planning rounds (default from config)")
	balanceCmd.Flags().IntVar(&maxMigrations, "max-migrations", 0, "Migration budget, -1 for unlimited (default from config)")
	balanceCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan without executing migrations")
}

// runBalance wires config, inventory, driver, and executor and returns the
// process exit code.
func runBalance(ctx context.Context, w io.Writer) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}
	if !cfg.VSphereConfigured() {
		fmt.Fprintln(w, "Error: vCenter connection is not configured. Set VSPHERE_HOST, VSPHERE_USERNAME, VSPHERE_PASSWORD, and VSPHERE_DATACENTER.")
		return 2
	}
	if aggressiveness < 1 || aggressiveness > 5 {
		fmt.Fprintf(w, "Error: aggressiveness must be between 1 and 5, got %d\n", aggressiveness)
		return 2
	}

	metrics, err := models.ParseMetrics(metricsFlag)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}

	aaOnly := applyAntiAffinity
	ignoreAA := ignoreAntiAffinity
	if aaOnly && ignoreAA {
		// Fixing violations takes priority when callers ask for both.
		slog.Warn("Both --apply-anti-affinity and --ignore-anti-affinity set; applying anti-affinity rules")
		ignoreAA = false
	}

	inv := services.NewVSphereInventory(
		services.VSphereCredentials{
			Host:       cfg.VSphereHost,
			Username:   cfg.VSphereUsername,
			Password:   cfg.VSpherePassword,
			Datacenter: cfg.VSphereDatacenter,
			Insecure:   cfg.VSphereInsecure,
		},
		services.InventoryCapacities{
			DiskIOMBps:      cfg.DiskIOCapacityMBps,
			NetworkBandMBps: cfg.NetworkBandwidthMBps,
		},
	)
	if err := inv.Connect(ctx); err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}
	defer func() {
		if err := inv.Disconnect(context.Background()); err != nil {
			slog.Debug("vCenter logout failed", "error", err)
		}
	}()

	params := planner.Params{
		Level:               aggressiveness,
		MaxIterations:       cfg.MaxIterations,
		Metrics:             metrics,
		MaxMigrations:       cfg.MaxMigrations,
		ThresholdMultiplier: cfg.ThresholdMultiplier,
		ConvergenceTimeout:  time.Duration(cfg.ConvergenceTimeoutSeconds) * time.Second,
		AntiAffinityOnly:    aaOnly,
		IgnoreAntiAffinity:  ignoreAA,
		ClusterFilter:       clusterFilter,
	}
	if maxIterations > 0 {
		params.MaxIterations = maxIterations
	}
	if !iterative {
		params.MaxIterations = 1
	}
	if maxMigrations != 0 {
		params.MaxMigrations = maxMigrations
	}

	result, err := planner.Run(ctx, inv, params)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}
	printResult(w, result)

	if len(result.Migrations) == 0 {
		if !iterative || result.Status == planner.StatusConverged {
			return 0
		}
		return 1
	}

	exec := services.NewVMotionExecutor(inv, time.Duration(cfg.MigrationTaskTimeoutSeconds)*time.Second)
	runner := services.NewRunner(exec, cfg.MigrationWorkers)
	report := runner.Execute(ctx, result.Migrations, dryRun)
	printReport(w, report, dryRun)

	if report.Failed > 0 {
		return 1
	}
	// A single pass is not expected to converge; only iterative runs
	// promise convergence through the exit code.
	if iterative && result.Status != planner.StatusConverged {
		return 1
	}
	return 0
}

func printResult(w io.Writer, result planner.Result) {
	fmt.Fprintf(w, "Session %s finished %s after %d round(s)\n",
		result.SessionID, result.Status, result.Iterations)
	fmt.Fprintf(w, "Residual anti-affinity violations: %d\n", result.ResidualViolations)
	for _, m := range models.AllMetrics {
		if gap, ok := result.ResidualImbalance[m]; ok {
			fmt.Fprintf(w, "Residual %s imbalance: %.1f%%\n", m, gap)
		}
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}

	if len(result.Migrations) == 0 {
		fmt.Fprintln(w, "No migrations needed.")
		return
	}
	fmt.Fprintf(w, "Planned migrations (%d):\n", len(result.Migrations))
	for i, a := range result.Migrations {
		fmt.Fprintf(w, "  %2d. %s\n", i+1, a)
	}
}

func printReport(w io.Writer, report services.ExecutionReport, dryRun bool) {
	if dryRun {
		fmt.Fprintf(w, "Dry run: %d migration(s) logged, none executed.\n", report.Submitted)
		return
	}
	fmt.Fprintf(w, "Executed %d migration(s): %d succeeded, %d failed.\n",
		report.Submitted, report.Succeeded, report.Failed)
	for _, f := range report.Failures {
		fmt.Fprintf(w, "  failed: %s: %v\n", f.Action, f.Err)
	}
}
