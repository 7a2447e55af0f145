// ABOUTME: Status command: reports current load spread and group violations
// ABOUTME: Read-only; never plans or executes migrations

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fsolen/vsphere-fdrs/models"
	"github.com/fsolen/vsphere-fdrs/planner"
	"github.com/fsolen/vsphere-fdrs/services"
)

var statusCluster string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current host load spread and anti-affinity violations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		exitCode := runStatus(ctx, os.Stdout)
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusCluster, "cluster", "", "Restrict reporting to one compute cluster")
}

func runStatus(ctx context.Context, w io.Writer) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}
	if !cfg.VSphereConfigured() {
		fmt.Fprintln(w, "Error: vCenter connection is not configured. Set VSPHERE_HOST, VSPHERE_USERNAME, VSPHERE_PASSWORD, and VSPHERE_DATACENTER.")
		return 2
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
	defer inv.Disconnect(context.Background())

	hosts, err := inv.ListHosts(ctx, statusCluster)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}
	vms, err := inv.ListVMs(ctx, statusCluster)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 2
	}

	snap := models.NewClusterSnapshot(hosts, vms)
	fmt.Fprintf(w, "Hosts: %d  VMs: %d\n", len(snap.Hosts), len(snap.VMs))

	eval := planner.NewLoadEvaluator(snap)
	for _, m := range models.AllMetrics {
		fmt.Fprintf(w, "%-8s imbalance %5.1f%%\n", m, eval.Imbalance(m))
		for _, l := range eval.Utilization(m) {
			fmt.Fprintf(w, "  %-30s %5.1f%%\n", l.Host, l.Percent)
		}
	}

	stats := planner.CalculateViolations(snap)
	violations := planner.TotalViolations(stats)
	fmt.Fprintf(w, "Anti-affinity violations: %d\n", violations)
	for _, key := range planner.SortedGroupKeys(stats) {
		g := stats[key]
		if !g.Violation {
			continue
		}
		fmt.Fprintf(w, "  group %-20s size %d spread %d\n", g.Key, g.Size, g.Spread())
	}
	return 0
}
