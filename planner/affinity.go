// ABOUTME: Anti-affinity analyzer over one cluster snapshot
// ABOUTME: Computes per-group host counts, violations, and unsatisfiable groups

package planner

import (
	"sort"

	"github.com/fsolen/vsphere-fdrs/models"
)

// GroupStats describes one anti-affinity group's placement in a snapshot.
type GroupStats struct {
	Key          string
	Size         int
	CountsByHost map[string]int

	// Violation is true when max(count) - min(count) > 1 across hosts in scope.
	Violation bool

	// Unsatisfiable is true when the group has more members than there are
	// hosts; the <=1 spread target is then impossible by pigeonhole and the
	// group must be reported once and skipped, never retried.
	Unsatisfiable bool
}

// Spread returns max(count) - min(count) over every host in scope, counting
// hosts that hold none of the group's VMs.
func (g GroupStats) Spread() int {
	min, max := 0, 0
	first := true
	for _, c := range g.CountsByHost {
		if first {
			min, max = c, c
			first = false
			continue
		}
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	return max - min
}

// Excess returns the violation magnitude max(0, spread-1), the group's
// contribution to the scalar AA count used for convergence checks.
func (g GroupStats) Excess() int {
	if s := g.Spread(); s > 1 {
		return s - 1
	}
	return 0
}

// CalculateViolations groups VMs by their derived group key and counts
// members per host. Pure function of the snapshot; fewer than two hosts in
// scope means anti-affinity cannot apply and no groups are returned.
func CalculateViolations(snap *models.ClusterSnapshot) map[string]GroupStats {
	stats := make(map[string]GroupStats)
	if len(snap.Hosts) < 2 {
		return stats
	}

	for _, vm := range snap.VMs {
		key, ok := vm.GroupKey()
		if !ok {
			continue
		}
		g, exists := stats[key]
		if !exists {
			g = GroupStats{Key: key, CountsByHost: make(map[string]int, len(snap.Hosts))}
			for _, h := range snap.Hosts {
				g.CountsByHost[h.Name] = 0
			}
		}
		g.Size++
		g.CountsByHost[vm.Host]++
		stats[key] = g
	}

	for key, g := range stats {
		g.Violation = g.Spread() > 1
		g.Unsatisfiable = g.Size > len(snap.Hosts)
		stats[key] = g
	}
	return stats
}

// TotalViolations sums each group's excess above the allowed spread of 1.
// This is the scalar AA(S) the driver checks for convergence.
func TotalViolations(stats map[string]GroupStats) int {
	total := 0
	for _, g := range stats {
		total += g.Excess()
	}
	return total
}

// SortedGroupKeys returns group keys in deterministic order for reporting.
func SortedGroupKeys(stats map[string]GroupStats) []string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
