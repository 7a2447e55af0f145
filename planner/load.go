// ABOUTME: Per-snapshot load evaluator for host utilization and imbalance
// ABOUTME: Maps aggressiveness levels to balance thresholds and fit ceilings

package planner

import (
	"log/slog"

	"github.com/fsolen/vsphere-fdrs/models"
)

// softFitCeiling is the utilization percentage an anti-affinity migration
// target must stay below after receiving the VM.
const softFitCeiling = 95.0

// HostLoad is one host's utilization percentage for a single metric.
type HostLoad struct {
	Host    string
	Percent float64
}

// LoadEvaluator computes per-metric host utilization over one snapshot.
// Derived percentage lists are cached per metric; the cache lives and dies
// with the evaluator, and one evaluator is built per snapshot, so a fresh
// round can never observe a prior round's values.
type LoadEvaluator struct {
	snap  *models.ClusterSnapshot
	cache map[models.Metric][]HostLoad
}

// NewLoadEvaluator creates an evaluator bound to a single snapshot.
func NewLoadEvaluator(snap *models.ClusterSnapshot) *LoadEvaluator {
	return &LoadEvaluator{
		snap:  snap,
		cache: make(map[models.Metric][]HostLoad),
	}
}

// Utilization returns (host, percentage) pairs in snapshot host order.
func (e *LoadEvaluator) Utilization(m models.Metric) []HostLoad {
	if loads, ok := e.cache[m]; ok {
		return loads
	}
	loads := make([]HostLoad, 0, len(e.snap.Hosts))
	for _, h := range e.snap.Hosts {
		loads = append(loads, HostLoad{Host: h.Name, Percent: h.Utilization(m)})
	}
	e.cache[m] = loads
	return loads
}

// Imbalance returns max(percentage) - min(percentage) for the metric across
// hosts in scope. Fewer than two hosts is always balanced.
func (e *LoadEvaluator) Imbalance(m models.Metric) float64 {
	loads := e.Utilization(m)
	if len(loads) < 2 {
		return 0
	}
	min, max := loads[0].Percent, loads[0].Percent
	for _, l := range loads[1:] {
		if l.Percent < min {
			min = l.Percent
		}
		if l.Percent > max {
			max = l.Percent
		}
	}
	return max - min
}

// IsBalanced reports whether every selected metric's imbalance is within the
// threshold for the given aggressiveness level.
func (e *LoadEvaluator) IsBalanced(metrics []models.Metric, level int) bool {
	threshold := ThresholdForLevel(level)
	for _, m := range metrics {
		if e.Imbalance(m) > threshold {
			return false
		}
	}
	return true
}

// ThresholdForLevel maps an aggressiveness level to the maximum allowed
// utilization spread: 5 -> 5%, 4 -> 10%, 3 -> 15%, 2 -> 20%, 1 -> 25%.
// Invalid levels fall back to the level-3 default.
func ThresholdForLevel(level int) float64 {
	switch level {
	case 5:
		return 5.0
	case 4:
		return 10.0
	case 3:
		return 15.0
	case 2:
		return 20.0
	case 1:
		return 25.0
	default:
		slog.Warn("Invalid aggressiveness level, using default threshold", "level", level, "threshold", 15.0)
		return 15.0
	}
}

// hardFitCeiling is the utilization percentage a balance migration target
// must stay below; it loosens as the level is loosened so that a
// capacity-constrained round 2 can admit targets round 1 rejected.
// Level 3 yields the 90% default.
func hardFitCeiling(level int) float64 {
	if level < 1 {
		level = 1
	}
	if level > 5 {
		level = 5
	}
	return 93.0 - float64(level)
}
