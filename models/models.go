// ABOUTME: Data model for hosts, VMs, metrics, and migration actions
// ABOUTME: Pure value types shared by the planner, inventory, and executor

package models

import (
	"fmt"
	"strings"
)

// Metric identifies one balanced resource dimension.
type Metric string

const (
	MetricCPU     Metric = "cpu"
	MetricMemory  Metric = "memory"
	MetricDisk    Metric = "disk"
	MetricNetwork Metric = "network"
)

// AllMetrics lists every metric in canonical order.
var AllMetrics = []Metric{MetricCPU, MetricMemory, MetricDisk, MetricNetwork}

// ParseMetrics converts a comma-separated flag value ("cpu,memory,diskio,network")
// into a metric list. "diskio" is accepted as an alias for "disk"; an empty
// value selects every metric.
func ParseMetrics(s string) ([]Metric, error) {
	if strings.TrimSpace(s) == "" {
		return append([]Metric(nil), AllMetrics...), nil
	}

	var metrics []Metric
	seen := make(map[Metric]bool)
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		var m Metric
		switch name {
		case "cpu":
			m = MetricCPU
		case "memory", "mem":
			m = MetricMemory
		case "disk", "diskio":
			m = MetricDisk
		case "network", "net":
			m = MetricNetwork
		default:
			return nil, fmt.Errorf("unknown metric %q (expected cpu, memory, diskio, network)", name)
		}
		if !seen[m] {
			seen[m] = true
			metrics = append(metrics, m)
		}
	}
	if len(metrics) == 0 {
		return nil, fmt.Errorf("empty metric list")
	}
	return metrics, nil
}

// Host is one physical host at snapshot time. Usage and Capacity are absolute
// units (MHz for cpu, MB for memory, MBps for disk and network); utilization
// percentages are derived, never stored, so they cannot drift.
type Host struct {
	Name      string
	Cluster   string
	Connected bool
	Usage     map[Metric]float64
	Capacity  map[Metric]float64
}

// Utilization returns host usage for a metric as a 0-100 percentage.
// A host with unknown capacity for the metric reports 0.
func (h Host) Utilization(m Metric) float64 {
	cap := h.Capacity[m]
	if cap <= 0 {
		return 0
	}
	return h.Usage[m] / cap * 100.0
}

// VM is one powered-on virtual machine at snapshot time. Demand holds the
// VM's absolute resource consumption in the same units as Host.Usage.
type VM struct {
	Name   string
	Host   string
	Demand map[Metric]float64
}

// GroupKey derives the anti-affinity group of a VM by stripping the maximal
// trailing run of decimal digits from its name ("webserver123" -> "webserver").
// Names without trailing digits form a singleton group and never participate
// in anti-affinity logic; for those ok is false.
func (v VM) GroupKey() (key string, ok bool) {
	trimmed := strings.TrimRight(v.Name, "0123456789")
	if trimmed == v.Name || trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// DemandPercentOn projects the VM's demand for a metric as a percentage of
// the given host's capacity.
func (v VM) DemandPercentOn(h Host, m Metric) float64 {
	cap := h.Capacity[m]
	if cap <= 0 {
		return 0
	}
	return v.Demand[m] / cap * 100.0
}

// Phase records which planning phase produced a migration.
type Phase string

const (
	PhaseAntiAffinity Phase = "anti-affinity"
	PhaseBalance      Phase = "balance"
)

// MigrationAction is one planned vMotion. Immutable once produced.
type MigrationAction struct {
	VM         string
	SourceHost string
	TargetHost string
	Phase      Phase
	Metrics    []Metric // metrics the move targets; nil for anti-affinity moves
}

func (a MigrationAction) String() string {
	return fmt.Sprintf("%s: %s -> %s (%s)", a.VM, a.SourceHost, a.TargetHost, a.Phase)
}
