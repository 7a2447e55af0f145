// ABOUTME: Single planning pass: anti-affinity fix phase then balance phase
// ABOUTME: Both phases share one mutable working copy seeded from the snapshot

package planner

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/fsolen/vsphere-fdrs/models"
)

// PassConfig parameterizes one planning pass. Values are threaded through
// explicitly each round; the planner holds no cross-round state.
type PassConfig struct {
	Level              int
	Metrics            []models.Metric
	AntiAffinityOnly   bool
	IgnoreAntiAffinity bool

	// Budget caps how many migrations this pass may emit; <= 0 means no cap.
	// Anti-affinity moves are planned first, so a tight budget truncates the
	// balance phase before it truncates anti-affinity fixes.
	Budget int

	// SkipGroups holds group keys already reported unsatisfiable in an
	// earlier round; they are skipped without re-analysis.
	SkipGroups map[string]bool
}

// PassResult is the outcome of one planning pass, including residual
// diagnostics for the caller to log or act on.
type PassResult struct {
	Migrations          []models.MigrationAction
	ResidualViolations  int
	ResidualImbalance   map[models.Metric]float64
	UnsatisfiableGroups []string
	Warnings            []string
}

// PlanPass produces an ordered migration list for one snapshot: first
// anti-affinity fixes, then balance moves that never regress anti-affinity.
// The snapshot itself stays read-only; all projections happen on a working
// copy of host loads and group counts.
func PlanPass(snap *models.ClusterSnapshot, cfg PassConfig) PassResult {
	if cfg.Level < 1 || cfg.Level > 5 {
		cfg.Level = 3
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = models.AllMetrics
	}

	p := &pass{
		cfg:     cfg,
		ws:      newWorkingState(snap),
		planned: make(map[string]bool),
		result:  PassResult{ResidualImbalance: make(map[models.Metric]float64)},
	}

	p.planAntiAffinity()
	if !cfg.AntiAffinityOnly && !p.exhausted {
		p.planBalance()
	}

	for _, m := range cfg.Metrics {
		p.result.ResidualImbalance[m] = p.ws.imbalance(m)
	}
	p.result.ResidualViolations = p.ws.totalExcess()
	return p.result
}

type pass struct {
	cfg       PassConfig
	ws        *workingState
	planned   map[string]bool // VM names already scheduled in this pass
	result    PassResult
	exhausted bool // migration budget spent
}

func (p *pass) emit(a models.MigrationAction) {
	p.result.Migrations = append(p.result.Migrations, a)
	p.planned[a.VM] = true
	p.ws.move(a.VM, a.TargetHost)
	if p.cfg.Budget > 0 && len(p.result.Migrations) >= p.cfg.Budget {
		p.exhausted = true
	}
}

func (p *pass) warnf(format string, args ...any) {
	p.result.Warnings = append(p.result.Warnings, fmt.Sprintf(format, args...))
}

// planAntiAffinity works each violating group in deterministic key order:
// take a VM off the most-crowded host and place it on a host that reduces
// the group's spread while staying under the soft-fit ceiling. Partial
// improvement is kept even when the group cannot reach spread <= 1.
func (p *pass) planAntiAffinity() {
	hostCount := len(p.ws.hostNames)
	if hostCount < 2 {
		return
	}

	for _, key := range p.ws.sortedGroupKeys() {
		if p.exhausted {
			return
		}
		if p.cfg.SkipGroups[key] {
			continue
		}
		if size := p.ws.groupSize(key); size > hostCount {
			p.result.UnsatisfiableGroups = append(p.result.UnsatisfiableGroups, key)
			p.warnf("group %q has %d members across %d hosts; spread <= 1 is unsatisfiable", key, size, hostCount)
			continue
		}
		p.fixGroup(key)
	}
}

func (p *pass) fixGroup(key string) {
	counts := p.ws.groupCounts[key]
	for guard := 0; guard < len(p.ws.vmByName); guard++ {
		if p.exhausted {
			return
		}
		source, maxCount, minCount := p.ws.groupExtremes(key)
		if maxCount-minCount <= 1 {
			return
		}

		vm, ok := p.pickGroupVM(key, source)
		if !ok {
			p.warnf("group %q still violates anti-affinity on %s but no movable VM remains", key, source)
			return
		}

		targets := p.ws.hostsByGroupCount(key, source)
		chosen := ""
		for _, t := range targets {
			if counts[t]+1 >= maxCount {
				// Targets are sorted by ascending group count; nothing past
				// this point reduces the spread.
				break
			}
			if !p.cfg.AntiAffinityOnly && !p.ws.fitsBelow(t, vm, softFitCeiling) {
				continue
			}
			chosen = t
			break
		}
		if chosen == "" {
			p.warnf("group %q: no fit-safe target under %.0f%% for VM %s, leaving residual violation", key, softFitCeiling, vm.Name)
			return
		}

		slog.Debug("Planned anti-affinity migration", "vm", vm.Name, "source", source, "target", chosen, "group", key)
		p.emit(models.MigrationAction{
			VM:         vm.Name,
			SourceHost: source,
			TargetHost: chosen,
			Phase:      models.PhaseAntiAffinity,
		})
	}
}

// pickGroupVM selects the lexicographically first VM of the group on the
// host that is not already scheduled to move.
func (p *pass) pickGroupVM(key, host string) (models.VM, bool) {
	var best models.VM
	found := false
	for _, name := range p.ws.vmsByHost[host] {
		if p.planned[name] {
			continue
		}
		vm := p.ws.vmByName[name]
		k, ok := vm.GroupKey()
		if !ok || k != key {
			continue
		}
		if !found || vm.Name < best.Name {
			best = vm
			found = true
		}
	}
	return best, found
}

// planBalance narrows each selected metric's spread until it is within the
// level threshold or no safe gap-narrowing move remains. Anti-affinity
// safety is judged against the working placement, which already reflects
// every move emitted earlier in this pass.
func (p *pass) planBalance() {
	threshold := ThresholdForLevel(p.cfg.Level)
	ceiling := hardFitCeiling(p.cfg.Level)

	for _, m := range p.cfg.Metrics {
		for guard := 0; guard < len(p.ws.vmByName); guard++ {
			if p.exhausted {
				return
			}
			source, maxPct, minPct := p.ws.loadExtremes(m)
			gap := maxPct - minPct
			if gap <= threshold {
				break
			}

			vm, ok := p.pickBalanceVM(source, m, gap/2)
			if !ok {
				p.warnf("metric %s: imbalance %.1f%% > %.1f%% but no VM on %s narrows the gap without overshoot", m, gap, threshold, source)
				break
			}

			chosen := p.pickBalanceTarget(vm, source, m, maxPct, ceiling)
			if chosen == "" {
				p.warnf("metric %s: no safe target under %.0f%% for VM %s, leaving residual imbalance %.1f%%", m, ceiling, vm.Name, gap)
				break
			}

			slog.Debug("Planned balance migration", "vm", vm.Name, "source", source, "target", chosen, "metric", m)
			p.emit(models.MigrationAction{
				VM:         vm.Name,
				SourceHost: source,
				TargetHost: chosen,
				Phase:      models.PhaseBalance,
				Metrics:    []models.Metric{m},
			})
		}
	}
}

// pickBalanceVM chooses the VM on the source host whose demand for the
// metric is closest to, but not exceeding, half the current gap. Moving at
// most half the gap narrows it without swinging the imbalance to the target.
func (p *pass) pickBalanceVM(source string, m models.Metric, halfGap float64) (models.VM, bool) {
	var best models.VM
	bestDelta := 0.0
	for _, name := range p.ws.vmsByHost[source] {
		if p.planned[name] {
			continue
		}
		vm := p.ws.vmByName[name]
		delta := p.ws.demandPct(source, vm, m)
		if delta <= 0 || delta > halfGap {
			continue
		}
		if delta > bestDelta || (delta == bestDelta && bestDelta > 0 && vm.Name < best.Name) {
			best = vm
			bestDelta = delta
		}
	}
	return best, bestDelta > 0
}

// pickBalanceTarget scans hosts from least to most loaded for the metric and
// returns the first one where the VM fits under the hard ceiling, does not
// become a new maximum, and keeps anti-affinity intact.
func (p *pass) pickBalanceTarget(vm models.VM, source string, m models.Metric, maxPct, ceiling float64) string {
	loads := p.ws.loadsAscending(m)
	for _, l := range loads {
		if l.Host == source {
			continue
		}
		if !p.ws.fitsBelow(l.Host, vm, ceiling) {
			continue
		}
		if l.Percent+p.ws.demandPct(l.Host, vm, m) >= maxPct {
			continue
		}
		if !p.cfg.IgnoreAntiAffinity && !p.ws.groupSafeMove(vm, l.Host) {
			continue
		}
		return l.Host
	}
	return ""
}

// workingState is the mutable projection both phases plan against. It is
// seeded from the snapshot at pass start and discarded with the pass.
type workingState struct {
	hostNames   []string
	capacity    map[string]map[models.Metric]float64
	usage       map[string]map[models.Metric]float64
	vmByName    map[string]models.VM
	vmsByHost   map[string][]string
	groupCounts map[string]map[string]int
}

func newWorkingState(snap *models.ClusterSnapshot) *workingState {
	ws := &workingState{
		capacity:    make(map[string]map[models.Metric]float64, len(snap.Hosts)),
		usage:       make(map[string]map[models.Metric]float64, len(snap.Hosts)),
		vmByName:    make(map[string]models.VM, len(snap.VMs)),
		vmsByHost:   make(map[string][]string, len(snap.Hosts)),
		groupCounts: make(map[string]map[string]int),
	}

	for _, h := range snap.Hosts {
		ws.hostNames = append(ws.hostNames, h.Name)
		cap := make(map[models.Metric]float64, len(h.Capacity))
		for m, c := range h.Capacity {
			cap[m] = c
		}
		use := make(map[models.Metric]float64, len(h.Usage))
		for m, u := range h.Usage {
			use[m] = u
		}
		ws.capacity[h.Name] = cap
		ws.usage[h.Name] = use
		ws.vmsByHost[h.Name] = nil
	}
	sort.Strings(ws.hostNames)

	for _, vm := range snap.VMs {
		ws.vmByName[vm.Name] = vm
		ws.vmsByHost[vm.Host] = append(ws.vmsByHost[vm.Host], vm.Name)
		if key, ok := vm.GroupKey(); ok {
			counts := ws.groupCounts[key]
			if counts == nil {
				counts = make(map[string]int, len(ws.hostNames))
				for _, h := range ws.hostNames {
					counts[h] = 0
				}
				ws.groupCounts[key] = counts
			}
			counts[vm.Host]++
		}
	}
	for _, names := range ws.vmsByHost {
		sort.Strings(names)
	}
	return ws
}

func (ws *workingState) sortedGroupKeys() []string {
	keys := make([]string, 0, len(ws.groupCounts))
	for k := range ws.groupCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (ws *workingState) groupSize(key string) int {
	size := 0
	for _, c := range ws.groupCounts[key] {
		size += c
	}
	return size
}

// groupExtremes returns the host carrying the group's maximum count (ties
// broken by name) along with the max and min counts across all hosts.
func (ws *workingState) groupExtremes(key string) (maxHost string, maxCount, minCount int) {
	counts := ws.groupCounts[key]
	first := true
	for _, h := range ws.hostNames {
		c := counts[h]
		if first {
			maxHost, maxCount, minCount = h, c, c
			first = false
			continue
		}
		if c > maxCount {
			maxHost, maxCount = h, c
		}
		if c < minCount {
			minCount = c
		}
	}
	return maxHost, maxCount, minCount
}

// hostsByGroupCount returns candidate targets sorted ascending by the
// group's count, ties broken by lowest overall utilization, then name.
func (ws *workingState) hostsByGroupCount(key, exclude string) []string {
	counts := ws.groupCounts[key]
	hosts := make([]string, 0, len(ws.hostNames))
	for _, h := range ws.hostNames {
		if h != exclude {
			hosts = append(hosts, h)
		}
	}
	sort.SliceStable(hosts, func(i, j int) bool {
		if counts[hosts[i]] != counts[hosts[j]] {
			return counts[hosts[i]] < counts[hosts[j]]
		}
		oi, oj := ws.overallPct(hosts[i]), ws.overallPct(hosts[j])
		if oi != oj {
			return oi < oj
		}
		return hosts[i] < hosts[j]
	})
	return hosts
}

func (ws *workingState) pct(host string, m models.Metric) float64 {
	cap := ws.capacity[host][m]
	if cap <= 0 {
		return 0
	}
	return ws.usage[host][m] / cap * 100.0
}

// overallPct is the mean utilization across metrics with known capacity,
// used only for tie-breaking.
func (ws *workingState) overallPct(host string) float64 {
	sum, n := 0.0, 0
	for _, m := range models.AllMetrics {
		if ws.capacity[host][m] > 0 {
			sum += ws.pct(host, m)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (ws *workingState) demandPct(host string, vm models.VM, m models.Metric) float64 {
	cap := ws.capacity[host][m]
	if cap <= 0 {
		return 0
	}
	return vm.Demand[m] / cap * 100.0
}

// fitsBelow reports whether the host's projected utilization after receiving
// the VM stays below the ceiling for every metric with known capacity.
func (ws *workingState) fitsBelow(host string, vm models.VM, ceiling float64) bool {
	for _, m := range models.AllMetrics {
		cap := ws.capacity[host][m]
		if cap <= 0 {
			continue
		}
		projected := (ws.usage[host][m] + vm.Demand[m]) / cap * 100.0
		if projected >= ceiling {
			return false
		}
	}
	return true
}

// groupSafeMove reports whether moving the VM to the target keeps its group
// out of violation, or at least does not widen an existing one that the
// anti-affinity phase could not resolve.
func (ws *workingState) groupSafeMove(vm models.VM, target string) bool {
	key, ok := vm.GroupKey()
	if !ok {
		return true
	}
	counts := ws.groupCounts[key]
	before := spreadOf(counts)
	source := ws.vmByName[vm.Name].Host

	counts[source]--
	counts[target]++
	after := spreadOf(counts)
	counts[source]++
	counts[target]--

	return after <= 1 || after <= before
}

func spreadOf(counts map[string]int) int {
	first := true
	min, max := 0, 0
	for _, c := range counts {
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

func (ws *workingState) loadExtremes(m models.Metric) (maxHost string, maxPct, minPct float64) {
	first := true
	for _, h := range ws.hostNames {
		p := ws.pct(h, m)
		if first {
			maxHost, maxPct, minPct = h, p, p
			first = false
			continue
		}
		if p > maxPct {
			maxHost, maxPct = h, p
		}
		if p < minPct {
			minPct = p
		}
	}
	return maxHost, maxPct, minPct
}

func (ws *workingState) loadsAscending(m models.Metric) []HostLoad {
	loads := make([]HostLoad, 0, len(ws.hostNames))
	for _, h := range ws.hostNames {
		loads = append(loads, HostLoad{Host: h, Percent: ws.pct(h, m)})
	}
	sort.SliceStable(loads, func(i, j int) bool {
		if loads[i].Percent != loads[j].Percent {
			return loads[i].Percent < loads[j].Percent
		}
		return loads[i].Host < loads[j].Host
	})
	return loads
}

func (ws *workingState) imbalance(m models.Metric) float64 {
	if len(ws.hostNames) < 2 {
		return 0
	}
	_, max, min := ws.loadExtremes(m)
	return max - min
}

func (ws *workingState) totalExcess() int {
	total := 0
	for _, counts := range ws.groupCounts {
		if s := spreadOf(counts); s > 1 {
			total += s - 1
		}
	}
	return total
}

// move reassigns a VM in the working copy and shifts its demand between
// source and target loads and group counts.
func (ws *workingState) move(vmName, target string) {
	vm, ok := ws.vmByName[vmName]
	if !ok {
		return
	}
	source := vm.Host

	for m, d := range vm.Demand {
		if u, ok := ws.usage[source]; ok {
			u[m] -= d
		}
		if u, ok := ws.usage[target]; ok {
			u[m] += d
		}
	}

	names := ws.vmsByHost[source]
	for i, n := range names {
		if n == vmName {
			ws.vmsByHost[source] = append(names[:i], names[i+1:]...)
			break
		}
	}
	ws.vmsByHost[target] = insertSorted(ws.vmsByHost[target], vmName)

	if key, ok := vm.GroupKey(); ok {
		ws.groupCounts[key][source]--
		ws.groupCounts[key][target]++
	}

	vm.Host = target
	ws.vmByName[vmName] = vm
}

func insertSorted(names []string, name string) []string {
	i := sort.SearchStrings(names, name)
	names = append(names, "")
	copy(names[i+1:], names[i:])
	names[i] = name
	return names
}
