// ABOUTME: Tests for the iterative planning driver
// ABOUTME: Validates convergence, level loosening, budgets, and error paths

package planner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/fsolen/vsphere-fdrs/models"
)

// fakeInventory replays a fixed cluster state, returning fresh copies the
// way a live backend would.
type fakeInventory struct {
	hosts     []models.Host
	vms       []models.VM
	hostErr   error
	listCalls int
}

func (f *fakeInventory) ListHosts(ctx context.Context, clusterFilter string) ([]models.Host, error) {
	f.listCalls++
	if f.hostErr != nil {
		return nil, f.hostErr
	}
	hosts := make([]models.Host, len(f.hosts))
	for i, h := range f.hosts {
		hosts[i] = h
		hosts[i].Usage = make(map[models.Metric]float64, len(h.Usage))
		for m, u := range h.Usage {
			hosts[i].Usage[m] = u
		}
	}
	return hosts, nil
}

func (f *fakeInventory) ListVMs(ctx context.Context, clusterFilter string) ([]models.VM, error) {
	vms := make([]models.VM, len(f.vms))
	copy(vms, f.vms)
	return vms, nil
}

func TestRun_ConvergedClusterPlansNothing(t *testing.T) {
	// Scenario: already balanced, no violations. The driver converges on the
	// first convergence check without planning a single move.
	inv := &fakeInventory{
		hosts: []models.Host{passHost("esx01", 500, 1000), passHost("esx02", 450, 1000)},
		vms:   []models.VM{passVM("app01", "esx01", 100)},
	}

	result, err := Run(context.Background(), inv, Params{Level: 3, Metrics: cpuOnly()})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Status != StatusConverged {
		t.Errorf("Expected CONVERGED, got %s", result.Status)
	}
	if len(result.Migrations) != 0 {
		t.Errorf("Expected no migrations, got %v", result.Migrations)
	}
	if result.Iterations != 0 {
		t.Errorf("Expected no planning rounds, got %d", result.Iterations)
	}
	if result.SessionID == "" {
		t.Error("Expected a session ID")
	}
	if inv.listCalls != 1 {
		t.Errorf("Expected exactly one inventory read, got %d", inv.listCalls)
	}
}

func TestRun_ImbalanceConvergesWithAppliedPlan(t *testing.T) {
	// Scenario: 80% vs 20%. Round 1 plans one move; round 2 evaluates the
	// fresh snapshot with that move applied and finds the cluster balanced,
	// even though nothing was executed between rounds.
	inv := &fakeInventory{
		hosts: []models.Host{passHost("esx01", 800, 1000), passHost("esx02", 200, 1000)},
		vms:   []models.VM{passVM("app01", "esx01", 250)},
	}

	result, err := Run(context.Background(), inv, Params{Level: 3, Metrics: cpuOnly()})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Status != StatusConverged {
		t.Errorf("Expected CONVERGED, got %s", result.Status)
	}
	if len(result.Migrations) != 1 {
		t.Fatalf("Expected 1 migration, got %d: %v", len(result.Migrations), result.Migrations)
	}
	if result.Iterations != 1 {
		t.Errorf("Expected 1 planning round, got %d", result.Iterations)
	}

	seen := make(map[string]bool)
	for _, a := range result.Migrations {
		if seen[a.VM] {
			t.Errorf("VM %s planned to move more than once", a.VM)
		}
		seen[a.VM] = true
	}
}

func TestRun_LevelLoosensWhenStuck(t *testing.T) {
	// Scenario: round 1 narrows the gap to 18%, above the level-3 threshold
	// of 15% but with no further safe move. Round 2 must plan at the
	// loosened level floor(3/1.05) = 2 instead of regenerating the same
	// rejected moves forever.
	inv := &fakeInventory{
		hosts: []models.Host{passHost("esx01", 600, 1000), passHost("esx02", 200, 1000)},
		vms:   []models.VM{passVM("app01", "esx01", 110)},
	}

	result, err := Run(context.Background(), inv, Params{Level: 3, Metrics: cpuOnly()})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(result.Migrations) != 1 {
		t.Fatalf("Expected 1 migration, got %d", len(result.Migrations))
	}
	if len(result.Rounds) != 2 {
		t.Fatalf("Expected 2 planning rounds, got %d", len(result.Rounds))
	}
	if result.Rounds[0].Level != 3 {
		t.Errorf("Expected round 1 at level 3, got %d", result.Rounds[0].Level)
	}
	if result.Rounds[1].Level != 2 {
		t.Errorf("Expected round 2 at loosened level 2, got %d", result.Rounds[1].Level)
	}
	// The 18% residual satisfies the loosened 20% threshold, so round 2 has
	// nothing productive left and the run ends exhausted, not looping.
	if result.Status != StatusExhausted {
		t.Errorf("Expected EXHAUSTED, got %s", result.Status)
	}
	if gap := result.ResidualImbalance[models.MetricCPU]; gap > ThresholdForLevel(2) {
		t.Errorf("Expected residual gap within the loosened threshold, got %g", gap)
	}
}

func TestRun_MigrationBudgetExhausts(t *testing.T) {
	// Scenario: two separate violations but a budget of one migration. The
	// second round finds the budget spent and stops.
	inv := &fakeInventory{
		hosts: []models.Host{passHost("esx01", 100, 1000), passHost("esx02", 100, 1000)},
		vms: []models.VM{
			passVM("web01", "esx01", 10), passVM("web02", "esx01", 10),
			passVM("db01", "esx01", 10), passVM("db02", "esx01", 10),
		},
	}

	result, err := Run(context.Background(), inv, Params{
		Level: 3, Metrics: cpuOnly(), MaxMigrations: 1, AntiAffinityOnly: true,
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Status != StatusExhausted {
		t.Errorf("Expected EXHAUSTED, got %s", result.Status)
	}
	if len(result.Migrations) != 1 {
		t.Errorf("Expected exactly 1 migration, got %d", len(result.Migrations))
	}
}

func TestRun_UnsatisfiableGroupExhaustsWithoutMoves(t *testing.T) {
	// Scenario: three group members on two hosts. Nothing productive can be
	// planned, so the run reports exhaustion with the residual violation.
	inv := &fakeInventory{
		hosts: []models.Host{passHost("esx01", 100, 1000), passHost("esx02", 100, 1000)},
		vms: []models.VM{
			passVM("app01", "esx01", 10),
			passVM("app02", "esx01", 10),
			passVM("app03", "esx01", 10),
		},
	}

	result, err := Run(context.Background(), inv, Params{
		Level: 3, Metrics: cpuOnly(), AntiAffinityOnly: true,
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Status != StatusExhausted {
		t.Errorf("Expected EXHAUSTED, got %s", result.Status)
	}
	if len(result.Migrations) != 0 {
		t.Errorf("Expected no migrations, got %v", result.Migrations)
	}
	if result.ResidualViolations == 0 {
		t.Error("Expected residual violations to be reported")
	}
	if len(result.Warnings) == 0 {
		t.Error("Expected a warning about the unsatisfiable group")
	}
}

func TestRun_MaxIterationsReportsPostPlanResiduals(t *testing.T) {
	// Scenario: a single round narrows an 80/20 cluster to a 10% gap but the
	// iteration budget ends the run there. The result must report the gap
	// the plan leaves behind, not the 60% gap the round started from.
	inv := &fakeInventory{
		hosts: []models.Host{passHost("esx01", 800, 1000), passHost("esx02", 200, 1000)},
		vms:   []models.VM{passVM("app01", "esx01", 250)},
	}

	result, err := Run(context.Background(), inv, Params{
		Level: 3, Metrics: cpuOnly(), MaxIterations: 1,
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Status != StatusExhausted {
		t.Errorf("Expected EXHAUSTED, got %s", result.Status)
	}
	if len(result.Migrations) != 1 {
		t.Fatalf("Expected 1 migration, got %d", len(result.Migrations))
	}
	gap := result.ResidualImbalance[models.MetricCPU]
	if math.Abs(gap-10) > 1e-9 {
		t.Errorf("Expected post-plan residual gap of 10, got %g", gap)
	}
	if len(result.Rounds) != 1 {
		t.Fatalf("Expected 1 recorded round, got %d", len(result.Rounds))
	}
	if round := result.Rounds[0].Imbalance[models.MetricCPU]; round != gap {
		t.Errorf("Expected result residual %g to match the last round's %g", gap, round)
	}
}

func TestRun_ResidualsNeverIncreaseAcrossRounds(t *testing.T) {
	// Scenario: a grouped pair on a hot host plus a large VM that no safe
	// move can relocate. Round 1 fixes the violation but leaves a 16% gap,
	// round 2 loosens and stops. Violations and the per-metric gap must
	// never grow from one round to the next.
	inv := &fakeInventory{
		hosts: []models.Host{passHost("esx01", 990, 1000), passHost("esx02", 820, 1000)},
		vms: []models.VM{
			passVM("web01", "esx01", 5),
			passVM("web02", "esx01", 5),
			passVM("app01", "esx01", 85),
		},
	}

	initial := models.NewClusterSnapshot(inv.hosts, inv.vms)
	prevViolations := TotalViolations(CalculateViolations(initial))
	prevGap := NewLoadEvaluator(initial).Imbalance(models.MetricCPU)

	result, err := Run(context.Background(), inv, Params{Level: 3, Metrics: cpuOnly()})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Status != StatusExhausted {
		t.Errorf("Expected EXHAUSTED, got %s", result.Status)
	}
	if len(result.Rounds) < 2 {
		t.Fatalf("Expected at least 2 planning rounds, got %d", len(result.Rounds))
	}
	for _, r := range result.Rounds {
		if r.Violations > prevViolations {
			t.Errorf("Round %d: violations grew from %d to %d", r.Round, prevViolations, r.Violations)
		}
		if r.Imbalance[models.MetricCPU] > prevGap+1e-9 {
			t.Errorf("Round %d: gap grew from %g to %g", r.Round, prevGap, r.Imbalance[models.MetricCPU])
		}
		prevViolations = r.Violations
		prevGap = r.Imbalance[models.MetricCPU]
	}
	if result.ResidualViolations != 0 {
		t.Errorf("Expected the violation to be fixed, got %d residual", result.ResidualViolations)
	}
}

func TestRun_SimpleImbalanceScenario(t *testing.T) {
	// Scenario: ten hosts, one running 20% hotter than the rest, a hundred
	// small VMs. Three moves bring the gap under the level-3 threshold and
	// the second round confirms convergence.
	var hosts []models.Host
	var vms []models.VM
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("esx%02d", i)
		used := 500.0
		if i == 0 {
			used = 700.0
		}
		hosts = append(hosts, passHost(name, used, 1000))
		for j := 0; j < 10; j++ {
			// The non-digit suffix keeps the VMs out of affinity groups.
			vms = append(vms, passVM(fmt.Sprintf("%s-vm%02dx", name, j), name, 20))
		}
	}
	inv := &fakeInventory{hosts: hosts, vms: vms}

	result, err := Run(context.Background(), inv, Params{Level: 3, Metrics: cpuOnly()})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Status != StatusConverged {
		t.Errorf("Expected CONVERGED, got %s", result.Status)
	}
	if len(result.Migrations) != 3 {
		t.Fatalf("Expected 3 migrations, got %d: %v", len(result.Migrations), result.Migrations)
	}
	for _, a := range result.Migrations {
		if a.Phase != models.PhaseBalance {
			t.Errorf("Migration %s: expected balance phase, got %s", a.VM, a.Phase)
		}
		if a.SourceHost != "esx00" {
			t.Errorf("Migration %s: expected source esx00, got %s", a.VM, a.SourceHost)
		}
	}
	gap := result.ResidualImbalance[models.MetricCPU]
	if gap > ThresholdForLevel(3) {
		t.Errorf("Expected residual gap within the level-3 threshold, got %g", gap)
	}
}

func TestRun_InventoryErrorPropagates(t *testing.T) {
	wantErr := errors.New("vcenter unreachable")
	inv := &fakeInventory{hostErr: wantErr}

	_, err := Run(context.Background(), inv, Params{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Expected inventory error to propagate, got %v", err)
	}
}

func TestRun_CancelledContextTimesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := &fakeInventory{
		hosts: []models.Host{passHost("esx01", 100, 1000)},
	}
	result, err := Run(ctx, inv, Params{})
	if err == nil {
		t.Fatal("Expected an error from the cancelled context")
	}
	if result.Status != StatusTimedOut {
		t.Errorf("Expected TIMED_OUT, got %s", result.Status)
	}
}
