// ABOUTME: Iterative planning driver: replans over refreshed snapshots until
// ABOUTME: the cluster converges, the budget runs out, or the deadline passes

package planner

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fsolen/vsphere-fdrs/models"
)

// Status is the terminal state of a driver run.
type Status string

const (
	StatusConverged Status = "CONVERGED"
	StatusExhausted Status = "EXHAUSTED"
	StatusTimedOut  Status = "TIMED_OUT"
)

const (
	DefaultLevel               = 3
	DefaultMaxIterations       = 3
	DefaultMaxMigrations       = 20
	DefaultThresholdMultiplier = 1.05
	DefaultConvergenceTimeout  = 300 * time.Second
)

// Inventory supplies the current cluster state. Implementations are expected
// to return a fresh reading on every call.
type Inventory interface {
	ListHosts(ctx context.Context, clusterFilter string) ([]models.Host, error)
	ListVMs(ctx context.Context, clusterFilter string) ([]models.VM, error)
}

// Params configures a driver run. Zero values fall back to the defaults
// above inside Run.
type Params struct {
	Level               int
	MaxIterations       int
	Metrics             []models.Metric
	MaxMigrations       int
	ThresholdMultiplier float64
	ConvergenceTimeout  time.Duration
	AntiAffinityOnly    bool
	IgnoreAntiAffinity  bool
	ClusterFilter       string
}

func (p *Params) normalize() {
	if p.Level < 1 || p.Level > 5 {
		p.Level = DefaultLevel
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = DefaultMaxIterations
	}
	if len(p.Metrics) == 0 {
		p.Metrics = models.AllMetrics
	}
	if p.MaxMigrations == 0 {
		p.MaxMigrations = DefaultMaxMigrations
	}
	if p.ThresholdMultiplier <= 1.0 {
		p.ThresholdMultiplier = DefaultThresholdMultiplier
	}
	if p.ConvergenceTimeout <= 0 {
		p.ConvergenceTimeout = DefaultConvergenceTimeout
	}
}

// RoundStats records what each planning round saw and produced.
type RoundStats struct {
	Round      int
	Level      int
	Planned    int
	Violations int
	Imbalance  map[models.Metric]float64
}

// Result is the accumulated outcome of a driver run. Migrations preserves
// planning order: anti-affinity moves of a round come before its balance
// moves, and earlier rounds come before later ones.
type Result struct {
	SessionID          string
	Status             Status
	Iterations         int
	Migrations         []models.MigrationAction
	ResidualViolations int
	ResidualImbalance  map[models.Metric]float64
	Rounds             []RoundStats
	Warnings           []string
}

// Run drives planning rounds until convergence. Each round re-reads the
// inventory and projects the migrations accumulated so far onto the fresh
// snapshot, so convergence is judged against the state the plan would
// produce, not the state the cluster happens to be in mid-run.
func Run(ctx context.Context, inv Inventory, params Params) (Result, error) {
	params.normalize()

	res := Result{
		SessionID:         uuid.NewString(),
		Status:            StatusExhausted,
		ResidualImbalance: make(map[models.Metric]float64),
	}
	deadline := time.Now().Add(params.ConvergenceTimeout)
	level := params.Level
	plannedVMs := make(map[string]bool)
	skipGroups := make(map[string]bool)

	slog.Info("Starting planning run",
		"session_id", res.SessionID,
		"level", params.Level,
		"max_iterations", params.MaxIterations,
		"max_migrations", params.MaxMigrations,
		"metrics", params.Metrics,
		"cluster", params.ClusterFilter)

	for iter := 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			res.Status = StatusTimedOut
			slog.Warn("Planning run cancelled", "session_id", res.SessionID, "iteration", iter)
			return res, err
		}
		if time.Now().After(deadline) {
			res.Status = StatusTimedOut
			slog.Warn("Planning run exceeded convergence timeout",
				"session_id", res.SessionID, "timeout", params.ConvergenceTimeout)
			return res, nil
		}
		if iter > params.MaxIterations {
			res.Status = StatusExhausted
			slog.Info("Iteration budget exhausted before convergence",
				"session_id", res.SessionID, "iterations", params.MaxIterations)
			return res, nil
		}

		hosts, err := inv.ListHosts(ctx, params.ClusterFilter)
		if err != nil {
			return res, err
		}
		vms, err := inv.ListVMs(ctx, params.ClusterFilter)
		if err != nil {
			return res, err
		}
		view := models.NewClusterSnapshot(hosts, vms).ApplyMigrations(res.Migrations)
		if iter == 1 {
			slog.Info("Cluster snapshot acquired",
				"session_id", res.SessionID, "hosts", len(view.Hosts), "vms", len(view.VMs))
		}

		eval := NewLoadEvaluator(view)
		for _, m := range params.Metrics {
			for _, l := range eval.Utilization(m) {
				slog.Debug("Host utilization", "session_id", res.SessionID,
					"round", iter, "host", l.Host, "metric", m, "pct", l.Percent)
			}
		}
		violations := TotalViolations(CalculateViolations(view))
		res.ResidualViolations = violations
		for _, m := range params.Metrics {
			res.ResidualImbalance[m] = eval.Imbalance(m)
		}

		aaOK := params.IgnoreAntiAffinity || violations == 0
		balanceOK := params.AntiAffinityOnly || eval.IsBalanced(params.Metrics, level)
		if aaOK && balanceOK {
			res.Status = StatusConverged
			slog.Info("Cluster converged", "session_id", res.SessionID,
				"iterations", res.Iterations, "migrations", len(res.Migrations))
			return res, nil
		}

		// The planning threshold loosens from the second round on so a
		// cluster that cannot meet the requested level stops regenerating
		// the same rejected moves every round.
		if iter >= 2 {
			loosened := int(float64(level) / params.ThresholdMultiplier)
			if loosened < 1 {
				loosened = 1
			}
			if loosened != level {
				slog.Info("Loosening balance level", "session_id", res.SessionID,
					"iteration", iter, "from", level, "to", loosened)
				level = loosened
			}
		}

		budget := 0
		if params.MaxMigrations > 0 {
			budget = params.MaxMigrations - len(res.Migrations)
			if budget <= 0 {
				res.Status = StatusExhausted
				slog.Warn("Migration budget exhausted before convergence",
					"session_id", res.SessionID, "max_migrations", params.MaxMigrations)
				return res, nil
			}
		}

		pr := PlanPass(view, PassConfig{
			Level:              level,
			Metrics:            params.Metrics,
			AntiAffinityOnly:   params.AntiAffinityOnly,
			IgnoreAntiAffinity: params.IgnoreAntiAffinity,
			Budget:             budget,
			SkipGroups:         skipGroups,
		})
		res.Warnings = append(res.Warnings, pr.Warnings...)
		for _, g := range pr.UnsatisfiableGroups {
			skipGroups[g] = true
		}

		// Residuals must describe the state after this round's planning, not
		// the snapshot it started from, so every exit path reports what the
		// plan leaves behind.
		res.ResidualViolations = pr.ResidualViolations
		for m, v := range pr.ResidualImbalance {
			res.ResidualImbalance[m] = v
		}

		fresh := 0
		for _, a := range pr.Migrations {
			if plannedVMs[a.VM] {
				slog.Debug("Dropping repeated move for VM", "session_id", res.SessionID, "vm", a.VM)
				continue
			}
			plannedVMs[a.VM] = true
			res.Migrations = append(res.Migrations, a)
			fresh++
		}

		res.Iterations = iter
		res.Rounds = append(res.Rounds, RoundStats{
			Round:      iter,
			Level:      level,
			Planned:    fresh,
			Violations: pr.ResidualViolations,
			Imbalance:  pr.ResidualImbalance,
		})
		slog.Info("Planning round complete", "session_id", res.SessionID,
			"round", iter, "level", level, "planned", fresh,
			"residual_violations", pr.ResidualViolations)

		if fresh == 0 {
			res.Status = StatusExhausted
			slog.Warn("No further productive migrations found",
				"session_id", res.SessionID, "round", iter)
			return res, nil
		}
	}
}
