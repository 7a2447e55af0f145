// ABOUTME: Executes planned migrations as vMotion relocations via govmomi
// ABOUTME: Runs a bounded worker pool and reports per-action outcomes

package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmware/govmomi/vim25/types"
	"golang.org/x/sync/errgroup"

	"github.com/fsolen/vsphere-fdrs/models"
)

// Executor submits one migration action. Implementations must be safe for
// concurrent use.
type Executor interface {
	Submit(ctx context.Context, action models.MigrationAction, dryRun bool) error
}

// VMotionExecutor relocates VMs through vCenter and waits for each task.
type VMotionExecutor struct {
	inv         *VSphereInventory
	taskTimeout time.Duration
}

// NewVMotionExecutor wraps a connected inventory client. taskTimeout bounds
// how long a single relocation task may run; <= 0 disables the bound.
func NewVMotionExecutor(inv *VSphereInventory, taskTimeout time.Duration) *VMotionExecutor {
	return &VMotionExecutor{
		inv:         inv,
		taskTimeout: taskTimeout,
	}
}

// Submit relocates the action's VM to its target host. In dry-run mode it
// only logs the intended move.
func (e *VMotionExecutor) Submit(ctx context.Context, action models.MigrationAction, dryRun bool) error {
	if dryRun {
		slog.Info("Dry run: would migrate VM",
			"vm", action.VM, "source", action.SourceHost, "target", action.TargetHost,
			"phase", action.Phase)
		return nil
	}

	if e.inv == nil || !e.inv.IsConnected() {
		return fmt.Errorf("vCenter connection is not established")
	}

	vm, err := e.inv.finder.VirtualMachine(ctx, action.VM)
	if err != nil {
		return fmt.Errorf("locating VM %s: %w", action.VM, err)
	}
	host, err := e.inv.finder.HostSystem(ctx, action.TargetHost)
	if err != nil {
		return fmt.Errorf("locating target host %s: %w", action.TargetHost, err)
	}

	hostRef := host.Reference()
	spec := types.VirtualMachineRelocateSpec{
		Host: &hostRef,
	}

	slog.Info("Starting vMotion",
		"vm", action.VM, "source", action.SourceHost, "target", action.TargetHost,
		"phase", action.Phase)

	task, err := vm.Relocate(ctx, spec, types.VirtualMachineMovePriorityDefaultPriority)
	if err != nil {
		return fmt.Errorf("starting relocation of %s: %w", action.VM, err)
	}

	waitCtx := ctx
	if e.taskTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.taskTimeout)
		defer cancel()
	}
	if err := task.Wait(waitCtx); err != nil {
		return fmt.Errorf("relocation of %s to %s failed: %w", action.VM, action.TargetHost, err)
	}

	slog.Info("vMotion complete", "vm", action.VM, "target", action.TargetHost)
	return nil
}

// ExecutionFailure records one action that did not complete.
type ExecutionFailure struct {
	Action models.MigrationAction
	Err    error
}

// ExecutionReport summarizes a Runner pass over a migration plan.
type ExecutionReport struct {
	Submitted int
	Succeeded int
	Failed    int
	Failures  []ExecutionFailure
}

// Runner executes a migration plan with bounded concurrency. One failed
// migration never aborts the others.
type Runner struct {
	exec    Executor
	workers int
}

// NewRunner creates a Runner; workers <= 0 falls back to serial execution.
func NewRunner(exec Executor, workers int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{exec: exec, workers: workers}
}

// Execute submits every action in the plan. The plan carries at most one
// action per VM, so no VM ever has two relocations in flight.
func (r *Runner) Execute(ctx context.Context, plan []models.MigrationAction, dryRun bool) ExecutionReport {
	report := ExecutionReport{Submitted: len(plan)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, action := range plan {
		action := action
		g.Go(func() error {
			err := r.exec.Submit(ctx, action, dryRun)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Failures = append(report.Failures, ExecutionFailure{Action: action, Err: err})
				slog.Error("Migration failed", "vm", action.VM, "target", action.TargetHost, "error", err)
				return nil
			}
			report.Succeeded++
			return nil
		})
	}
	// Submit never returns an error through the group; failures are collected
	// in the report instead.
	_ = g.Wait()

	slog.Info("Migration plan executed",
		"submitted", report.Submitted, "succeeded", report.Succeeded, "failed", report.Failed,
		"dry_run", dryRun)
	return report
}
