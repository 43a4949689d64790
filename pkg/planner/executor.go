package planner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// StepRunner executes one plan step. Implementations dispatch tool_call steps
// to the tool registry and prompt steps to the provider.
type StepRunner interface {
	RunStep(ctx context.Context, plan *models.Plan, step *models.PlanStep) (output string, err error)
}

// Report summarizes a finished plan execution.
type Report struct {
	PlanID    string
	Completed int
	Failed    int
	Skipped   int
}

// Succeeded reports whether every step completed.
func (r *Report) Succeeded() bool { return r.Failed == 0 && r.Skipped == 0 }

// Executor runs plans in topological order. Steps execute sequentially; a
// failed step propagates Skipped only to its downstream dependents, and
// independent branches continue.
type Executor struct {
	runner StepRunner
}

// NewExecutor creates a plan executor.
func NewExecutor(runner StepRunner) *Executor {
	return &Executor{runner: runner}
}

// Execute runs the plan to completion (or cancellation). The plan's step
// statuses are mutated in place.
func (e *Executor) Execute(ctx context.Context, plan *models.Plan) (*Report, error) {
	report := &Report{PlanID: plan.ID}

	index := make(map[string]*models.PlanStep, len(plan.Steps))
	for i := range plan.Steps {
		index[plan.Steps[i].ID] = &plan.Steps[i]
	}

	for {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		step := nextRunnable(plan.Steps, index)
		if step == nil {
			break
		}

		// A step whose dependency failed or was skipped is skipped, and its
		// own dependents will skip in turn.
		if blocked(step, index) {
			step.Status = models.StepSkipped
			report.Skipped++
			slog.Info("Plan step skipped", "plan_id", plan.ID, "step", step.ID)
			continue
		}

		step.Status = models.StepRunning
		if err := e.runWithRetry(ctx, plan, step); err != nil {
			step.Status = models.StepFailed
			step.Error = err.Error()
			report.Failed++
			slog.Warn("Plan step failed", "plan_id", plan.ID, "step", step.ID, "error", err)
			continue
		}
		step.Status = models.StepCompleted
		report.Completed++
	}

	slog.Info("Plan execution finished",
		"plan_id", plan.ID,
		"completed", report.Completed, "failed", report.Failed, "skipped", report.Skipped)
	return report, nil
}

// runWithRetry honors the per-step attempt budget.
func (e *Executor) runWithRetry(ctx context.Context, plan *models.Plan, step *models.PlanStep) error {
	attempts := step.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		output, err := e.runner.RunStep(ctx, plan, step)
		if err == nil {
			step.Output = output
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// nextRunnable returns a pending step whose dependencies have all resolved
// (completed, failed, or skipped), or nil when none remain.
func nextRunnable(steps []models.PlanStep, index map[string]*models.PlanStep) *models.PlanStep {
	for i := range steps {
		step := &steps[i]
		if step.Status != models.StepPending {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			switch index[dep].Status {
			case models.StepCompleted, models.StepFailed, models.StepSkipped:
			default:
				ready = false
			}
		}
		if ready {
			return step
		}
	}
	return nil
}

// blocked reports whether any dependency failed or was skipped.
func blocked(step *models.PlanStep, index map[string]*models.PlanStep) bool {
	for _, dep := range step.DependsOn {
		switch index[dep].Status {
		case models.StepFailed, models.StepSkipped:
			return true
		}
	}
	return false
}
