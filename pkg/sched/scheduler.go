package sched

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haru0416-dev/asteroniris/pkg/guard"
	"github.com/haru0416-dev/asteroniris/pkg/metrics"
	"github.com/haru0416-dev/asteroniris/pkg/models"
	"github.com/haru0416-dev/asteroniris/pkg/planner"
	"github.com/haru0416-dev/asteroniris/pkg/policy"
	"github.com/haru0416-dev/asteroniris/pkg/tools"
)

// DefaultTickInterval is the poll cadence of the scheduler loop.
const DefaultTickInterval = 15 * time.Second

// Scheduler polls the job store and dispatches due jobs. Executions are
// serialized per tick; a job never runs concurrently with itself.
type Scheduler struct {
	store      *Store
	policy     *policy.Policy
	registry   *tools.Registry
	executor   *planner.Executor
	planStore  *planner.Store
	metrics    *metrics.Metrics
	workspace  string
	tick       time.Duration
	maxPending int

	cancel context.CancelFunc
	done   chan struct{}
}

// Options wires the scheduler's collaborators.
type Options struct {
	Store      *Store
	Policy     *policy.Policy
	Registry   *tools.Registry
	Executor   *planner.Executor
	PlanStore  *planner.Store
	Metrics    *metrics.Metrics
	Workspace  string
	Tick       time.Duration
	MaxPending int
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingSelfTasks
	}
	return &Scheduler{
		store:      opts.Store,
		policy:     opts.Policy,
		registry:   opts.Registry,
		executor:   opts.Executor,
		planStore:  opts.PlanStore,
		metrics:    opts.Metrics,
		workspace:  opts.Workspace,
		tick:       tick,
		maxPending: maxPending,
	}
}

// Start launches the scheduler loop. Interrupted plan executions from a
// previous process are requeued first.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	if s.planStore != nil {
		if _, err := s.planStore.RequeueInterrupted(ctx); err != nil {
			slog.Error("Requeue of interrupted plans failed", "error", err)
		}
	}

	go s.run(ctx)
	slog.Info("Scheduler started", "tick", s.tick, "max_pending_self_tasks", s.maxPending)
}

// Stop signals the loop to exit and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue executes every due job once. Jobs are serialized within a tick.
func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now().UTC()

	if n, err := s.store.HarvestExpired(ctx, now); err != nil {
		slog.Error("Expiry harvest failed", "error", err)
	} else if n > 0 {
		slog.Info("Harvested expired jobs", "count", n)
	}

	jobs, err := s.store.Due(ctx, now)
	if err != nil {
		slog.Error("Listing due jobs failed", "error", err)
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := s.store.MarkRunning(ctx, job.ID); err != nil {
			slog.Error("Marking job running failed", "job_id", job.ID, "error", err)
			continue
		}

		runErr := s.runJob(ctx, job)
		ok := runErr == nil
		if s.metrics != nil {
			status := "ok"
			if !ok {
				status = "failed"
			}
			s.metrics.SchedulerRunsTotal.WithLabelValues(string(job.Kind), status).Inc()
		}
		if runErr != nil {
			slog.Warn("Job run failed", "job_id", job.ID, "kind", job.Kind, "error", runErr)
		}
		if err := s.store.RecordResult(ctx, job, ok); err != nil {
			slog.Error("Recording job result failed", "job_id", job.ID, "error", err)
		}
	}
}

// runJob dispatches by kind: user payloads run as allowlisted shell commands,
// agent payloads are parsed as plans and routed to the planner — never to a
// raw shell.
func (s *Scheduler) runJob(ctx context.Context, job *models.CronJob) error {
	switch job.Kind {
	case models.JobKindUser:
		return s.runShellJob(ctx, job)
	case models.JobKindAgent:
		return s.runPlanJob(ctx, job)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func (s *Scheduler) runShellJob(ctx context.Context, job *models.CronJob) error {
	fields := strings.Fields(job.Payload)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty shell payload", ErrBadPayload)
	}
	entity := job.EntityID
	if entity == "" {
		entity = "system:cron"
	}

	res, err := s.registry.Execute(ctx, &tools.Call{
		ID:   job.ID,
		Name: "shell",
		Args: map[string]any{"command": fields[0], "args": toAny(fields[1:])},
	}, &tools.Context{
		EntityID:  entity,
		Workspace: s.workspace,
		Autonomy:  s.policy.Level(),
	}, tools.AutoDenyBroker{})
	if err != nil {
		return err
	}
	if res.IsError {
		return fmt.Errorf("shell job: %s", res.Output)
	}
	return nil
}

func (s *Scheduler) runPlanJob(ctx context.Context, job *models.CronJob) error {
	planJSON := strings.TrimPrefix(job.Payload, PlanPayloadPrefix)
	plan, err := planner.Parse(planJSON, job.EntityID)
	if err != nil {
		return fmt.Errorf("agent job plan: %w", err)
	}

	var executionID string
	if s.planStore != nil {
		executionID, err = s.planStore.Begin(ctx, job.ID, plan)
		if err != nil {
			return err
		}
	}

	report, execErr := s.executor.Execute(ctx, plan)
	if s.planStore != nil && executionID != "" {
		if err := s.planStore.Finish(ctx, executionID, report); err != nil {
			slog.Error("Recording plan execution failed", "execution_id", executionID, "error", err)
		}
	}
	if execErr != nil {
		return execErr
	}
	if !report.Succeeded() {
		return fmt.Errorf("plan finished with %d failed, %d skipped steps", report.Failed, report.Skipped)
	}
	return nil
}

// EnqueueSelfTask implements the agent loop's SelfTaskQueue. Over-cap
// enqueues are rejected.
func (s *Scheduler) EnqueueSelfTask(ctx context.Context, entityID string, task guard.SelfTask) error {
	pending, err := s.store.PendingSelfTasks(ctx, entityID)
	if err != nil {
		return err
	}
	if pending >= s.maxPending {
		return fmt.Errorf("%w: %d pending for %s", ErrSelfTaskCapReached, pending, entityID)
	}

	var expires *time.Time
	if task.ExpiresAt != "" {
		if ts, err := time.Parse(time.RFC3339, task.ExpiresAt); err == nil {
			expires = &ts
		}
	}

	return s.store.Add(ctx, &models.CronJob{
		Kind:        models.JobKindAgent,
		Origin:      "reflection",
		EntityID:    entityID,
		Payload:     PlanPayloadPrefix + task.PlanJSON,
		MaxAttempts: 3,
		ExpiresAt:   expires,
	})
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
