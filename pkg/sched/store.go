// Package sched owns cron jobs and the agent self-task queue. User-kind jobs
// run allowlisted shell commands through the security policy; agent-kind jobs
// carry plan payloads and only ever execute through the planner.
package sched

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Sentinel errors.
var (
	ErrSelfTaskCapReached = errors.New("pending self-task cap reached")
	ErrBadSchedule        = errors.New("invalid cron expression")
	ErrBadPayload         = errors.New("invalid job payload")
)

// DefaultMaxPendingSelfTasks bounds pending agent jobs per entity.
const DefaultMaxPendingSelfTasks = 5

// PlanPayloadPrefix marks agent-kind payloads; the remainder is plan JSON.
const PlanPayloadPrefix = "plan:"

// Store persists jobs in brain.db.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore wraps the shared brain.db handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

type jobRow struct {
	ID          string     `db:"id"`
	Kind        string     `db:"kind"`
	Origin      string     `db:"origin"`
	EntityID    string     `db:"entity_id"`
	Schedule    string     `db:"schedule"`
	Payload     string     `db:"payload"`
	MaxAttempts int        `db:"max_attempts"`
	Attempts    int        `db:"attempts"`
	ExpiresAt   *time.Time `db:"expires_at"`
	NextRunAt   time.Time  `db:"next_run_at"`
	LastStatus  string     `db:"last_status"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (r *jobRow) toModel() *models.CronJob {
	return &models.CronJob{
		ID: r.ID, Kind: models.JobKind(r.Kind), Origin: r.Origin, EntityID: r.EntityID,
		Schedule: r.Schedule, Payload: r.Payload, MaxAttempts: r.MaxAttempts,
		Attempts: r.Attempts, ExpiresAt: r.ExpiresAt, NextRunAt: r.NextRunAt,
		LastStatus: models.JobStatus(r.LastStatus), CreatedAt: r.CreatedAt,
	}
}

// Add validates and inserts a job. Recurring jobs need a parseable cron
// expression; one-shot jobs (empty schedule) run at the next tick.
// max_attempts=0 normalizes to 1.
func (s *Store) Add(ctx context.Context, job *models.CronJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Kind == models.JobKindAgent && !strings.HasPrefix(job.Payload, PlanPayloadPrefix) {
		return fmt.Errorf("%w: agent jobs must carry a %q payload", ErrBadPayload, PlanPayloadPrefix)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}

	now := s.now().UTC()
	next := now
	if job.Schedule != "" {
		schedule, err := cron.ParseStandard(job.Schedule)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrBadSchedule, job.Schedule, err)
		}
		next = schedule.Next(now)
	}
	job.NextRunAt = next
	job.CreatedAt = now
	if job.LastStatus == "" {
		job.LastStatus = models.JobStatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (id, kind, origin, entity_id, schedule, payload,
			max_attempts, attempts, expires_at, next_run_at, last_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), job.Origin, job.EntityID, job.Schedule, job.Payload,
		job.MaxAttempts, job.ExpiresAt, job.NextRunAt, string(job.LastStatus), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("add job: %w", err)
	}
	return nil
}

// Remove deletes a job by id.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	return err
}

// List returns all jobs ordered by next run.
func (s *Store) List(ctx context.Context) ([]*models.CronJob, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM cron_jobs ORDER BY next_run_at`); err != nil {
		return nil, err
	}
	jobs := make([]*models.CronJob, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toModel()
	}
	return jobs, nil
}

// Due returns jobs whose next run has arrived and which are not terminal.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*models.CronJob, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM cron_jobs
		WHERE next_run_at <= ?
		  AND last_status NOT IN (?, ?)
		ORDER BY next_run_at`,
		now, string(models.JobStatusRetryLimitReached), string(models.JobStatusExpired))
	if err != nil {
		return nil, err
	}
	jobs := make([]*models.CronJob, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toModel()
	}
	return jobs, nil
}

// PendingSelfTasks counts non-terminal agent jobs for an entity.
func (s *Store) PendingSelfTasks(ctx context.Context, entityID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM cron_jobs
		WHERE kind = ? AND entity_id = ?
		  AND last_status IN (?, ?, ?)`,
		string(models.JobKindAgent), entityID,
		string(models.JobStatusPending), string(models.JobStatusRunning), string(models.JobStatusFailed))
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RecordResult updates a job after one execution attempt. Failures below the
// attempt budget reschedule; at budget the job is terminal with
// retry_limit_reached. Successful recurring jobs reschedule; successful
// one-shot jobs are removed.
func (s *Store) RecordResult(ctx context.Context, job *models.CronJob, ok bool) error {
	now := s.now().UTC()
	job.Attempts++

	if ok {
		job.LastStatus = models.JobStatusOK
		if job.Schedule == "" {
			return s.Remove(ctx, job.ID)
		}
		schedule, err := cron.ParseStandard(job.Schedule)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrBadSchedule, job.Schedule)
		}
		job.Attempts = 0
		job.NextRunAt = schedule.Next(now)
		return s.update(ctx, job)
	}

	if job.Attempts >= job.MaxAttempts {
		job.LastStatus = models.JobStatusRetryLimitReached
		return s.update(ctx, job)
	}
	job.LastStatus = models.JobStatusFailed
	// Linear retry spacing; the attempt budget bounds total work.
	job.NextRunAt = now.Add(time.Duration(job.Attempts) * time.Minute)
	return s.update(ctx, job)
}

func (s *Store) update(ctx context.Context, job *models.CronJob) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET attempts = ?, next_run_at = ?, last_status = ?
		WHERE id = ?`,
		job.Attempts, job.NextRunAt, string(job.LastStatus), job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// MarkRunning flags a job as in-flight.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET last_status = ? WHERE id = ?`,
		string(models.JobStatusRunning), id)
	return err
}

// HarvestExpired marks jobs past their expiry as expired and returns the
// count. Idempotent; called by the heartbeat.
func (s *Store) HarvestExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_jobs SET last_status = ?
		WHERE expires_at IS NOT NULL AND expires_at < ? AND last_status NOT IN (?, ?)`,
		string(models.JobStatusExpired), now,
		string(models.JobStatusExpired), string(models.JobStatusRetryLimitReached))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
