package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Store persists plan executions in brain.db so in-flight plans survive a
// restart.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps the shared brain.db handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Begin records a plan execution as running and returns the execution id.
func (s *Store) Begin(ctx context.Context, jobID string, plan *models.Plan) (string, error) {
	raw, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_executions (id, job_id, entity_id, status, plan_json, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, jobID, plan.EntityID, string(models.ExecutionRunning), string(raw), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("begin execution: %w", err)
	}
	return id, nil
}

// Finish records the terminal status of a plan execution.
func (s *Store) Finish(ctx context.Context, executionID string, report *Report) error {
	status := models.ExecutionCompleted
	if report.Failed > 0 {
		status = models.ExecutionFailed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE plan_executions SET status = ?, ended_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), executionID)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return nil
}

// RequeueInterrupted marks executions left running by a previous process as
// requeued and returns their owning job ids for idempotent re-enqueue. Called
// once at supervisor startup.
func (s *Store) RequeueInterrupted(ctx context.Context) ([]string, error) {
	var jobIDs []string
	if err := s.db.SelectContext(ctx, &jobIDs, `
		SELECT job_id FROM plan_executions
		WHERE status = ? AND job_id <> ''`, string(models.ExecutionRunning)); err != nil {
		return nil, fmt.Errorf("list interrupted: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE plan_executions SET status = ?, ended_at = ? WHERE status = ?`,
		string(models.ExecutionRequeued), time.Now().UTC(), string(models.ExecutionRunning))
	if err != nil {
		return nil, fmt.Errorf("requeue interrupted: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("Requeued interrupted plan executions", "count", n)
	}
	return jobIDs, nil
}
