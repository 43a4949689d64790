package models

import "time"

// StepAction identifies what executing a plan step means.
type StepAction string

// Step actions.
const (
	StepToolCall   StepAction = "tool_call"
	StepPrompt     StepAction = "prompt"
	StepCheckpoint StepAction = "checkpoint"
)

// StepStatus is the execution status of a plan step.
type StepStatus string

// Step statuses.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// PlanStep is one node of a plan DAG.
type PlanStep struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Action      StepAction `json:"action"`
	Tool        string     `json:"tool,omitempty"`
	Args        string     `json:"args,omitempty"`
	Prompt      string     `json:"prompt,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
	Status      StepStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Plan is a DAG of steps proposed by the agent and executed by the planner.
type Plan struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	EntityID    string     `json:"entity_id"`
	Steps       []PlanStep `json:"steps"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ExecutionStatus is the status of a persisted plan execution.
type ExecutionStatus string

// Plan execution statuses.
const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionRequeued  ExecutionStatus = "requeued"
)

// JobKind distinguishes operator-authored cron jobs from agent self-tasks.
type JobKind string

// Job kinds.
const (
	JobKindUser  JobKind = "user"
	JobKindAgent JobKind = "agent"
)

// JobStatus is the last recorded outcome of a scheduled job run.
type JobStatus string

// Job statuses.
const (
	JobStatusPending           JobStatus = "pending"
	JobStatusRunning           JobStatus = "running"
	JobStatusOK                JobStatus = "ok"
	JobStatusFailed            JobStatus = "failed"
	JobStatusExpired           JobStatus = "expired"
	JobStatusRetryLimitReached JobStatus = "retry_limit_reached"
)

// CronJob is a scheduled job. Agent-kind jobs carry a plan payload and are
// routed through the planner; user-kind jobs run allowlisted shell commands.
type CronJob struct {
	ID          string     `json:"id" db:"id"`
	Kind        JobKind    `json:"kind" db:"kind"`
	Origin      string     `json:"origin" db:"origin"`
	EntityID    string     `json:"entity_id" db:"entity_id"`
	Schedule    string     `json:"schedule" db:"schedule"`
	Payload     string     `json:"payload" db:"payload"`
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`
	Attempts    int        `json:"attempts" db:"attempts"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	NextRunAt   time.Time  `json:"next_run_at" db:"next_run_at"`
	LastStatus  JobStatus  `json:"last_status" db:"last_status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}
