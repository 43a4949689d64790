// Package planner parses JSON plan proposals into validated DAGs and executes
// them in topological order. Agent self-tasks only ever run through this
// path, never as raw shell.
package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Sentinel errors.
var (
	ErrMalformedPlan  = errors.New("malformed plan JSON")
	ErrCyclicPlan     = errors.New("plan contains a dependency cycle")
	ErrUnknownStepRef = errors.New("plan step depends on an unknown step")
	ErrDuplicateStep  = errors.New("plan contains duplicate step ids")
)

// proposal is the wire shape of a plan proposal.
type proposal struct {
	Description string `json:"description"`
	Steps       []struct {
		ID          string   `json:"id"`
		Description string   `json:"description"`
		Action      string   `json:"action"`
		Tool        string   `json:"tool,omitempty"`
		Args        json.RawMessage `json:"args,omitempty"`
		Prompt      string   `json:"prompt,omitempty"`
		DependsOn   []string `json:"depends_on,omitempty"`
		MaxAttempts int      `json:"max_attempts,omitempty"`
	} `json:"steps"`
}

// Parse converts a JSON plan proposal into a validated Plan. The DAG is
// checked for unresolved references and cycles; max_attempts=0 normalizes
// to 1.
func Parse(raw string, entityID string) (*models.Plan, error) {
	var p proposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrMalformedPlan)
	}

	plan := &models.Plan{
		ID:          uuid.NewString(),
		Description: p.Description,
		EntityID:    entityID,
		CreatedAt:   time.Now().UTC(),
	}

	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: step with empty id", ErrMalformedPlan)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStep, s.ID)
		}
		seen[s.ID] = true

		action := models.StepAction(s.Action)
		switch action {
		case models.StepToolCall, models.StepPrompt, models.StepCheckpoint:
		case "":
			action = models.StepPrompt
		default:
			return nil, fmt.Errorf("%w: unknown action %q", ErrMalformedPlan, s.Action)
		}

		attempts := s.MaxAttempts
		if attempts <= 0 {
			attempts = 1
		}

		plan.Steps = append(plan.Steps, models.PlanStep{
			ID:          s.ID,
			Description: s.Description,
			Action:      action,
			Tool:        s.Tool,
			Args:        string(s.Args),
			Prompt:      s.Prompt,
			DependsOn:   s.DependsOn,
			MaxAttempts: attempts,
			Status:      models.StepPending,
		})
	}

	// All depends_on references must resolve.
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("%w: %q → %q", ErrUnknownStepRef, s.ID, dep)
			}
		}
	}

	if err := checkAcyclic(plan.Steps); err != nil {
		return nil, err
	}
	return plan, nil
}

// checkAcyclic rejects plans whose dependency graph contains a cycle.
func checkAcyclic(steps []models.PlanStep) error {
	const (
		white = 0 // unvisited
		grey  = 1 // on stack
		black = 2 // done
	)
	color := make(map[string]int, len(steps))
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("%w: at step %q", ErrCyclicPlan, id)
		case black:
			return nil
		}
		color[id] = grey
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}
