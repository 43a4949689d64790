// Package guard validates self-produced updates to persona state and memory
// that originate from the LLM. Validation is all-or-nothing: the first
// violation rejects the whole writeback with a structured reason.
package guard

import (
	"fmt"
	"strings"
	"time"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Writeback caps.
const (
	MaxMemoryItems    = 8
	MaxSelfTasks      = 5
	MaxSelfTaskExpiry = 72 * time.Hour
	MaxClockSkew      = 5 * time.Minute
)

// Violation is a structured writeback rejection.
type Violation struct {
	Field  string
	Reason string
}

// Error implements error.
func (v *Violation) Error() string {
	return fmt.Sprintf("writeback rejected: %s: %s", v.Field, v.Reason)
}

func reject(field, reason string, args ...any) *Violation {
	return &Violation{Field: field, Reason: fmt.Sprintf(reason, args...)}
}

// MemoryItem is one memory writeback proposed by the model.
type MemoryItem struct {
	SlotKey    string  `json:"slot_key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Importance float64 `json:"importance"`
	Layer      string  `json:"layer,omitempty"`
	SourceKind string  `json:"source_kind,omitempty"`
	SourceRef  string  `json:"source_ref,omitempty"`
	Timestamp  string  `json:"timestamp,omitempty"`
}

// SelfTask is a plan-backed task the model proposes to schedule for itself.
type SelfTask struct {
	Description string `json:"description"`
	PlanJSON    string `json:"plan"`
	ExpiresAt   string `json:"expires_at"`
}

// Writeback is a reflection payload: persona updates plus optional memory
// items and self-tasks.
type Writeback struct {
	// Persona mutable fields. Nil pointer means "leave unchanged".
	CurrentObjective *string  `json:"current_objective,omitempty"`
	OpenLoops        []string `json:"open_loops,omitempty"`
	NextActions      []string `json:"next_actions,omitempty"`
	Commitments      []string `json:"commitments,omitempty"`
	ContextSummary   *string  `json:"context_summary,omitempty"`

	// Persona immutable fields. Any non-zero value is a violation: only the
	// initial seed writes identity.
	SchemaVersion  int    `json:"schema_version,omitempty"`
	PrinciplesHash string `json:"principles_hash,omitempty"`
	SafetyPosture  string `json:"safety_posture,omitempty"`

	MemoryItems []MemoryItem `json:"memory_items,omitempty"`
	SelfTasks   []SelfTask   `json:"self_tasks,omitempty"`
}

// poisonPatterns are prompt-injection phrases that must never be persisted
// into persona state or memory. Matched after homoglyph folding and
// whitespace collapsing.
var poisonPatterns = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard previous instructions",
	"system prompt",
	"override safety",
	"override your safety",
	"exfiltrate",
	"you are now",
	"new instructions:",
}

// homoglyphFold maps common unicode lookalikes onto their ASCII targets so
// "іgnore" (Cyrillic і) cannot slip past the poison scan.
var homoglyphFold = strings.NewReplacer(
	"а", "a", "е", "e", "і", "i", "о", "o", "р", "p", "ѕ", "s", "с", "c",
	"А", "a", "Е", "e", "І", "i", "О", "o", "Р", "p", "С", "c",
	" ", " ", "​", "", "‌", "", "‍", "", "﻿", "",
)

// Guard validates writebacks. The clock is injectable for tests.
type Guard struct {
	now func() time.Time
}

// New creates a writeback guard.
func New() *Guard {
	return &Guard{now: time.Now}
}

// Validate checks a writeback against every rule and returns the first
// violation, or nil when the payload is safe to apply.
func (g *Guard) Validate(w *Writeback) error {
	if w == nil {
		return reject("payload", "empty writeback")
	}

	// Immutable persona fields: only the initial seed may write them.
	if w.SchemaVersion != 0 {
		return reject("schema_version", "immutable persona field")
	}
	if w.PrinciplesHash != "" {
		return reject("principles_hash", "immutable persona field")
	}
	if w.SafetyPosture != "" {
		return reject("safety_posture", "immutable persona field")
	}

	if w.CurrentObjective != nil {
		if len(*w.CurrentObjective) > models.MaxObjectiveLen {
			return reject("current_objective", "exceeds %d characters", models.MaxObjectiveLen)
		}
		if err := g.scanPoison("current_objective", *w.CurrentObjective); err != nil {
			return err
		}
	}
	if w.ContextSummary != nil {
		if len(*w.ContextSummary) > models.MaxContextSummaryLen {
			return reject("context_summary", "exceeds %d characters", models.MaxContextSummaryLen)
		}
		if err := g.scanPoison("context_summary", *w.ContextSummary); err != nil {
			return err
		}
	}
	for _, group := range []struct {
		field string
		items []string
	}{
		{"open_loops", w.OpenLoops},
		{"next_actions", w.NextActions},
		{"commitments", w.Commitments},
	} {
		for _, item := range group.items {
			if err := g.scanPoison(group.field, item); err != nil {
				return err
			}
		}
	}

	if len(w.MemoryItems) > MaxMemoryItems {
		return reject("memory_items", "%d items exceeds cap %d", len(w.MemoryItems), MaxMemoryItems)
	}
	for i, item := range w.MemoryItems {
		field := fmt.Sprintf("memory_items[%d]", i)
		if item.SourceKind != "" || item.SourceRef != "" {
			return reject(field, "source identity may only be set by the ingestion pipeline")
		}
		if _, err := models.NormalizeSlotKey(item.SlotKey); err != nil {
			return reject(field, "%v", err)
		}
		if strings.TrimSpace(item.Value) == "" {
			return reject(field, "empty value")
		}
		if err := g.scanPoison(field, item.Value); err != nil {
			return err
		}
		if item.Timestamp != "" {
			if err := g.checkTimestamp(field, item.Timestamp, 0); err != nil {
				return err
			}
		}
	}

	if len(w.SelfTasks) > MaxSelfTasks {
		return reject("self_tasks", "%d tasks exceeds cap %d", len(w.SelfTasks), MaxSelfTasks)
	}
	for i, task := range w.SelfTasks {
		field := fmt.Sprintf("self_tasks[%d]", i)
		if strings.TrimSpace(task.PlanJSON) == "" {
			return reject(field, "missing plan payload")
		}
		if err := g.scanPoison(field, task.Description); err != nil {
			return err
		}
		if task.ExpiresAt == "" {
			return reject(field, "missing expiry")
		}
		if err := g.checkTimestamp(field, task.ExpiresAt, MaxSelfTaskExpiry); err != nil {
			return err
		}
	}

	return nil
}

// scanPoison rejects text containing injection phrases, including unicode
// homoglyph variants.
func (g *Guard) scanPoison(field, text string) error {
	folded := strings.ToLower(homoglyphFold.Replace(text))
	folded = strings.Join(strings.Fields(folded), " ")
	for _, pat := range poisonPatterns {
		if strings.Contains(folded, pat) {
			return reject(field, "poison pattern %q", pat)
		}
	}
	return nil
}

// checkTimestamp enforces RFC3339 form and bounds. maxFuture > 0 additionally
// requires the timestamp to be in the future but within the horizon; zero
// means the timestamp must not be in the future beyond small skew.
func (g *Guard) checkTimestamp(field, value string, maxFuture time.Duration) error {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return reject(field, "timestamp %q is not RFC3339", value)
	}
	now := g.now()
	if maxFuture > 0 {
		if ts.Before(now) {
			return reject(field, "expiry %q is in the past", value)
		}
		if ts.After(now.Add(maxFuture)) {
			return reject(field, "expiry %q is more than %s ahead", value, maxFuture)
		}
		return nil
	}
	if ts.After(now.Add(MaxClockSkew)) {
		return reject(field, "timestamp %q is in the future", value)
	}
	return nil
}
