package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haru0416-dev/asteroniris/pkg/guard"
	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

const reflectionSystem = `You maintain the assistant's working self-state.
Given the conversation below, reply with ONLY a JSON object (no prose) with
any of these optional fields:
  current_objective (string, <=280 chars)
  open_loops (array of strings)
  next_actions (array of strings)
  commitments (array of strings)
  context_summary (string, <=1200 chars)
  memory_items (array of {slot_key, value, confidence})
  self_tasks (array of {description, plan, expires_at})
Omit fields you would not change. Do not include identity fields.`

// Reflect runs the optional post-turn reflection call: a second provider
// call whose only job is a persona writeback proposal, validated by the
// Writeback Guard and applied atomically — a rejected writeback applies
// nothing.
func (l *Loop) Reflect(ctx context.Context, in *TurnInput, reply string) error {
	if l.Persona == nil || l.Guard == nil {
		return nil
	}

	prompt := fmt.Sprintf("User (%s): %s\n\nAssistant: %s", in.EntityID, in.Message, reply)
	raw, err := l.Provider.ChatWithSystem(ctx, reflectionSystem, prompt)
	if err != nil {
		return fmt.Errorf("reflection call: %w", err)
	}

	payload := extractJSON(raw)
	if payload == "" {
		slog.Debug("Reflection produced no JSON, skipping")
		return nil
	}

	var w guard.Writeback
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		slog.Warn("Reflection writeback is not valid JSON, discarding", "error", err)
		return nil
	}

	if err := l.Guard.Validate(&w); err != nil {
		slog.Warn("Reflection writeback rejected", "reason", err)
		return fmt.Errorf("writeback rejected: %w", err)
	}

	// Self-tasks enqueue first: if the queue cap rejects them, nothing else
	// from this writeback applies (never half-apply).
	if l.SelfTasks != nil {
		for _, task := range w.SelfTasks {
			if err := l.SelfTasks.EnqueueSelfTask(ctx, in.EntityID, task); err != nil {
				slog.Warn("Self-task enqueue rejected, discarding writeback", "error", err)
				return fmt.Errorf("self-task rejected: %w", err)
			}
		}
	}

	if err := l.Persona.Apply(ctx, &w); err != nil {
		return fmt.Errorf("persona apply: %w", err)
	}

	// Memory items ride the normal inference path with capped confidence.
	if l.Memory != nil && len(w.MemoryItems) > 0 {
		inputs := make([]memory.AppendInput, 0, len(w.MemoryItems))
		for _, item := range w.MemoryItems {
			inputs = append(inputs, memory.AppendInput{
				EntityID:   in.EntityID,
				SlotKey:    item.SlotKey,
				Value:      item.Value,
				Confidence: item.Confidence,
				Importance: item.Importance,
				Layer:      models.LayerSemantic,
			})
		}
		if _, err := l.Memory.AppendInferenceEvents(ctx, inputs); err != nil {
			slog.Warn("Reflection memory items failed to append", "error", err)
		}
	}
	return nil
}

// extractJSON pulls the first top-level JSON object out of model text that
// may wrap it in code fences or prose.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}
