// Package agent orchestrates one conversation turn: memory enrichment, the
// provider tool loop, post-turn inference extraction, and optional persona
// reflection.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haru0416-dev/asteroniris/pkg/guard"
	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/metrics"
	"github.com/haru0416-dev/asteroniris/pkg/models"
	"github.com/haru0416-dev/asteroniris/pkg/policy"
	"github.com/haru0416-dev/asteroniris/pkg/provider"
	"github.com/haru0416-dev/asteroniris/pkg/tools"
)

// DefaultMaxIterations is the hard cap on tool iterations per turn.
const DefaultMaxIterations = 25

// LoopStatus is the terminal state of a turn.
type LoopStatus string

// Loop statuses.
const (
	LoopCompleted      LoopStatus = "completed"
	LoopMaxIterations  LoopStatus = "max_iterations"
	LoopRateLimited    LoopStatus = "rate_limited"
	LoopError          LoopStatus = "error"
	LoopApprovalDenied LoopStatus = "approval_denied"
)

// SelfTaskQueue enqueues reflection-proposed self-tasks. The scheduler
// enforces the per-entity pending cap.
type SelfTaskQueue interface {
	EnqueueSelfTask(ctx context.Context, entityID string, task guard.SelfTask) error
}

// PersonaStore applies validated persona writebacks.
type PersonaStore interface {
	Apply(ctx context.Context, w *guard.Writeback) error
}

// TurnInput describes one inbound message.
type TurnInput struct {
	EntityID     string
	Channel      string
	Message      string
	System       string
	Autonomy     models.AutonomyLevel
	AllowedTools []string
	Workspace    string
	Temperature  float64
	TenantScoped bool
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	Status    LoopStatus
	Reply     string
	ToolCalls []models.ToolCallRecord
	Err       string
}

// Loop drives turns. Loops are transient per turn; the shared handles
// (memory, provider, registry, policy) are borrowed by reference.
type Loop struct {
	Provider      provider.Provider
	Registry      *tools.Registry
	Memory        memory.Backend
	Broker        tools.ApprovalBroker
	Guard         *guard.Guard
	Policy        *policy.Policy
	SelfTasks     SelfTaskQueue
	Persona       PersonaStore
	Metrics       *metrics.Metrics
	MaxIterations int
}

// tokensPerCent approximates provider pricing for the daily cost budget:
// one cent buys roughly this many tokens.
const tokensPerCent = 2000

// RunTurn executes one full turn.
func (l *Loop) RunTurn(ctx context.Context, in *TurnInput) *TurnResult {
	start := time.Now()
	result := l.runTurn(ctx, in)
	if l.Metrics != nil {
		l.Metrics.AgentTurnsTotal.WithLabelValues(string(result.Status)).Inc()
		l.Metrics.AgentTurnSeconds.Observe(time.Since(start).Seconds())
	}
	return result
}

func (l *Loop) runTurn(ctx context.Context, in *TurnInput) *TurnResult {
	maxIter := l.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	log := slog.With("entity", in.EntityID, "channel", in.Channel)

	// 1. Context enrichment: phased recall, concatenated as a trusted prefix.
	system := in.System
	if prefix := l.recallPrefix(ctx, in); prefix != "" {
		if system != "" {
			system += "\n\n"
		}
		system += prefix
	}

	messages := []provider.Message{{Role: provider.RoleUser, Content: in.Message}}
	specs := l.toolSpecs(in.AllowedTools)
	temperature := ClampTemperature(in.Autonomy, in.Temperature)

	tc := &tools.Context{
		EntityID:     in.EntityID,
		Workspace:    in.Workspace,
		Autonomy:     in.Autonomy,
		AllowedTools: in.AllowedTools,
		Channel:      in.Channel,
		TenantScoped: in.TenantScoped,
	}

	result := &TurnResult{}

	// 2. Tool loop: iterate until the model stops asking for tools.
	for iteration := 0; iteration < maxIter; iteration++ {
		resp, err := l.Provider.Complete(ctx, &provider.Request{
			System:      system,
			Messages:    messages,
			Tools:       specs,
			Temperature: temperature,
		})
		if err != nil {
			result.Status = LoopError
			result.Err = err.Error()
			log.Error("Provider call failed", "iteration", iteration, "error", err)
			return result
		}

		// Charge provider spend against the entity's daily budget.
		if l.Policy != nil {
			cents := (resp.Usage.InputTokens + resp.Usage.OutputTokens + tokensPerCent - 1) / tokensPerCent
			if d := l.Policy.RecordCost(in.EntityID, cents); !d.Allowed {
				result.Status = LoopRateLimited
				result.Reply = "Daily cost budget is exhausted; try again tomorrow."
				result.Err = d.Reason
				return result
			}
		}

		if resp.StopReason != provider.StopToolUse || len(resp.ToolCalls) == 0 {
			result.Status = LoopCompleted
			result.Reply = resp.Text

			// 3. Post-turn inference: parse markers from the final text.
			l.appendInferences(ctx, in.EntityID, resp.Text)
			return result
		}

		messages = append(messages, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		// Tools execute sequentially within a turn, never in parallel.
		for _, call := range resp.ToolCalls {
			res, execErr := l.Registry.Execute(ctx, &tools.Call{
				ID: call.ID, Name: call.Name, Args: call.Args,
			}, tc, l.Broker)

			record := models.ToolCallRecord{
				Tool:      call.Name,
				Args:      fmt.Sprintf("%v", call.Args),
				Iteration: iteration,
			}

			if execErr != nil && execErr != tools.ErrApprovalDenied {
				record.Error = execErr.Error()
				record.IsError = true
				result.ToolCalls = append(result.ToolCalls, record)
				result.Status = LoopError
				result.Err = execErr.Error()
				return result
			}
			if execErr == tools.ErrApprovalDenied {
				record.Error = execErr.Error()
				record.IsError = true
				result.ToolCalls = append(result.ToolCalls, record)
				result.Status = LoopApprovalDenied
				result.Reply = "The requested action was not approved."
				return result
			}
			if res.IsError && isRateLimit(res.Output) {
				record.Error = res.Output
				record.IsError = true
				result.ToolCalls = append(result.ToolCalls, record)
				result.Status = LoopRateLimited
				result.Reply = "Action budget for this hour is exhausted; try again later."
				return result
			}

			record.Output = res.Output
			record.IsError = res.IsError
			result.ToolCalls = append(result.ToolCalls, record)

			messages = append(messages, provider.Message{
				Role:       provider.RoleTool,
				Content:    res.Output,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				IsError:    res.IsError,
			})
		}
	}

	result.Status = LoopMaxIterations
	result.Reply = "I hit the tool iteration limit before finishing. Partial progress was recorded."
	log.Warn("Turn hit iteration cap", "cap", maxIter)
	return result
}

// recallPrefix renders phased recall into the trusted prompt prefix.
func (l *Loop) recallPrefix(ctx context.Context, in *TurnInput) string {
	if l.Memory == nil {
		return ""
	}
	phased, err := l.Memory.RecallPhased(ctx, memory.RecallQuery{
		EntityID: in.EntityID,
		Query:    in.Message,
		Limit:    8,
	})
	if err != nil {
		slog.Warn("Phased recall failed, continuing without context", "error", err)
		return ""
	}

	var b strings.Builder
	writeSection := func(title string, items []memory.RecallItem) {
		if len(items) == 0 {
			return
		}
		b.WriteString(title + "\n")
		for _, item := range items {
			fmt.Fprintf(&b, "- %s: %s\n", item.Unit.SlotKey, item.Unit.Content)
		}
	}
	writeSection("Known beliefs about this entity:", phased.Entity)
	writeSection("Recent trends:", phased.RecentTrends)
	writeSection("Open contradictions:", phased.Contradictions)
	writeSection("Relevant memory:", phased.Synthesis)

	if b.Len() == 0 {
		return ""
	}
	return "Context from memory (trusted, internally curated):\n" + b.String()
}

func (l *Loop) toolSpecs(allowed []string) []provider.ToolSpec {
	if l.Registry == nil {
		return nil
	}
	defs := l.Registry.Definitions(allowed)
	specs := make([]provider.ToolSpec, len(defs))
	for i, d := range defs {
		specs[i] = provider.ToolSpec{Name: d.Name, Description: d.Description, Schema: d.Schema}
	}
	return specs
}

// appendInferences parses marker lines from the assistant text and appends
// validated ones as inference events. Malformed markers are discarded.
func (l *Loop) appendInferences(ctx context.Context, entityID, text string) {
	if l.Memory == nil {
		return
	}
	inputs := ParseMarkers(entityID, text)
	if len(inputs) == 0 {
		return
	}
	if _, err := l.Memory.AppendInferenceEvents(ctx, inputs); err != nil {
		slog.Warn("Appending inference events failed", "error", err)
	}
}

func isRateLimit(output string) bool {
	return strings.Contains(output, "rate limited")
}

// NewTurnID issues a fresh id for turn-scoped records.
func NewTurnID() string { return uuid.NewString() }
