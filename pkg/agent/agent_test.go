package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haru0416-dev/asteroniris/pkg/config"
	"github.com/haru0416-dev/asteroniris/pkg/defense"
	"github.com/haru0416-dev/asteroniris/pkg/guard"
	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/memory/sqlite"
	"github.com/haru0416-dev/asteroniris/pkg/models"
	"github.com/haru0416-dev/asteroniris/pkg/policy"
	"github.com/haru0416-dev/asteroniris/pkg/provider"
	"github.com/haru0416-dev/asteroniris/pkg/scrub"
	"github.com/haru0416-dev/asteroniris/pkg/tools"
)

// scriptedProvider returns queued responses in order.
type scriptedProvider struct {
	responses []*provider.Response
	err       error
	calls     int
	requests  []*provider.Request
}

func (p *scriptedProvider) Name() string              { return "scripted" }
func (p *scriptedProvider) SupportsToolCalling() bool { return true }
func (p *scriptedProvider) SupportsStreaming() bool   { return false }
func (p *scriptedProvider) SupportsVision() bool      { return false }

func (p *scriptedProvider) Chat(ctx context.Context, prompt string) (string, error) {
	resp, err := p.Complete(ctx, &provider.Request{Messages: []provider.Message{{Role: provider.RoleUser, Content: prompt}}})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (p *scriptedProvider) ChatWithSystem(ctx context.Context, system, prompt string) (string, error) {
	return p.Chat(ctx, prompt)
}

func (p *scriptedProvider) Complete(_ context.Context, req *provider.Request) (*provider.Response, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if p.calls >= len(p.responses) {
		return &provider.Response{Text: "done", StopReason: provider.StopEndTurn}, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) Stream(context.Context, *provider.Request) (<-chan provider.StreamEvent, error) {
	return nil, errors.New("not supported")
}

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echo" }
func (echoTool) ParametersSchema() string {
	return `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`
}
func (echoTool) Execute(_ context.Context, args map[string]any, _ *tools.Context) (*tools.Result, error) {
	text, _ := args["text"].(string)
	return &tools.Result{Output: text}, nil
}

func newTestLoop(t *testing.T, p provider.Provider, maxActions int) (*Loop, *sqlite.Store) {
	t.Helper()
	ws := t.TempDir()

	store, err := sqlite.New(context.Background(), sqlite.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pol := policy.New(config.AutonomyConfig{
		Level:             "full",
		AllowedCommands:   config.DefaultAllowedCommands(),
		MaxActionsPerHour: maxActions,
		MaxCostPerDay:     1000,
	})
	ledger, err := tools.NewAuditLedger(ws)
	require.NoError(t, err)

	reg := tools.NewRegistry(tools.DefaultChain(pol, ledger, defense.New(defense.ModeEnforce), scrub.New(), 0)...)
	require.NoError(t, reg.Register(echoTool{}))

	return &Loop{
		Provider: p,
		Registry: reg,
		Memory:   store,
		Broker:   tools.AutoApproveBroker{},
		Guard:    guard.New(),
	}, store
}

func turnInput(ws string) *TurnInput {
	return &TurnInput{
		EntityID:  "user:42",
		Channel:   "test",
		Message:   "hello there",
		Autonomy:  models.AutonomyFull,
		Workspace: ws,
	}
}

func TestRunTurnCompletesWithoutTools(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		{Text: "hi!", StopReason: provider.StopEndTurn},
	}}
	loop, _ := newTestLoop(t, p, 100)

	res := loop.RunTurn(context.Background(), turnInput(t.TempDir()))
	assert.Equal(t, LoopCompleted, res.Status)
	assert.Equal(t, "hi!", res.Reply)
	assert.Empty(t, res.ToolCalls)
}

func TestRunTurnExecutesToolLoop(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		{
			StopReason: provider.StopToolUse,
			ToolCalls:  []provider.ToolCall{{ID: "t1", Name: "echo", Args: map[string]any{"text": "ping"}}},
		},
		{Text: "echoed fine", StopReason: provider.StopEndTurn},
	}}
	loop, _ := newTestLoop(t, p, 100)

	res := loop.RunTurn(context.Background(), turnInput(t.TempDir()))
	require.Equal(t, LoopCompleted, res.Status)
	assert.Equal(t, "echoed fine", res.Reply)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "echo", res.ToolCalls[0].Tool)

	// The tool result was framed before going back to the model.
	require.GreaterOrEqual(t, len(p.requests), 2)
	last := p.requests[len(p.requests)-1]
	found := false
	for _, m := range last.Messages {
		if m.Role == provider.RoleTool {
			assert.Contains(t, m.Content, "[[external-content:tool_result:echo]]")
			found = true
		}
	}
	assert.True(t, found, "tool result message present in follow-up request")
}

func TestRunTurnMaxIterations(t *testing.T) {
	// Provider always asks for another tool call.
	toolResp := &provider.Response{
		StopReason: provider.StopToolUse,
		ToolCalls:  []provider.ToolCall{{ID: "t", Name: "echo", Args: map[string]any{"text": "again"}}},
	}
	responses := make([]*provider.Response, 30)
	for i := range responses {
		responses[i] = toolResp
	}
	p := &scriptedProvider{responses: responses}
	loop, _ := newTestLoop(t, p, 1000)
	loop.MaxIterations = 3

	res := loop.RunTurn(context.Background(), turnInput(t.TempDir()))
	assert.Equal(t, LoopMaxIterations, res.Status)
	assert.Len(t, res.ToolCalls, 3)
}

func TestRunTurnRateLimited(t *testing.T) {
	toolResp := &provider.Response{
		StopReason: provider.StopToolUse,
		ToolCalls:  []provider.ToolCall{{ID: "t", Name: "echo", Args: map[string]any{"text": "x"}}},
	}
	p := &scriptedProvider{responses: []*provider.Response{toolResp, toolResp, toolResp}}
	loop, _ := newTestLoop(t, p, 1)

	res := loop.RunTurn(context.Background(), turnInput(t.TempDir()))
	assert.Equal(t, LoopRateLimited, res.Status)
}

func TestRunTurnCostBudgetExceeded(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		{Text: "hi", StopReason: provider.StopEndTurn, Usage: provider.Usage{InputTokens: 900_000, OutputTokens: 900_000}},
	}}
	loop, _ := newTestLoop(t, p, 100)
	loop.Policy = policy.New(config.AutonomyConfig{
		Level:             "full",
		AllowedCommands:   config.DefaultAllowedCommands(),
		MaxActionsPerHour: 100,
		MaxCostPerDay:     10, // the 1.8M-token turn costs far more
	})

	res := loop.RunTurn(context.Background(), turnInput(t.TempDir()))
	assert.Equal(t, LoopRateLimited, res.Status)
	assert.Contains(t, res.Err, "cost exceeded")
}

func TestRunTurnProviderError(t *testing.T) {
	p := &scriptedProvider{err: errors.New("network down")}
	loop, _ := newTestLoop(t, p, 100)

	res := loop.RunTurn(context.Background(), turnInput(t.TempDir()))
	assert.Equal(t, LoopError, res.Status)
	assert.Contains(t, res.Err, "network down")
}

func TestRunTurnAppendsInferenceMarkers(t *testing.T) {
	p := &scriptedProvider{responses: []*provider.Response{
		{
			Text: "Noted.\nINFERRED_CLAIM: {\"slot_key\": \"pref.topic\", \"value\": \"go\", \"confidence\": 0.9}\n" +
				"INFERRED_CLAIM: not json at all\n",
			StopReason: provider.StopEndTurn,
		},
	}}
	loop, store := newTestLoop(t, p, 100)

	res := loop.RunTurn(context.Background(), turnInput(t.TempDir()))
	require.Equal(t, LoopCompleted, res.Status)

	belief, err := store.ResolveSlot(context.Background(), "user:42", "pref.topic")
	require.NoError(t, err)
	assert.Equal(t, "go", belief.Value)
	assert.Equal(t, models.SourceInferred, belief.Source)
	// Marker confidence is capped at the inference ceiling.
	assert.LessOrEqual(t, belief.Confidence, memory.InferenceConfidenceCap)
}

func TestParseMarkersDiscardsMalformed(t *testing.T) {
	inputs := ParseMarkers("user:1", `
INFERRED_CLAIM: {"slot_key": "a.b", "value": "v"}
INFERRED_CLAIM: {"value": "missing slot"}
CONTRADICTION_EVENT: {"slot_key": "a.c", "value": "w", "confidence": 0.4}
INFERRED_CLAIM: {broken
`)
	require.Len(t, inputs, 2)
	assert.Equal(t, models.EventInferredClaim, inputs[0].Kind)
	assert.Equal(t, models.EventContradictionMark, inputs[1].Kind)
}

func TestClampTemperature(t *testing.T) {
	assert.InDelta(t, 0.6, ClampTemperature(models.AutonomyFull, 1.5), 1e-9)
	assert.InDelta(t, 0.1, ClampTemperature(models.AutonomyFull, 0.0), 1e-9)
	assert.InDelta(t, 0.7, ClampTemperature(models.AutonomySupervised, 0.7), 1e-9)
	assert.InDelta(t, 1.0, ClampTemperature(models.AutonomySupervised, 1.4), 1e-9)
}
