// Package provider defines the unified LLM client contract and its
// implementations: the Anthropic Messages adapter, the OpenAI Chat
// Completions adapter, and the reliability wrapper that chains them with
// retry and fallback.
package provider

import (
	"context"
	"errors"
)

// Sentinel errors.
var (
	ErrRateLimited = errors.New("provider rate limited")
	ErrNoProviders = errors.New("no providers configured")
)

// StopReason is why a completion stopped.
type StopReason string

// Stop reasons.
const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopError     StopReason = "error"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation turn.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant messages
	ToolCallID string     // tool result messages
	ToolName   string     // tool result messages
	IsError    bool       // tool result messages
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      string // JSON Schema
}

// Request is a full completion request.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Model       string
	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a full completion response with metadata.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
	Model      string
}

// StreamEventKind tags streaming events.
type StreamEventKind string

// Streaming event kinds.
const (
	EventResponseStart    StreamEventKind = "response_start"
	EventTextDelta        StreamEventKind = "text_delta"
	EventToolCallDelta    StreamEventKind = "tool_call_delta"
	EventToolCallComplete StreamEventKind = "tool_call_complete"
	EventDone             StreamEventKind = "done"
)

// StreamEvent is one element of a streamed response. The channel closes after
// the Done event; errors arrive on the Done event.
type StreamEvent struct {
	Kind     StreamEventKind
	Text     string
	ToolCall *ToolCall
	Response *Response // set on Done
	Err      error     // set on Done when the stream failed
}

// Provider is the unified LLM client contract. Capability predicates let
// callers select providers without type switches.
type Provider interface {
	// Name identifies the provider in logs and error messages.
	Name() string

	// SupportsToolCalling reports native tool-use support.
	SupportsToolCalling() bool

	// SupportsStreaming reports streaming support.
	SupportsStreaming() bool

	// SupportsVision reports image-input support.
	SupportsVision() bool

	// Chat sends a single user prompt and returns the text reply.
	Chat(ctx context.Context, prompt string) (string, error)

	// ChatWithSystem sends a system + user prompt pair.
	ChatWithSystem(ctx context.Context, system, prompt string) (string, error)

	// Complete runs a full request (optionally tool-augmented) and returns
	// the response with metadata.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream runs a tool-augmented streaming request. The returned channel
	// is closed after the Done event.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}
