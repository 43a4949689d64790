// Package tools provides the tool registry and the ordered middleware chain
// every tool invocation runs through: security → rate limit → audit → output
// size → trust framing → scrubbing.
package tools

import (
	"context"
	"errors"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Sentinel errors.
var (
	ErrUnknownTool    = errors.New("unknown tool")
	ErrToolTimeout    = errors.New("tool execution timed out")
	ErrApprovalDenied = errors.New("approval denied")
)

// Tool is one executable capability exposed to the LLM.
type Tool interface {
	// Name returns the tool's registry name.
	Name() string

	// Description returns the prose description sent to the LLM.
	Description() string

	// ParametersSchema returns the JSON Schema for the tool's arguments.
	ParametersSchema() string

	// Execute runs the tool. Errors that the LLM should see are returned as
	// a Result with IsError set; Go errors are reserved for infrastructure
	// failures.
	Execute(ctx context.Context, args map[string]any, tc *Context) (*Result, error)
}

// Context carries per-invocation trust parameters into tools and middleware.
type Context struct {
	EntityID     string
	Workspace    string
	Autonomy     models.AutonomyLevel
	AllowedTools []string // nil = all registered tools
	Channel      string
	Iteration    int

	// TenantScoped confines the entity's writes to its workspace sub-tree.
	// Set for multi-user surfaces (channels, webhooks); off for the local CLI.
	TenantScoped bool
}

// Result is a tool's output.
type Result struct {
	Output      string
	IsError     bool
	Attachments []string
}

// Call is one requested tool invocation.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Definition is the LLM-facing description of a registered tool.
type Definition struct {
	Name        string
	Description string
	Schema      string
}

// Verdict is a middleware decision.
type Verdict int

// Middleware decisions.
const (
	VerdictContinue Verdict = iota
	VerdictBlock
	VerdictRequireApproval
)

// Decision couples a verdict with its reason or pending intent.
type Decision struct {
	Verdict Verdict
	Reason  string
	Intent  *models.ActionIntent
}

// Continue is the pass-through decision.
func Continue() Decision { return Decision{Verdict: VerdictContinue} }

// Block denies the call with a caller-visible reason.
func Block(reason string) Decision { return Decision{Verdict: VerdictBlock, Reason: reason} }

// RequireApproval defers the call to the approval broker.
func RequireApproval(intent *models.ActionIntent) Decision {
	return Decision{Verdict: VerdictRequireApproval, Intent: intent}
}

// Middleware inspects a call before execution and/or rewrites the result
// after execution.
type Middleware interface {
	// Name identifies the middleware in logs.
	Name() string

	// Before runs ahead of execution and may block or require approval.
	Before(ctx context.Context, call *Call, tc *Context) Decision

	// After may rewrite the result (truncation, framing, scrubbing).
	After(ctx context.Context, call *Call, tc *Context, res *Result) *Result
}

// ApprovalReply is a broker's answer to an action intent.
type ApprovalReply int

// Approval replies.
const (
	ReplyDenied ApprovalReply = iota
	ReplyApproved
	ReplyApprovedSessionGrant
	ReplyApprovedPermanentGrant
)

// ApprovalBroker runs an intent past an out-of-band confirmation surface.
type ApprovalBroker interface {
	// Approve blocks until the operator answers or ctx is done.
	Approve(ctx context.Context, intent *models.ActionIntent) (ApprovalReply, error)
}
