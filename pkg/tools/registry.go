package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultToolTimeout cancels hung tool executions.
const DefaultToolTimeout = 60 * time.Second

// Registry maps tool names to handles and dispatches calls through the
// middleware chain. Read-mostly: registration happens at startup.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	schemas    map[string]*jsonschema.Schema
	middleware []Middleware
	timeout    time.Duration
}

// NewRegistry creates an empty registry with the given middleware chain,
// applied in order.
func NewRegistry(middleware ...Middleware) *Registry {
	return &Registry{
		tools:      make(map[string]Tool),
		schemas:    make(map[string]*jsonschema.Schema),
		middleware: middleware,
		timeout:    DefaultToolTimeout,
	}
}

// SetTimeout overrides the per-tool execution timeout.
func (r *Registry) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Register adds a tool. Its parameter schema is compiled eagerly; a tool with
// an invalid schema is rejected at startup rather than at call time.
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}

	var schema *jsonschema.Schema
	if raw := t.ParametersSchema(); raw != "" {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", name, err)
		}
		compiler := jsonschema.NewCompiler()
		resource := name + ".schema.json"
		if err := compiler.AddResource(resource, doc); err != nil {
			return fmt.Errorf("tool %q schema: %w", name, err)
		}
		schema, err = compiler.Compile(resource)
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	if schema != nil {
		r.schemas[name] = schema
	}
	return nil
}

// Definitions returns the LLM-facing tool list, filtered to the allowed set.
func (r *Registry) Definitions(allowed []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for name, t := range r.tools {
		if allowed != nil && !slices.Contains(allowed, name) {
			continue
		}
		defs = append(defs, Definition{
			Name:        name,
			Description: t.Description(),
			Schema:      t.ParametersSchema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute dispatches one call through the middleware chain. Denials and tool
// errors come back as Result content with IsError set, never as Go errors —
// the LLM needs to see them.
func (r *Registry) Execute(ctx context.Context, call *Call, tc *Context, broker ApprovalBroker) (*Result, error) {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	schema := r.schemas[call.Name]
	middleware := r.middleware
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		return &Result{Output: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}, nil
	}
	if tc.AllowedTools != nil && !slices.Contains(tc.AllowedTools, call.Name) {
		return &Result{Output: fmt.Sprintf("tool %q is not allowed on this channel", call.Name), IsError: true}, nil
	}

	// Validate arguments against the tool's schema before anything runs.
	if schema != nil {
		if err := schema.Validate(normalizeArgs(call.Args)); err != nil {
			return &Result{Output: fmt.Sprintf("invalid arguments for %q: %v", call.Name, err), IsError: true}, nil
		}
	}

	// Before chain: first Block or Denied approval wins.
	for _, mw := range middleware {
		decision := mw.Before(ctx, call, tc)
		switch decision.Verdict {
		case VerdictBlock:
			slog.Warn("Tool call blocked", "tool", call.Name, "middleware", mw.Name(), "reason", decision.Reason)
			return &Result{Output: "blocked: " + decision.Reason, IsError: true}, nil
		case VerdictRequireApproval:
			if broker == nil {
				return &Result{Output: "blocked: approval required but no broker available", IsError: true}, nil
			}
			reply, err := broker.Approve(ctx, decision.Intent)
			if err != nil {
				return &Result{Output: "blocked: approval failed: " + err.Error(), IsError: true}, nil
			}
			if reply == ReplyDenied {
				return &Result{Output: "blocked: " + ErrApprovalDenied.Error(), IsError: true}, ErrApprovalDenied
			}
		}
	}

	// Execute with the per-tool timeout.
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := tool.Execute(execCtx, call.Args, tc)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			res = &Result{Output: ErrToolTimeout.Error(), IsError: true}
		} else {
			res = &Result{Output: fmt.Sprintf("tool %q failed: %v", call.Name, err), IsError: true}
		}
	}
	if res == nil {
		res = &Result{Output: "", IsError: false}
	}

	// After chain rewrites the result in order.
	for _, mw := range middleware {
		res = mw.After(ctx, call, tc, res)
	}
	return res, nil
}

// normalizeArgs round-trips args through JSON so schema validation sees the
// exact types json decoding produces.
func normalizeArgs(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return args
	}
	return v
}
