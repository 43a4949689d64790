package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haru0416-dev/asteroniris/pkg/defense"
	"github.com/haru0416-dev/asteroniris/pkg/models"
	"github.com/haru0416-dev/asteroniris/pkg/policy"
	"github.com/haru0416-dev/asteroniris/pkg/scrub"
)

// SecurityMiddleware consults the security policy. Shell commands run through
// the command allowlist, path arguments through workspace containment, and
// write-class tools are gated by the autonomy level.
type SecurityMiddleware struct {
	Policy *policy.Policy
}

// writeTools require write autonomy (or an approval under supervised).
var writeTools = map[string]bool{
	"shell":         true,
	"file_write":    true,
	"memory_append": true,
}

// Name implements Middleware.
func (m *SecurityMiddleware) Name() string { return "security" }

// Before implements Middleware.
func (m *SecurityMiddleware) Before(_ context.Context, call *Call, tc *Context) Decision {
	if call.Name == "shell" {
		cmd, _ := call.Args["command"].(string)
		args := stringSlice(call.Args["args"])
		if d := m.Policy.CheckCommand(cmd, args); !d.Allowed {
			policy.LogDenial("command", tc.EntityID, d)
			return Block(d.Reason)
		}
	}
	if path, ok := call.Args["path"].(string); ok && path != "" {
		if d := m.Policy.CheckPath(path, tc.Workspace); !d.Allowed {
			policy.LogDenial("path", tc.EntityID, d)
			return Block(d.Reason)
		}
		if tc.TenantScoped && writeTools[call.Name] {
			if d := m.Policy.CheckTenant(tc.EntityID, path, tc.Workspace); !d.Allowed {
				policy.LogDenial("tenant", tc.EntityID, d)
				return Block(d.Reason)
			}
		}
	}

	if writeTools[call.Name] {
		switch tc.Autonomy {
		case models.AutonomyReadOnly:
			return Block(fmt.Sprintf("tool %q writes and autonomy is read-only", call.Name))
		case models.AutonomySupervised:
			payload, _ := json.Marshal(call.Args)
			return RequireApproval(&models.ActionIntent{
				ID:          uuid.NewString(),
				ActionKind:  call.Name,
				Operator:    "agent",
				EntityID:    tc.EntityID,
				Payload:     string(payload),
				RequestedAt: time.Now().UTC(),
			})
		}
	}
	return Continue()
}

// After implements Middleware.
func (m *SecurityMiddleware) After(_ context.Context, _ *Call, _ *Context, res *Result) *Result {
	return res
}

// RateLimitMiddleware charges one action per call against the per-entity
// rolling window. The lock is taken once per tool call, not per middleware hop.
type RateLimitMiddleware struct {
	Policy *policy.Policy
}

// Name implements Middleware.
func (m *RateLimitMiddleware) Name() string { return "rate_limit" }

// Before implements Middleware.
func (m *RateLimitMiddleware) Before(_ context.Context, _ *Call, tc *Context) Decision {
	if d := m.Policy.RecordAction(tc.EntityID); !d.Allowed {
		policy.LogDenial("rate", tc.EntityID, d)
		return Block(d.Reason)
	}
	return Continue()
}

// After implements Middleware.
func (m *RateLimitMiddleware) After(_ context.Context, _ *Call, _ *Context, res *Result) *Result {
	return res
}

// AuditMiddleware appends an action intent to the ledger for every call,
// whether or not it ultimately executes.
type AuditMiddleware struct {
	Ledger *AuditLedger
}

// Name implements Middleware.
func (m *AuditMiddleware) Name() string { return "audit" }

// Before implements Middleware.
func (m *AuditMiddleware) Before(_ context.Context, call *Call, tc *Context) Decision {
	payload, _ := json.Marshal(call.Args)
	m.Ledger.Append(&models.ActionIntent{
		ID:          uuid.NewString(),
		ActionKind:  call.Name,
		Operator:    "agent",
		EntityID:    tc.EntityID,
		Payload:     string(payload),
		RequestedAt: time.Now().UTC(),
	})
	return Continue()
}

// After implements Middleware.
func (m *AuditMiddleware) After(_ context.Context, _ *Call, _ *Context, res *Result) *Result {
	return res
}

// OutputSizeMiddleware truncates oversize outputs with a visible marker.
type OutputSizeMiddleware struct {
	MaxBytes int
}

// DefaultMaxOutputBytes caps tool output forwarded to the LLM.
const DefaultMaxOutputBytes = 32 * 1024

// Name implements Middleware.
func (m *OutputSizeMiddleware) Name() string { return "output_size" }

// Before implements Middleware.
func (m *OutputSizeMiddleware) Before(context.Context, *Call, *Context) Decision { return Continue() }

// After implements Middleware.
func (m *OutputSizeMiddleware) After(_ context.Context, _ *Call, _ *Context, res *Result) *Result {
	limit := m.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	if len(res.Output) > limit {
		res.Output = res.Output[:limit] + "\n[output truncated at " + fmt.Sprint(limit) + " bytes]"
	}
	return res
}

// TrustFrameMiddleware runs tool output through external-content defense and
// wraps what survives in the trust frame. Blocked output is replaced with a
// refusal; the raw payload is never forwarded or persisted.
type TrustFrameMiddleware struct {
	Defense *defense.Defense
}

// Name implements Middleware.
func (m *TrustFrameMiddleware) Name() string { return "trust_frame" }

// Before implements Middleware.
func (m *TrustFrameMiddleware) Before(context.Context, *Call, *Context) Decision { return Continue() }

// After implements Middleware.
func (m *TrustFrameMiddleware) After(_ context.Context, call *Call, _ *Context, res *Result) *Result {
	if res.Output == "" {
		return res
	}
	verdict := m.Defense.Evaluate("tool_result:"+call.Name, res.Output)
	if verdict.Action == defense.ActionBlock {
		res.Output = fmt.Sprintf(
			"tool output refused by external-content defense (flags: %v); digest %s",
			verdict.Flags, verdict.Artifact.Digest[:12])
		res.IsError = true
		return res
	}
	res.Output = verdict.Framed
	return res
}

// ScrubMiddleware redacts secrets from the final output. Runs last so no
// earlier middleware reintroduces a secret.
type ScrubMiddleware struct {
	Scrubber *scrub.Scrubber
}

// Name implements Middleware.
func (m *ScrubMiddleware) Name() string { return "scrub" }

// Before implements Middleware.
func (m *ScrubMiddleware) Before(context.Context, *Call, *Context) Decision { return Continue() }

// After implements Middleware.
func (m *ScrubMiddleware) After(_ context.Context, _ *Call, _ *Context, res *Result) *Result {
	res.Output = m.Scrubber.Scrub(res.Output)
	return res
}

// DefaultChain assembles the spec-ordered middleware stack.
func DefaultChain(pol *policy.Policy, ledger *AuditLedger, def *defense.Defense, scr *scrub.Scrubber, maxOutput int) []Middleware {
	return []Middleware{
		&SecurityMiddleware{Policy: pol},
		&RateLimitMiddleware{Policy: pol},
		&AuditMiddleware{Ledger: ledger},
		&OutputSizeMiddleware{MaxBytes: maxOutput},
		&TrustFrameMiddleware{Defense: def},
		&ScrubMiddleware{Scrubber: scr},
	}
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
