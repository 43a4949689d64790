// Package builtin provides the built-in tool set: shell, file access, memory
// operations, and domain-allowlisted web fetch.
package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/models"
	"github.com/haru0416-dev/asteroniris/pkg/tools"
)

// ShellTool runs one allowlisted command inside the workspace. The security
// middleware has already vetted the command; this executes it.
type ShellTool struct{}

// Name implements tools.Tool.
func (ShellTool) Name() string { return "shell" }

// Description implements tools.Tool.
func (ShellTool) Description() string {
	return "Run one allowlisted shell command in the workspace. Arguments are passed directly, no shell interpolation."
}

// ParametersSchema implements tools.Tool.
func (ShellTool) ParametersSchema() string {
	return `{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Bare command name (e.g. git, ls)"},
			"args": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["command"]
	}`
}

// Execute implements tools.Tool.
func (ShellTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	command, _ := args["command"].(string)
	var argv []string
	if raw, ok := args["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				argv = append(argv, s)
			}
		}
	}

	cmd := exec.CommandContext(ctx, command, argv...)
	cmd.Dir = tc.Workspace
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + tc.Workspace}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return &tools.Result{
			Output:  fmt.Sprintf("%s\n(command failed: %v)", string(out), err),
			IsError: true,
		}, nil
	}
	return &tools.Result{Output: string(out)}, nil
}

// FileReadTool reads a workspace file.
type FileReadTool struct{}

// Name implements tools.Tool.
func (FileReadTool) Name() string { return "file_read" }

// Description implements tools.Tool.
func (FileReadTool) Description() string { return "Read a file inside the workspace." }

// ParametersSchema implements tools.Tool.
func (FileReadTool) ParametersSchema() string {
	return `{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`
}

// Execute implements tools.Tool.
func (FileReadTool) Execute(_ context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	path, _ := args["path"].(string)
	if !filepath.IsAbs(path) {
		path = filepath.Join(tc.Workspace, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &tools.Result{Output: fmt.Sprintf("read failed: %v", err), IsError: true}, nil
	}
	return &tools.Result{Output: string(data)}, nil
}

// FileWriteTool writes a workspace file.
type FileWriteTool struct{}

// Name implements tools.Tool.
func (FileWriteTool) Name() string { return "file_write" }

// Description implements tools.Tool.
func (FileWriteTool) Description() string { return "Write a file inside the workspace." }

// ParametersSchema implements tools.Tool.
func (FileWriteTool) ParametersSchema() string {
	return `{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["path", "content"]
	}`
}

// Execute implements tools.Tool.
func (FileWriteTool) Execute(_ context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if !filepath.IsAbs(path) {
		path = filepath.Join(tc.Workspace, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return &tools.Result{Output: fmt.Sprintf("write failed: %v", err), IsError: true}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return &tools.Result{Output: fmt.Sprintf("write failed: %v", err), IsError: true}, nil
	}
	return &tools.Result{Output: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}, nil
}

// MemoryRecallTool exposes scoped recall to the LLM.
type MemoryRecallTool struct {
	Memory memory.Backend
}

// Name implements tools.Tool.
func (*MemoryRecallTool) Name() string { return "memory_recall" }

// Description implements tools.Tool.
func (*MemoryRecallTool) Description() string {
	return "Recall stored memory for the current entity by keyword query."
}

// ParametersSchema implements tools.Tool.
func (*MemoryRecallTool) ParametersSchema() string {
	return `{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"slot_prefix": {"type": "string"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 50}
		},
		"required": ["query"]
	}`
}

// Execute implements tools.Tool.
func (t *MemoryRecallTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	query, _ := args["query"].(string)
	prefix, _ := args["slot_prefix"].(string)
	limit := 0
	if f, ok := args["limit"].(float64); ok {
		limit = int(f)
	}
	items, err := t.Memory.RecallScoped(ctx, memory.RecallQuery{
		EntityID:   tc.EntityID,
		SlotPrefix: prefix,
		Query:      query,
		Limit:      limit,
	})
	if err != nil {
		return &tools.Result{Output: fmt.Sprintf("recall failed: %v", err), IsError: true}, nil
	}
	if len(items) == 0 {
		return &tools.Result{Output: "no matching memories"}, nil
	}
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "- [%s] %s (score %.3f)\n", item.Unit.SlotKey, item.Unit.Content, item.Score)
	}
	return &tools.Result{Output: b.String()}, nil
}

// MemoryAppendTool lets the LLM store a fact through the normal append path.
type MemoryAppendTool struct {
	Memory memory.Backend
}

// Name implements tools.Tool.
func (*MemoryAppendTool) Name() string { return "memory_append" }

// Description implements tools.Tool.
func (*MemoryAppendTool) Description() string {
	return "Store one fact about the current entity. Provenance is recorded as inferred."
}

// ParametersSchema implements tools.Tool.
func (*MemoryAppendTool) ParametersSchema() string {
	return `{
		"type": "object",
		"properties": {
			"slot_key": {"type": "string"},
			"value": {"type": "string"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		},
		"required": ["slot_key", "value"]
	}`
}

// Execute implements tools.Tool.
func (t *MemoryAppendTool) Execute(ctx context.Context, args map[string]any, tc *tools.Context) (*tools.Result, error) {
	slotKey, _ := args["slot_key"].(string)
	value, _ := args["value"].(string)
	confidence := 0.5
	if f, ok := args["confidence"].(float64); ok {
		confidence = f
	}
	events, err := t.Memory.AppendInferenceEvents(ctx, []memory.AppendInput{{
		EntityID:   tc.EntityID,
		SlotKey:    slotKey,
		Value:      value,
		Confidence: confidence,
		Importance: 0.5,
		Layer:      models.LayerSemantic,
	}})
	if err != nil {
		return &tools.Result{Output: fmt.Sprintf("append failed: %v", err), IsError: true}, nil
	}
	if len(events) == 0 {
		return &tools.Result{Output: "append rejected (invalid, duplicate, or tombstoned slot)", IsError: true}, nil
	}
	return &tools.Result{Output: "stored " + events[0].SlotKey}, nil
}

// WebFetchTool fetches a URL from an allowlisted domain. Responses run
// through the trust-frame middleware like every other tool output.
type WebFetchTool struct {
	AllowedDomains []string
	Client         *http.Client
}

// NewWebFetchTool creates the fetch tool with a bounded HTTP client.
func NewWebFetchTool(domains []string) *WebFetchTool {
	return &WebFetchTool{
		AllowedDomains: domains,
		Client:         &http.Client{Timeout: 20 * time.Second},
	}
}

// Name implements tools.Tool.
func (*WebFetchTool) Name() string { return "web_fetch" }

// Description implements tools.Tool.
func (*WebFetchTool) Description() string {
	return "Fetch a URL (GET) from an allowlisted domain and return the body text."
}

// ParametersSchema implements tools.Tool.
func (*WebFetchTool) ParametersSchema() string {
	return `{
		"type": "object",
		"properties": {"url": {"type": "string"}},
		"required": ["url"]
	}`
}

const maxFetchBytes = 256 * 1024

// Execute implements tools.Tool.
func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any, _ *tools.Context) (*tools.Result, error) {
	raw, _ := args["url"].(string)
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		return &tools.Result{Output: fmt.Sprintf("invalid url %q", raw), IsError: true}, nil
	}
	host := parsed.Hostname()
	if !slices.ContainsFunc(t.AllowedDomains, func(d string) bool {
		return host == d || strings.HasSuffix(host, "."+d)
	}) {
		return &tools.Result{Output: fmt.Sprintf("domain %q is not allowlisted", host), IsError: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return &tools.Result{Output: fmt.Sprintf("request build failed: %v", err), IsError: true}, nil
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return &tools.Result{Output: fmt.Sprintf("fetch failed: %v", err), IsError: true}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return &tools.Result{Output: fmt.Sprintf("read failed: %v", err), IsError: true}, nil
	}
	if resp.StatusCode >= 400 {
		return &tools.Result{Output: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)), IsError: true}, nil
	}
	return &tools.Result{Output: string(body)}, nil
}
