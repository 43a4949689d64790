// Package policy implements the deny-by-default security gate consulted by
// every tool invocation: command allowlisting, path containment, per-entity
// rate and cost caps, and tenant workspace scoping.
package policy

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haru0416-dev/asteroniris/pkg/config"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Decision is the outcome of a policy check. A zero Decision denies.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the positive decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny constructs a denial with a caller-visible reason.
func Deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Policy is the security gate. Created once at startup and shared by
// reference; all methods are safe for concurrent use.
type Policy struct {
	allowedCommands map[string]bool
	forbiddenPaths  []string
	level           models.AutonomyLevel
	workspaceOnly   bool

	mu           sync.Mutex
	actionWindow map[string][]time.Time // entity → action timestamps inside the rolling hour
	costLedger   map[string]*dailyCost  // entity → spend for the current UTC day
	maxActions   int
	maxCostCents int

	now func() time.Time
}

type dailyCost struct {
	day   string
	cents int
}

// New builds a policy from the autonomy configuration.
func New(cfg config.AutonomyConfig) *Policy {
	level, ok := models.ParseAutonomyLevel(cfg.Level)
	if !ok {
		level = models.AutonomySupervised
	}
	allowed := make(map[string]bool, len(cfg.AllowedCommands))
	for _, c := range cfg.AllowedCommands {
		allowed[strings.ToLower(strings.TrimSpace(c))] = true
	}
	forbidden := cfg.ForbiddenPaths
	if len(forbidden) == 0 {
		forbidden = config.DefaultForbiddenPaths()
	}
	return &Policy{
		allowedCommands: allowed,
		forbiddenPaths:  forbidden,
		level:           level,
		workspaceOnly:   cfg.WorkspaceOnly,
		actionWindow:    make(map[string][]time.Time),
		costLedger:      make(map[string]*dailyCost),
		maxActions:      cfg.MaxActionsPerHour,
		maxCostCents:    cfg.MaxCostPerDay,
		now:             time.Now,
	}
}

// Level returns the configured autonomy level.
func (p *Policy) Level() models.AutonomyLevel { return p.level }

// dangerousArgPatterns weaponize otherwise-allowed commands. Checked as
// substrings of each argument after lowercasing.
var dangerousArgPatterns = []string{
	"-c core.sshcommand",
	"--upload-pack",
	"--receive-pack",
	"-o proxycommand",
	"--exec",
}

// dangerousGitSubcommands push data out of the workspace.
var dangerousGitSubcommands = map[string]bool{
	"push":       true,
	"send-email": true,
	"svn":        true,
	"daemon":     true,
	"fetch":      false, // read-only, allowed
}

// CheckCommand gates shell execution. The command must be on the allowlist
// and its arguments must not smuggle in configuration or network side doors.
func (p *Policy) CheckCommand(cmd string, args []string) Decision {
	cmd = strings.ToLower(strings.TrimSpace(cmd))
	if cmd == "" {
		return Deny("empty command")
	}
	if strings.ContainsAny(cmd, "/\\") {
		return Deny("command %q must be a bare name, not a path", cmd)
	}
	if !p.allowedCommands[cmd] {
		return Deny("command %q is not on the allowlist", cmd)
	}

	for _, arg := range args {
		lower := strings.ToLower(arg)
		if strings.Contains(lower, "=") && strings.HasPrefix(lower, "env") {
			return Deny("argument %q sets environment inline", arg)
		}
		for _, pat := range dangerousArgPatterns {
			if strings.Contains(lower, pat) {
				return Deny("argument %q matches blocked pattern %q", arg, pat)
			}
		}
		// `git -c key=val` can rewrite core.* behavior; reject -c wholesale.
		if cmd == "git" && (lower == "-c" || strings.HasPrefix(lower, "-c=") || strings.HasPrefix(lower, "--config")) {
			return Deny("git configuration override %q is blocked", arg)
		}
	}

	if cmd == "git" {
		for _, arg := range args {
			if strings.HasPrefix(arg, "-") {
				continue
			}
			if blocked, known := dangerousGitSubcommands[strings.ToLower(arg)]; known && blocked {
				return Deny("git subcommand %q is blocked", arg)
			}
			break
		}
	}

	return Allow()
}

// CheckPath gates filesystem access. The path must canonicalize inside the
// workspace and must not touch the forbidden system-path set.
func (p *Policy) CheckPath(path, workspaceRoot string) Decision {
	if strings.TrimSpace(path) == "" {
		return Deny("empty path")
	}

	// Percent-encoded traversal hides from naive prefix checks.
	if decoded, err := url.PathUnescape(path); err == nil && decoded != path {
		if strings.Contains(decoded, "..") {
			return Deny("path %q contains encoded traversal", path)
		}
		path = decoded
	}
	if strings.Contains(path, "..") {
		return Deny("path %q contains traversal", path)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workspaceRoot, abs)
	}
	abs = filepath.Clean(abs)

	// Resolve symlinks where the target exists; a dangling path resolves its
	// parent so a symlinked directory cannot smuggle writes outside.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	} else if parent, perr := filepath.EvalSymlinks(filepath.Dir(abs)); perr == nil {
		abs = filepath.Join(parent, filepath.Base(abs))
	}

	for _, forbidden := range p.forbiddenPaths {
		if abs == forbidden || strings.HasPrefix(abs, forbidden+string(filepath.Separator)) {
			return Deny("path %q is under forbidden prefix %q", path, forbidden)
		}
	}

	if p.workspaceOnly {
		root, err := filepath.EvalSymlinks(filepath.Clean(workspaceRoot))
		if err != nil {
			root = filepath.Clean(workspaceRoot)
		}
		if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return Deny("path %q escapes workspace %q", path, workspaceRoot)
		}
	}

	return Allow()
}

// RecordAction counts one action against the entity's rolling hourly window.
// The action that would exceed the cap is rejected and not recorded.
func (p *Policy) RecordAction(entity string) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	cutoff := now.Add(-time.Hour)
	window := p.actionWindow[entity]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= p.maxActions {
		p.actionWindow[entity] = kept
		return Deny("rate limited: %d actions in the last hour (cap %d)", len(kept), p.maxActions)
	}
	p.actionWindow[entity] = append(kept, now)
	return Allow()
}

// RecordCost charges cents against the entity's daily budget. The charge that
// would exceed the budget is rejected and not recorded.
func (p *Policy) RecordCost(entity string, cents int) Decision {
	if cents < 0 {
		return Deny("negative cost")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	day := p.now().UTC().Format("2006-01-02")
	ledger := p.costLedger[entity]
	if ledger == nil || ledger.day != day {
		ledger = &dailyCost{day: day}
		p.costLedger[entity] = ledger
	}
	if ledger.cents+cents > p.maxCostCents {
		return Deny("cost exceeded: %d + %d cents over daily budget %d", ledger.cents, cents, p.maxCostCents)
	}
	ledger.cents += cents
	return Allow()
}

// CheckTenant enforces that an entity's writes stay inside its assigned
// workspace sub-tree.
func (p *Policy) CheckTenant(entity, path, workspaceRoot string) Decision {
	entityDir := filepath.Join(workspaceRoot, "tenants", sanitizeEntityDir(entity))
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(entityDir, abs)
	}
	abs = filepath.Clean(abs)
	if abs != entityDir && !strings.HasPrefix(abs, entityDir+string(filepath.Separator)) {
		return Deny("entity %q may not write outside %s", entity, entityDir)
	}
	return Allow()
}

func sanitizeEntityDir(entity string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, entity)
}

// LogDenial records a denial in the audit stream. Deny reasons are surfaced
// verbatim to callers; this is the structured copy.
func LogDenial(check, entity string, d Decision) {
	if d.Allowed {
		return
	}
	slog.Warn("Policy denial", "check", check, "entity", entity, "reason", d.Reason)
}
