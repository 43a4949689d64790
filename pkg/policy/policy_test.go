package policy

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haru0416-dev/asteroniris/pkg/config"
)

func newTestPolicy() *Policy {
	return New(config.AutonomyConfig{
		Level:             "full",
		WorkspaceOnly:     true,
		AllowedCommands:   config.DefaultAllowedCommands(),
		MaxActionsPerHour: 3,
		MaxCostPerDay:     100,
	})
}

func TestCheckCommandAllowlist(t *testing.T) {
	p := newTestPolicy()

	assert.True(t, p.CheckCommand("git", []string{"status"}).Allowed)
	assert.True(t, p.CheckCommand("ls", []string{"-la"}).Allowed)

	d := p.CheckCommand("curl", []string{"http://example.com"})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "allowlist")

	assert.False(t, p.CheckCommand("/usr/bin/git", []string{"status"}).Allowed)
	assert.False(t, p.CheckCommand("", nil).Allowed)
}

func TestCheckCommandWeaponizedArgs(t *testing.T) {
	p := newTestPolicy()

	tests := []struct {
		name string
		cmd  string
		args []string
	}{
		{"git config override", "git", []string{"-c", "core.sshcommand=evil"}},
		{"git push", "git", []string{"push", "origin", "main"}},
		{"git send-email", "git", []string{"send-email"}},
		{"env prefix", "git", []string{"env=PATH=/tmp"}},
		{"upload pack", "git", []string{"clone", "--upload-pack=/bin/sh", "repo"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.CheckCommand(tt.cmd, tt.args)
			assert.False(t, d.Allowed, "expected denial, got allow")
			assert.NotEmpty(t, d.Reason)
		})
	}

	// Read-only git stays usable.
	assert.True(t, p.CheckCommand("git", []string{"log", "--oneline"}).Allowed)
}

func TestCheckPathTraversalAndForbidden(t *testing.T) {
	p := newTestPolicy()
	ws := t.TempDir()

	assert.True(t, p.CheckPath(filepath.Join(ws, "notes.txt"), ws).Allowed)
	assert.True(t, p.CheckPath("notes.txt", ws).Allowed)

	assert.False(t, p.CheckPath("../outside.txt", ws).Allowed)
	assert.False(t, p.CheckPath("%2e%2e/outside.txt", ws).Allowed)
	assert.False(t, p.CheckPath("/etc/passwd", ws).Allowed)
	assert.False(t, p.CheckPath("/root/.ssh/id_rsa", ws).Allowed)
	assert.False(t, p.CheckPath("/proc/self/environ", ws).Allowed)

	// Absolute path outside the workspace is rejected when workspace_only.
	assert.False(t, p.CheckPath("/tmp/other/file", ws).Allowed)
}

func TestRecordActionRollingWindow(t *testing.T) {
	p := newTestPolicy()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		require.True(t, p.RecordAction("user:1").Allowed)
	}
	d := p.RecordAction("user:1")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "rate limited")

	// Another entity has its own window.
	assert.True(t, p.RecordAction("user:2").Allowed)

	// An hour later the window has rolled over.
	clock = clock.Add(61 * time.Minute)
	assert.True(t, p.RecordAction("user:1").Allowed)
}

func TestRecordCostDailyBudget(t *testing.T) {
	p := newTestPolicy()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	assert.True(t, p.RecordCost("user:1", 60).Allowed)
	assert.True(t, p.RecordCost("user:1", 40).Allowed)

	d := p.RecordCost("user:1", 1)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "cost exceeded")

	// Budget resets at the UTC day boundary.
	clock = clock.Add(24 * time.Hour)
	assert.True(t, p.RecordCost("user:1", 50).Allowed)
}

func TestCheckTenantScoping(t *testing.T) {
	p := newTestPolicy()
	ws := "/work"

	assert.True(t, p.CheckTenant("user:42", "notes/today.md", ws).Allowed)
	assert.False(t, p.CheckTenant("user:42", "/work/tenants/user_7/file", ws).Allowed)
	assert.False(t, p.CheckTenant("user:42", "../user_7/file", ws).Allowed)
}
