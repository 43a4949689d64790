package tools

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// AuditLedger appends action intents to action_intents/YYYY-MM-DD.jsonl under
// the workspace. Appends are best-effort: a ledger write failure is logged,
// never fatal, and never blocks the action pipeline.
type AuditLedger struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewAuditLedger creates the ledger directory if needed.
func NewAuditLedger(workspace string) (*AuditLedger, error) {
	dir := filepath.Join(workspace, "action_intents")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &AuditLedger{dir: dir, now: time.Now}, nil
}

// Append writes one intent as a JSONL line.
func (l *AuditLedger) Append(intent *models.ActionIntent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, l.now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		slog.Error("Audit ledger open failed", "path", path, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(intent)
	if err != nil {
		slog.Error("Audit ledger marshal failed", "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Error("Audit ledger write failed", "path", path, "error", err)
	}
}
