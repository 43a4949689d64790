// Package appendlog implements the append-only-text memory backend: curated
// semantic memory in MEMORY.md plus daily logs under memory/YYYY-MM-DD.md.
// It is the most degraded backend: keyword-only recall, marker-based forget,
// no vectors, no phased recall.
package appendlog

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Store writes memory as markdown. A single mutex serializes writers; the
// file system is the ledger.
type Store struct {
	root string
	mu   sync.Mutex
	now  func() time.Time

	// In-process projections rebuilt from the files at startup.
	beliefs map[string]*models.Belief // entity|slot → belief
	dedup   map[string]bool           // source_kind|source_ref
}

// New creates (or reopens) the append-only store rooted at workspace.
func New(workspace string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(workspace, "memory"), 0o700); err != nil {
		return nil, fmt.Errorf("appendlog: mkdir: %w", err)
	}
	s := &Store{
		root:    workspace,
		now:     time.Now,
		beliefs: make(map[string]*models.Belief),
		dedup:   make(map[string]bool),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	slog.Info("Memory backend ready", "backend", "append-only-text", "root", workspace)
	return s, nil
}

// Capabilities implements memory.Backend.
func (s *Store) Capabilities() memory.Capabilities {
	return memory.Capabilities{
		Name:           "append-only-text",
		VectorRecall:   false,
		KeywordRecall:  true,
		PhasedRecall:   false,
		ForgetFidelity: memory.FidelityMarker,
		Tombstones:     true,
		Hygiene:        false,
	}
}

// Close implements memory.Backend.
func (s *Store) Close() error { return nil }

func key(entity, slot string) string { return entity + "|" + slot }

// line renders one memory line. Format:
// `- [<ts>] <entity> <slot> <kind> <source> conf=<c> sk=<kind> ref=<ref> :: <value>`
func line(evt *models.Event) string {
	return fmt.Sprintf("- [%s] %s %s %s %s conf=%.2f sk=%s ref=%s :: %s",
		evt.CreatedAt.Format(time.RFC3339), evt.EntityID, evt.SlotKey,
		evt.Kind, evt.Source, evt.Confidence, evt.SourceKind, evt.SourceRef,
		strings.ReplaceAll(evt.Value, "\n", " "))
}

// AppendEvent implements memory.Backend.
func (s *Store) AppendEvent(_ context.Context, in memory.AppendInput) (*models.Event, error) {
	entityID, err := models.NormalizeEntityID(in.EntityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrInvalidEvent, err)
	}
	slotKey, err := models.NormalizeSlotKey(in.SlotKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrInvalidEvent, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b := s.beliefs[key(entityID, slotKey)]; b != nil && b.Status == models.BeliefTombstoned {
		return nil, memory.ErrSlotTombstoned
	}
	if in.SourceRef != "" {
		dk := string(in.SourceKind) + "|" + in.SourceRef
		if s.dedup[dk] {
			return nil, memory.ErrDuplicateSignal
		}
		s.dedup[dk] = true
	}

	now := s.now().UTC()
	evt := &models.Event{
		ID:         uuid.NewString(),
		EntityID:   entityID,
		SlotKey:    slotKey,
		Kind:       in.Kind,
		Value:      in.Value,
		Source:     in.Source,
		Confidence: models.Clamp01(in.Confidence),
		Importance: models.Clamp01(in.Importance),
		Layer:      in.Layer,
		Privacy:    in.Privacy,
		Tier:       models.TierRaw,
		SourceKind: in.SourceKind,
		SourceRef:  in.SourceRef,
		IngestedAt: now,
		CreatedAt:  now,
	}
	if evt.Kind == "" {
		evt.Kind = models.EventFactAdded
	}
	if evt.Source == "" {
		evt.Source = models.SourceSystem
	}
	if evt.Layer == "" {
		evt.Layer = models.LayerEpisodic
	}
	if evt.Privacy == "" {
		evt.Privacy = models.PrivacyPrivate
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrInvalidEvent, err)
	}

	var outcome memory.ConflictOutcome
	current := s.beliefs[key(entityID, slotKey)]
	if current != nil && current.Status == models.BeliefActive {
		outcome = memory.ResolveConflict(current, evt)
	} else {
		outcome = memory.ConflictOutcome{NewWins: true}
	}
	if !outcome.NewWins && outcome.Contradiction {
		evt.Confidence = outcome.LoserConfidence
	}

	// Daily log gets every event; MEMORY.md gets semantic-layer facts.
	if err := s.appendFile(s.dailyPath(now), line(evt)); err != nil {
		return nil, err
	}
	if evt.Layer == models.LayerSemantic || evt.Layer == models.LayerIdentity {
		if err := s.appendFile(filepath.Join(s.root, "MEMORY.md"), line(evt)); err != nil {
			return nil, err
		}
	}

	if outcome.NewWins {
		prior := 0.0
		if current != nil {
			prior = current.ContradictionScore
		}
		if outcome.Contradiction {
			prior += outcome.Penalty
		}
		s.beliefs[key(entityID, slotKey)] = &models.Belief{
			EntityID: entityID, SlotKey: slotKey, WinningEventID: evt.ID,
			Value: evt.Value, Source: evt.Source, Confidence: evt.Confidence,
			Importance: evt.Importance, Status: models.BeliefActive,
			ContradictionScore: prior, PromotionStatus: models.TierRaw, UpdatedAt: now,
		}
	} else if outcome.Contradiction {
		current.ContradictionScore += outcome.Penalty
		current.UpdatedAt = now
	}
	return evt, nil
}

// AppendInferenceEvents implements memory.Backend.
func (s *Store) AppendInferenceEvents(ctx context.Context, ins []memory.AppendInput) ([]*models.Event, error) {
	out := make([]*models.Event, 0, len(ins))
	for _, in := range ins {
		evt, err := s.AppendEvent(ctx, memory.CapInference(in))
		if err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// RecallScoped implements memory.Backend with keyword-only scoring over the
// daily logs and MEMORY.md. Lines rewritten by forget markers are hidden.
func (s *Store) RecallScoped(_ context.Context, q memory.RecallQuery) ([]memory.RecallItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var contents []string
	var lines []string
	for _, path := range s.allFiles() {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			text := scanner.Text()
			if !strings.HasPrefix(text, "- [") || strings.Contains(text, "[forgotten]") {
				continue
			}
			if q.EntityID != "" && !strings.Contains(text, " "+q.EntityID+" ") {
				continue
			}
			if q.SlotPrefix != "" && !strings.Contains(text, " "+q.SlotPrefix) {
				continue
			}
			lines = append(lines, text)
			if idx := strings.Index(text, " :: "); idx >= 0 {
				contents = append(contents, text[idx+4:])
			} else {
				contents = append(contents, text)
			}
		}
		_ = f.Close()
	}
	if len(lines) == 0 {
		return nil, nil
	}

	docs := make([][]string, len(contents))
	for i, c := range contents {
		docs[i] = memory.Tokenize(c)
	}
	kwNorm := memory.MinMaxNormalize(memory.BM25Scores(memory.Tokenize(q.Query), docs))

	var items []memory.RecallItem
	for i := range lines {
		if q.Query != "" && kwNorm[i] == 0 && !strings.Contains(strings.ToLower(contents[i]), strings.ToLower(q.Query)) {
			continue
		}
		items = append(items, memory.RecallItem{
			Unit: models.RetrievalUnit{
				ID:      fmt.Sprintf("line:%d", i),
				Content: contents[i],
			},
			KwScore: kwNorm[i],
			Score:   kwNorm[i],
		})
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 12
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// RecallPhased degrades to the synthesis slice only.
func (s *Store) RecallPhased(ctx context.Context, q memory.RecallQuery) (*memory.PhasedRecall, error) {
	items, err := s.RecallScoped(ctx, q)
	if err != nil {
		return nil, err
	}
	return &memory.PhasedRecall{Synthesis: items}, nil
}

// ResolveSlot implements memory.Backend.
func (s *Store) ResolveSlot(_ context.Context, entityID, slotKey string) (*models.Belief, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.beliefs[key(entityID, slotKey)]
	if b == nil {
		return nil, memory.ErrSlotNotFound
	}
	return b, nil
}

// ForgetSlot rewrites matching lines with a marker. Fidelity is marker-level:
// hard forget rewrites line content, it cannot reclaim file bytes.
func (s *Store) ForgetSlot(_ context.Context, entityID, slotKey string, mode models.ForgetMode, reason string) (*memory.ForgetOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.beliefs[key(entityID, slotKey)]
	if b == nil {
		return nil, memory.ErrSlotNotFound
	}

	outcome := &memory.ForgetOutcome{Mode: mode}
	needle := " " + entityID + " " + slotKey + " "
	for _, path := range s.allFiles() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		lines := strings.Split(string(data), "\n")
		changed := false
		for i, l := range lines {
			if strings.Contains(l, needle) && !strings.Contains(l, "[forgotten]") {
				lines[i] = fmt.Sprintf("- [forgotten] %s %s (%s: %s)", entityID, slotKey, mode, reason)
				outcome.UnitsAffected++
				changed = true
			}
		}
		if changed {
			if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600); err != nil {
				return nil, fmt.Errorf("appendlog: rewrite: %w", err)
			}
		}
	}

	switch mode {
	case models.ForgetHard:
		delete(s.beliefs, key(entityID, slotKey))
	case models.ForgetTombstone:
		b.Status = models.BeliefTombstoned
	default:
		b.Status = models.BeliefSoftDeleted
	}
	outcome.BeliefUpdated = true
	return outcome, nil
}

// CountEvents implements memory.Backend by counting daily-log lines.
// MEMORY.md is excluded: curated semantic lines are copies of daily entries.
func (s *Store) CountEvents(_ context.Context, entityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, path := range s.dailyFiles() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, l := range strings.Split(string(data), "\n") {
			if !strings.HasPrefix(l, "- [") {
				continue
			}
			if entityID == "" || strings.Contains(l, " "+entityID+" ") {
				count++
			}
		}
	}
	return count, nil
}

func (s *Store) dailyPath(now time.Time) string {
	return filepath.Join(s.root, "memory", now.Format("2006-01-02")+".md")
}

func (s *Store) dailyFiles() []string {
	var paths []string
	if entries, err := os.ReadDir(filepath.Join(s.root, "memory")); err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
				paths = append(paths, filepath.Join(s.root, "memory", e.Name()))
			}
		}
	}
	return paths
}

func (s *Store) allFiles() []string {
	paths := s.dailyFiles()
	if _, err := os.Stat(filepath.Join(s.root, "MEMORY.md")); err == nil {
		paths = append(paths, filepath.Join(s.root, "MEMORY.md"))
	}
	return paths
}

func (s *Store) appendFile(path, text string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("appendlog: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(text + "\n"); err != nil {
		return fmt.Errorf("appendlog: write: %w", err)
	}
	return nil
}

// replay rebuilds the belief and dedup projections from the files.
func (s *Store) replay() error {
	for _, path := range s.allFiles() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, l := range strings.Split(string(data), "\n") {
			if !strings.HasPrefix(l, "- [") || strings.Contains(l, "[forgotten]") {
				continue
			}
			fields := strings.Fields(l)
			// "- [ts] entity slot kind source conf=… sk=… ref=… :: value"
			if len(fields) < 9 {
				continue
			}
			entity, slot := fields[2], fields[3]
			sk := strings.TrimPrefix(fields[7], "sk=")
			if ref := strings.TrimPrefix(fields[8], "ref="); ref != "" {
				s.dedup[sk+"|"+ref] = true
			}
			idx := strings.Index(l, " :: ")
			if idx < 0 {
				continue
			}
			s.beliefs[key(entity, slot)] = &models.Belief{
				EntityID: entity, SlotKey: slot, Value: l[idx+4:],
				Source: models.Source(fields[5]), Status: models.BeliefActive,
				PromotionStatus: models.TierRaw, UpdatedAt: s.now(),
			}
		}
	}
	return nil
}
