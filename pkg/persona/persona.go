// Package persona owns the agent's self-state: the canonical record lives in
// the memory backend, persona.json on disk is a reconcilable mirror. Identity
// fields are written once by the initial seed and never again.
package persona

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haru0416-dev/asteroniris/pkg/guard"
	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Canonical storage coordinates.
const (
	selfEntity = "agent:self"
	stateSlot  = "persona.state"

	// CurrentSchemaVersion stamps freshly seeded persona records.
	CurrentSchemaVersion = 1
)

// defaultPrinciples is hashed into the immutable identity header at seed time.
const defaultPrinciples = "be honest; protect user data; act only within granted autonomy"

// Store manages the canonical persona record and its disk mirror.
type Store struct {
	mem        memory.Backend
	mirrorPath string

	mu    sync.RWMutex
	state models.PersonaState
	now   func() time.Time
}

// NewStore creates a persona store rooted at the workspace.
func NewStore(mem memory.Backend, workspace string) *Store {
	return &Store{
		mem:        mem,
		mirrorPath: filepath.Join(workspace, "persona.json"),
		now:        time.Now,
	}
}

// Load reconciles canonical and mirror state at startup:
//   - canonical absent, mirror present → seed canonical from mirror
//   - both absent → seed the minimal identity header
//   - divergence → canonical wins and the mirror is overwritten
func (s *Store) Load(ctx context.Context) error {
	canonical, canonErr := s.loadCanonical(ctx)
	mirror, mirrorErr := s.loadMirror()

	switch {
	case canonErr == nil:
		s.setState(*canonical)
		if mirrorErr != nil || !statesEqual(canonical, mirror) {
			if err := s.writeMirror(canonical); err != nil {
				return err
			}
			if mirrorErr == nil {
				slog.Warn("Persona mirror diverged from canonical; mirror overwritten")
			}
		}
		return nil

	case mirrorErr == nil:
		slog.Info("Persona canonical absent; seeding from mirror")
		s.setState(*mirror)
		return s.persistCanonical(ctx, mirror)

	default:
		slog.Info("Persona state absent; seeding minimal identity header")
		seeded := s.seed()
		s.setState(seeded)
		if err := s.persistCanonical(ctx, &seeded); err != nil {
			return err
		}
		return s.writeMirror(&seeded)
	}
}

// State returns a copy of the current persona state.
func (s *Store) State() models.PersonaState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Apply merges a guard-validated writeback into the mutable fields and
// persists canonical + mirror. Identity fields are untouchable here: the
// guard rejects them upstream and this method never reads them.
func (s *Store) Apply(ctx context.Context, w *guard.Writeback) error {
	s.mu.Lock()
	next := s.state
	if w.CurrentObjective != nil {
		next.CurrentObjective = *w.CurrentObjective
	}
	if w.OpenLoops != nil {
		next.OpenLoops = w.OpenLoops
	}
	if w.NextActions != nil {
		next.NextActions = w.NextActions
	}
	if w.Commitments != nil {
		next.Commitments = w.Commitments
	}
	if w.ContextSummary != nil {
		next.ContextSummary = *w.ContextSummary
	}
	next.UpdatedAt = s.now().UTC()
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.mu.Unlock()

	if err := s.persistCanonical(ctx, &next); err != nil {
		return err
	}
	return s.writeMirror(&next)
}

func (s *Store) setState(state models.PersonaState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Store) seed() models.PersonaState {
	sum := sha256.Sum256([]byte(defaultPrinciples))
	return models.PersonaState{
		Identity: models.PersonaIdentity{
			SchemaVersion:  CurrentSchemaVersion,
			PrinciplesHash: hex.EncodeToString(sum[:]),
			SafetyPosture:  "strict",
		},
		UpdatedAt: s.now().UTC(),
	}
}

func (s *Store) loadCanonical(ctx context.Context) (*models.PersonaState, error) {
	belief, err := s.mem.ResolveSlot(ctx, selfEntity, stateSlot)
	if err != nil {
		return nil, err
	}
	var state models.PersonaState
	if err := json.Unmarshal([]byte(belief.Value), &state); err != nil {
		return nil, fmt.Errorf("persona: canonical record corrupt: %w", err)
	}
	return &state, nil
}

func (s *Store) persistCanonical(ctx context.Context, state *models.PersonaState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("persona: marshal: %w", err)
	}
	_, err = s.mem.AppendEvent(ctx, memory.AppendInput{
		EntityID:   selfEntity,
		SlotKey:    stateSlot,
		Kind:       models.EventFactUpdated,
		Value:      string(raw),
		Source:     models.SourceSystem,
		Confidence: 1,
		Importance: 1,
		Layer:      models.LayerIdentity,
		Privacy:    models.PrivacyPrivate,
	})
	if err != nil {
		return fmt.Errorf("persona: persist canonical: %w", err)
	}
	return nil
}

func (s *Store) loadMirror() (*models.PersonaState, error) {
	raw, err := os.ReadFile(s.mirrorPath)
	if err != nil {
		return nil, err
	}
	var state models.PersonaState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("persona: mirror corrupt: %w", err)
	}
	return &state, nil
}

func (s *Store) writeMirror(state *models.PersonaState) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("persona: marshal mirror: %w", err)
	}
	if err := os.WriteFile(s.mirrorPath, raw, 0o600); err != nil {
		return fmt.Errorf("persona: write mirror: %w", err)
	}
	return nil
}

func statesEqual(a, b *models.PersonaState) bool {
	if a == nil || b == nil {
		return a == b
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

// IsMissing reports whether a load error means "no record" rather than
// corruption.
func IsMissing(err error) bool {
	return errors.Is(err, memory.ErrSlotNotFound) || os.IsNotExist(err)
}
