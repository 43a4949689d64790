// Package noop implements the "none" memory backend: every write is accepted
// and discarded, every read is empty. Used when memory is disabled by config.
package noop

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Store is the disabled-memory backend.
type Store struct{}

// New creates the noop backend.
func New() *Store { return &Store{} }

// Capabilities implements memory.Backend.
func (s *Store) Capabilities() memory.Capabilities {
	return memory.Capabilities{Name: "none", ForgetFidelity: memory.FidelityNone}
}

// AppendEvent implements memory.Backend.
func (s *Store) AppendEvent(_ context.Context, in memory.AppendInput) (*models.Event, error) {
	now := time.Now().UTC()
	return &models.Event{
		ID: uuid.NewString(), EntityID: in.EntityID, SlotKey: in.SlotKey,
		Kind: in.Kind, Value: in.Value, Source: in.Source,
		Confidence: models.Clamp01(in.Confidence), Importance: models.Clamp01(in.Importance),
		IngestedAt: now, CreatedAt: now,
	}, nil
}

// AppendInferenceEvents implements memory.Backend.
func (s *Store) AppendInferenceEvents(ctx context.Context, ins []memory.AppendInput) ([]*models.Event, error) {
	out := make([]*models.Event, 0, len(ins))
	for _, in := range ins {
		evt, _ := s.AppendEvent(ctx, memory.CapInference(in))
		out = append(out, evt)
	}
	return out, nil
}

// RecallScoped implements memory.Backend.
func (s *Store) RecallScoped(context.Context, memory.RecallQuery) ([]memory.RecallItem, error) {
	return nil, nil
}

// RecallPhased implements memory.Backend.
func (s *Store) RecallPhased(context.Context, memory.RecallQuery) (*memory.PhasedRecall, error) {
	return &memory.PhasedRecall{}, nil
}

// ResolveSlot implements memory.Backend.
func (s *Store) ResolveSlot(context.Context, string, string) (*models.Belief, error) {
	return nil, memory.ErrSlotNotFound
}

// ForgetSlot implements memory.Backend.
func (s *Store) ForgetSlot(_ context.Context, _, _ string, mode models.ForgetMode, _ string) (*memory.ForgetOutcome, error) {
	return &memory.ForgetOutcome{Mode: mode}, nil
}

// CountEvents implements memory.Backend.
func (s *Store) CountEvents(context.Context, string) (int, error) { return 0, nil }

// Close implements memory.Backend.
func (s *Store) Close() error { return nil }
