package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// AppendEvent implements memory.Backend. The event write, belief update, and
// retrieval projection commit in one transaction; readers never observe a
// partial state.
func (s *Store) AppendEvent(ctx context.Context, in memory.AppendInput) (*models.Event, error) {
	return s.appendOne(ctx, in)
}

// AppendInferenceEvents implements memory.Backend.
func (s *Store) AppendInferenceEvents(ctx context.Context, ins []memory.AppendInput) ([]*models.Event, error) {
	out := make([]*models.Event, 0, len(ins))
	for _, in := range ins {
		evt, err := s.appendOne(ctx, memory.CapInference(in))
		if err != nil {
			// Data errors reject the specific event; neighbors are unaffected.
			if errors.Is(err, memory.ErrInvalidEvent) || errors.Is(err, memory.ErrDuplicateSignal) || errors.Is(err, memory.ErrSlotTombstoned) {
				continue
			}
			return out, err
		}
		out = append(out, evt)
	}
	return out, nil
}

func (s *Store) appendOne(ctx context.Context, in memory.AppendInput) (*models.Event, error) {
	entityID, err := models.NormalizeEntityID(in.EntityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrInvalidEvent, err)
	}
	slotKey, err := models.NormalizeSlotKey(in.SlotKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrInvalidEvent, err)
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
		Lang:       in.Lang,
		IngestedAt: now,
		CreatedAt:  now,
	}
	if evt.Kind == "" {
		evt.Kind = models.EventFactAdded
	}
	if evt.Layer == "" {
		evt.Layer = models.LayerEpisodic
	}
	if evt.Privacy == "" {
		evt.Privacy = models.PrivacyPrivate
	}
	if evt.Source == "" {
		evt.Source = models.SourceSystem
	}
	if floor := memory.RetentionFloor(evt.Layer); floor > 0 {
		retain := floor
		if in.RetainFor > retain {
			retain = in.RetainFor
		}
		until := now.Add(retain)
		evt.RetainUntil = &until
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrInvalidEvent, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Tombstoned slots refuse all subsequent writes.
	current, err := getBelief(ctx, tx, entityID, slotKey)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load belief: %w", err)
	}
	if current != nil && current.Status == models.BeliefTombstoned {
		return nil, memory.ErrSlotTombstoned
	}

	// Dedup externally referenced signals on (source_kind, source_ref).
	if evt.SourceRef != "" {
		var count int
		if err := tx.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM events WHERE source_kind = ? AND source_ref = ?`,
			string(evt.SourceKind), evt.SourceRef); err != nil {
			return nil, fmt.Errorf("dedup check: %w", err)
		}
		if count > 0 {
			return nil, memory.ErrDuplicateSignal
		}
	}

	outcome := resolveAgainst(current, evt)
	if !outcome.NewWins && outcome.Contradiction {
		// The incoming claim lost: record it with its penalized confidence.
		evt.Confidence = outcome.LoserConfidence
	}

	if err := insertEvent(ctx, tx, evt); err != nil {
		return nil, err
	}

	if outcome.Contradiction {
		if err := s.recordContradiction(ctx, tx, current, evt, outcome); err != nil {
			return nil, err
		}
	}

	if err := s.upsertBelief(ctx, tx, current, evt, outcome, now); err != nil {
		return nil, err
	}

	if err := s.projectUnit(ctx, tx, evt, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return evt, nil
}

func resolveAgainst(current *models.Belief, evt *models.Event) memory.ConflictOutcome {
	if current == nil || current.Status == models.BeliefSoftDeleted || current.Status == models.BeliefHardDeleted {
		// No live belief to conflict with; the new event wins the slot.
		return memory.ConflictOutcome{NewWins: true}
	}
	return memory.ResolveConflict(current, evt)
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, evt *models.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, entity_id, slot_key, kind, value, source, confidence,
			importance, layer, privacy, tier, source_kind, source_ref, lang,
			ingested_at, created_at, retain_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.EntityID, evt.SlotKey, string(evt.Kind), evt.Value, string(evt.Source),
		evt.Confidence, evt.Importance, string(evt.Layer), string(evt.Privacy), string(evt.Tier),
		string(evt.SourceKind), evt.SourceRef, evt.Lang, evt.IngestedAt, evt.CreatedAt, evt.RetainUntil)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// recordContradiction appends the contradiction_marked event. The losing
// side's penalized confidence is carried in the event value for the trail.
func (s *Store) recordContradiction(ctx context.Context, tx *sqlx.Tx, current *models.Belief, evt *models.Event, outcome memory.ConflictOutcome) error {
	marker := &models.Event{
		ID:         uuid.NewString(),
		EntityID:   evt.EntityID,
		SlotKey:    evt.SlotKey,
		Kind:       models.EventContradictionMark,
		Value:      fmt.Sprintf("contradiction: %q vs %q; losing confidence %.3f", current.Value, evt.Value, outcome.LoserConfidence),
		Source:     models.SourceSystem,
		Confidence: outcome.LoserConfidence,
		Importance: evt.Importance,
		Layer:      evt.Layer,
		Privacy:    evt.Privacy,
		Tier:       models.TierRaw,
		IngestedAt: evt.IngestedAt,
		CreatedAt:  evt.CreatedAt,
	}
	return insertEvent(ctx, tx, marker)
}

// upsertBelief writes the belief row for the slot. Contradiction penalty is
// cumulative and monotonic-increasing until forget or promotion resets it.
func (s *Store) upsertBelief(ctx context.Context, tx *sqlx.Tx, current *models.Belief, evt *models.Event, outcome memory.ConflictOutcome, now time.Time) error {
	score := 0.0
	promotion := models.TierRaw
	if current != nil {
		score = current.ContradictionScore
		promotion = current.PromotionStatus
	}
	if outcome.Contradiction {
		score += outcome.Penalty
		if promotion == models.TierPromoted || promotion == models.TierCandidate {
			promotion = models.TierDemoted
		}
	}

	winner := current
	if outcome.NewWins || current == nil {
		winner = &models.Belief{
			EntityID:       evt.EntityID,
			SlotKey:        evt.SlotKey,
			WinningEventID: evt.ID,
			Value:          evt.Value,
			Source:         evt.Source,
			Confidence:     evt.Confidence,
			Importance:     evt.Importance,
		}
	}

	promotion = s.promotionFor(ctx, tx, evt, winner, promotion, outcome)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO beliefs (entity_id, slot_key, winning_event_id, value, source,
			confidence, importance, status, contradiction_score, promotion_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'active', ?, ?, ?)
		ON CONFLICT (entity_id, slot_key) DO UPDATE SET
			winning_event_id = excluded.winning_event_id,
			value = excluded.value,
			source = excluded.source,
			confidence = excluded.confidence,
			importance = excluded.importance,
			status = 'active',
			contradiction_score = excluded.contradiction_score,
			promotion_status = excluded.promotion_status,
			updated_at = excluded.updated_at`,
		winner.EntityID, winner.SlotKey, winner.WinningEventID, winner.Value, string(winner.Source),
		models.Clamp01(winner.Confidence), models.Clamp01(winner.Importance),
		score, string(promotion), now)
	if err != nil {
		return fmt.Errorf("upsert belief: %w", err)
	}
	return nil
}

// promotionFor applies the raw → candidate → promoted ladder.
//
//   - raw: requires a source_ref to ever leave raw
//   - candidate: ≥2 independent source refs, or a single tool_verified source
//   - promoted: candidate + no active contradiction
//   - demoted: set by contradiction or staleness, sticky until re-earned
func (s *Store) promotionFor(ctx context.Context, tx *sqlx.Tx, evt *models.Event, winner *models.Belief, prior models.SignalTier, outcome memory.ConflictOutcome) models.SignalTier {
	if prior == models.TierDemoted {
		return models.TierDemoted
	}
	if outcome.Contradiction {
		return prior
	}
	if winner.Source == models.SourceToolVerified {
		if prior == models.TierCandidate {
			return models.TierPromoted
		}
		return models.TierCandidate
	}
	if evt.SourceRef == "" {
		return prior
	}
	var refs int
	if err := tx.GetContext(ctx, &refs, `
		SELECT COUNT(DISTINCT source_ref) FROM events
		WHERE entity_id = ? AND slot_key = ? AND source_ref <> ''`,
		evt.EntityID, evt.SlotKey); err != nil {
		return prior
	}
	switch {
	case refs >= 2 && prior == models.TierCandidate:
		return models.TierPromoted
	case refs >= 2:
		return models.TierCandidate
	default:
		return prior
	}
}

// projectUnit writes the retrieval projection for the event.
func (s *Store) projectUnit(ctx context.Context, tx *sqlx.Tx, evt *models.Event, now time.Time) error {
	if evt.Value == "" {
		return nil
	}
	var blob []byte
	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{evt.Value})
		if err != nil {
			// Vector enrichment is best-effort; keyword recall still works.
			blob = nil
		} else if len(vecs) == 1 {
			blob = encodeVector(memory.NormalizeVector(vecs[0]))
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO retrieval_units (id, entity_id, slot_key, content, tier,
			source_kind, layer, privacy, embedding, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		evt.ID, evt.EntityID, evt.SlotKey, evt.Value, string(evt.Tier),
		string(evt.SourceKind), string(evt.Layer), string(evt.Privacy), blob, now, now)
	if err != nil {
		return fmt.Errorf("project unit: %w", err)
	}
	return nil
}

type beliefRow struct {
	EntityID           string    `db:"entity_id"`
	SlotKey            string    `db:"slot_key"`
	WinningEventID     string    `db:"winning_event_id"`
	Value              string    `db:"value"`
	Source             string    `db:"source"`
	Confidence         float64   `db:"confidence"`
	Importance         float64   `db:"importance"`
	Status             string    `db:"status"`
	ContradictionScore float64   `db:"contradiction_score"`
	PromotionStatus    string    `db:"promotion_status"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func (r *beliefRow) toModel() *models.Belief {
	return &models.Belief{
		EntityID:           r.EntityID,
		SlotKey:            r.SlotKey,
		WinningEventID:     r.WinningEventID,
		Value:              r.Value,
		Source:             models.Source(r.Source),
		Confidence:         r.Confidence,
		Importance:         r.Importance,
		Status:             models.BeliefStatus(r.Status),
		ContradictionScore: r.ContradictionScore,
		PromotionStatus:    models.SignalTier(r.PromotionStatus),
		UpdatedAt:          r.UpdatedAt,
	}
}

func getBelief(ctx context.Context, q sqlx.QueryerContext, entityID, slotKey string) (*models.Belief, error) {
	var row beliefRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT * FROM beliefs WHERE entity_id = ? AND slot_key = ?`, entityID, slotKey)
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ResolveSlot implements memory.Backend.
func (s *Store) ResolveSlot(ctx context.Context, entityID, slotKey string) (*models.Belief, error) {
	entityID, err := models.NormalizeEntityID(entityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrInvalidEvent, err)
	}
	slotKey, err = models.NormalizeSlotKey(slotKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrInvalidEvent, err)
	}
	belief, err := getBelief(ctx, s.db, entityID, slotKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, memory.ErrSlotNotFound
		}
		return nil, fmt.Errorf("resolve slot: %w", err)
	}
	return belief, nil
}
