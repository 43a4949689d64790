package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// ForgetSlot implements memory.Backend.
//
//   - soft: belief status soft_deleted, retrieval hidden, events remain
//   - hard: retrieval units and belief row removed; the event ledger keeps
//     the trace (append-only invariant)
//   - tombstone: like soft, but the slot refuses all future writes
func (s *Store) ForgetSlot(ctx context.Context, entityID, slotKey string, mode models.ForgetMode, reason string) (*memory.ForgetOutcome, error) {
	entityID, err := models.NormalizeEntityID(entityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrInvalidEvent, err)
	}
	slotKey, err = models.NormalizeSlotKey(slotKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrInvalidEvent, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	belief, err := getBelief(ctx, tx, entityID, slotKey)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load belief: %w", err)
	}
	if belief == nil {
		return nil, memory.ErrSlotNotFound
	}

	now := s.now().UTC()
	outcome := &memory.ForgetOutcome{Mode: mode}

	switch mode {
	case models.ForgetSoft, models.ForgetTombstone:
		status := models.BeliefSoftDeleted
		kind := models.EventSoftDeleted
		if mode == models.ForgetTombstone {
			status = models.BeliefTombstoned
			kind = models.EventTombstoneWritten
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE retrieval_units SET deleted = 1, updated_at = ? WHERE entity_id = ? AND slot_key = ?`,
			now, entityID, slotKey)
		if err != nil {
			return nil, fmt.Errorf("hide units: %w", err)
		}
		affected, _ := res.RowsAffected()
		outcome.UnitsAffected = int(affected)

		if _, err := tx.ExecContext(ctx,
			`UPDATE beliefs SET status = ?, updated_at = ? WHERE entity_id = ? AND slot_key = ?`,
			string(status), now, entityID, slotKey); err != nil {
			return nil, fmt.Errorf("update belief: %w", err)
		}
		outcome.BeliefUpdated = true

		marker := &models.Event{
			ID:         uuid.NewString(),
			EntityID:   entityID,
			SlotKey:    slotKey,
			Kind:       kind,
			Value:      reason,
			Source:     models.SourceSystem,
			Layer:      models.LayerEpisodic,
			Privacy:    models.PrivacyPrivate,
			Tier:       models.TierRaw,
			IngestedAt: now,
			CreatedAt:  now,
		}
		if marker.Value == "" {
			marker.Value = string(mode)
		}
		if err := insertEvent(ctx, tx, marker); err != nil {
			return nil, err
		}

	case models.ForgetHard:
		// Purge embedding-cache entries before the content disappears.
		if cached, ok := s.embedder.(interface{ Purge(...string) }); ok && s.embedder != nil {
			var contents []string
			if err := tx.SelectContext(ctx, &contents,
				`SELECT content FROM retrieval_units WHERE entity_id = ? AND slot_key = ?`,
				entityID, slotKey); err == nil {
				cached.Purge(contents...)
			}
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM retrieval_units WHERE entity_id = ? AND slot_key = ?`, entityID, slotKey)
		if err != nil {
			return nil, fmt.Errorf("delete units: %w", err)
		}
		affected, _ := res.RowsAffected()
		outcome.UnitsAffected = int(affected)

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM beliefs WHERE entity_id = ? AND slot_key = ?`, entityID, slotKey); err != nil {
			return nil, fmt.Errorf("delete belief: %w", err)
		}
		outcome.BeliefUpdated = true

		marker := &models.Event{
			ID:         uuid.NewString(),
			EntityID:   entityID,
			SlotKey:    slotKey,
			Kind:       models.EventHardDeleted,
			Value:      reason,
			Source:     models.SourceSystem,
			Layer:      models.LayerEpisodic,
			Privacy:    models.PrivacyPrivate,
			Tier:       models.TierRaw,
			IngestedAt: now,
			CreatedAt:  now,
		}
		if marker.Value == "" {
			marker.Value = "hard"
		}
		if err := insertEvent(ctx, tx, marker); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown forget mode %q", mode)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO deletions (id, entity_id, slot_key, mode, reason, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), entityID, slotKey, string(mode), reason, now); err != nil {
		return nil, fmt.Errorf("deletion ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return outcome, nil
}
