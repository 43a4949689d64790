package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

const (
	defaultRecallLimit = 12
	trendTTL           = 30 * 24 * time.Hour
)

type unitRow struct {
	ID         string    `db:"id"`
	EntityID   string    `db:"entity_id"`
	SlotKey    string    `db:"slot_key"`
	Content    string    `db:"content"`
	Tier       string    `db:"tier"`
	SourceKind string    `db:"source_kind"`
	Layer      string    `db:"layer"`
	Privacy    string    `db:"privacy"`
	Embedding  []byte    `db:"embedding"`
	Deleted    bool      `db:"deleted"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r *unitRow) toModel() models.RetrievalUnit {
	return models.RetrievalUnit{
		ID:         r.ID,
		EntityID:   r.EntityID,
		SlotKey:    r.SlotKey,
		Content:    r.Content,
		Tier:       models.SignalTier(r.Tier),
		SourceKind: models.SourceKind(r.SourceKind),
		Layer:      models.Layer(r.Layer),
		Privacy:    models.Privacy(r.Privacy),
		Embedding:  decodeVector(r.Embedding),
		Deleted:    r.Deleted,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// RecallScoped implements memory.Backend. Soft-deleted units never appear:
// the candidate query filters them at the storage layer.
func (s *Store) RecallScoped(ctx context.Context, q memory.RecallQuery) ([]memory.RecallItem, error) {
	rows, err := s.candidates(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return s.score(ctx, q, rows)
}

// candidates loads the filtered, non-deleted unit batch for scoring.
func (s *Store) candidates(ctx context.Context, q memory.RecallQuery) ([]unitRow, error) {
	query := `SELECT * FROM retrieval_units WHERE deleted = 0`
	args := []any{}

	if q.EntityID != "" {
		entityID, err := models.NormalizeEntityID(q.EntityID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", memory.ErrInvalidEvent, err)
		}
		query += ` AND entity_id = ?`
		args = append(args, entityID)
	}
	if q.SlotPrefix != "" {
		query += ` AND slot_key LIKE ?`
		args = append(args, q.SlotPrefix+"%")
	}
	if len(q.Layers) > 0 {
		placeholders := make([]string, len(q.Layers))
		for i, l := range q.Layers {
			placeholders[i] = "?"
			args = append(args, string(l))
		}
		query += ` AND layer IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY updated_at DESC LIMIT 500`

	var rows []unitRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("candidates: %w", err)
	}

	// Privacy filtering happens in-process so the rank order is one place.
	kept := rows[:0]
	for _, r := range rows {
		if memory.PrivacyAllows(q.MaxPrivacy, models.Privacy(r.Privacy)) {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// score runs the hybrid ranking over the candidate batch: BM25 is min-max
// normalized within the batch, cosine runs over unit-normalized embeddings,
// and the two merge by id with the configured weights.
func (s *Store) score(ctx context.Context, q memory.RecallQuery, rows []unitRow) ([]memory.RecallItem, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultRecallLimit
	}

	// No query text: recency order stands in for relevance.
	if strings.TrimSpace(q.Query) == "" {
		items := make([]memory.RecallItem, 0, min(limit, len(rows)))
		for _, r := range rows[:min(limit, len(rows))] {
			items = append(items, memory.RecallItem{Unit: r.toModel()})
		}
		return items, nil
	}

	queryTokens := memory.Tokenize(q.Query)
	docs := make([][]string, len(rows))
	for i, r := range rows {
		docs[i] = memory.Tokenize(r.Content)
	}
	kwRaw := memory.BM25Scores(queryTokens, docs)
	kwNorm := memory.MinMaxNormalize(kwRaw)

	kwItems := make([]memory.RecallItem, 0, len(rows))
	for i, r := range rows {
		if kwNorm[i] <= 0 && kwRaw[i] <= 0 {
			continue
		}
		kwItems = append(kwItems, memory.RecallItem{Unit: r.toModel(), KwScore: kwNorm[i]})
	}

	var vecItems []memory.RecallItem
	if s.embedder != nil {
		qVecs, err := s.embedder.Embed(ctx, []string{q.Query})
		if err == nil && len(qVecs) == 1 {
			qVec := memory.NormalizeVector(qVecs[0])
			for _, r := range rows {
				unit := r.toModel()
				if len(unit.Embedding) == 0 {
					continue
				}
				sim := memory.CosineSimilarity(qVec, unit.Embedding)
				if sim <= 0 {
					continue
				}
				vecItems = append(vecItems, memory.RecallItem{Unit: unit, VecScore: sim})
			}
		}
	}

	return memory.MergeScored(vecItems, kwItems, s.wVec, s.wKw, limit), nil
}

// RecallPhased implements memory.Backend: (R1) entity-scoped beliefs, (R2)
// recent trend signals within TTL, (R3) the contradiction trail, (R4) the
// final synthesis slice.
func (s *Store) RecallPhased(ctx context.Context, q memory.RecallQuery) (*memory.PhasedRecall, error) {
	out := &memory.PhasedRecall{}

	// R1: active beliefs for the entity, as recall items.
	var beliefRows []beliefRow
	if err := s.db.SelectContext(ctx, &beliefRows, `
		SELECT * FROM beliefs
		WHERE entity_id = ? AND status = 'active'
		ORDER BY updated_at DESC LIMIT 25`, q.EntityID); err != nil {
		return nil, fmt.Errorf("phased r1: %w", err)
	}
	for _, b := range beliefRows {
		out.Entity = append(out.Entity, memory.RecallItem{
			Unit: models.RetrievalUnit{
				ID:       "belief:" + b.EntityID + "/" + b.SlotKey,
				EntityID: b.EntityID,
				SlotKey:  b.SlotKey,
				Content:  b.Value,
				Tier:     models.SignalTier(b.PromotionStatus),
			},
			Score: b.Confidence,
		})
	}

	// R2: recent trend snapshots inside the TTL window.
	cutoff := s.now().UTC().Add(-trendTTL)
	trendRows, err := s.candidates(ctx, memory.RecallQuery{SlotPrefix: "trend.", MaxPrivacy: q.MaxPrivacy})
	if err != nil {
		return nil, fmt.Errorf("phased r2: %w", err)
	}
	for _, r := range trendRows {
		if r.UpdatedAt.Before(cutoff) {
			continue
		}
		out.RecentTrends = append(out.RecentTrends, memory.RecallItem{Unit: r.toModel()})
	}

	// R3: the contradiction trail for the entity.
	var trail []unitRow
	if err := s.db.SelectContext(ctx, &trail, `
		SELECT id, entity_id, slot_key, value AS content, tier, source_kind,
			layer, privacy, NULL AS embedding, 0 AS deleted, created_at, created_at AS updated_at
		FROM events
		WHERE entity_id = ? AND kind = ?
		ORDER BY created_at DESC LIMIT 10`,
		q.EntityID, string(models.EventContradictionMark)); err != nil {
		return nil, fmt.Errorf("phased r3: %w", err)
	}
	for _, r := range trail {
		out.Contradictions = append(out.Contradictions, memory.RecallItem{Unit: r.toModel()})
	}

	// R4: the synthesis slice, full hybrid recall.
	synth, err := s.RecallScoped(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("phased r4: %w", err)
	}
	out.Synthesis = synth

	return out, nil
}
