// Package redisvec implements the columnar-vector memory backend on Redis.
// It is an explicitly degraded backend: soft forget is marker-based (the
// embedding column is retained), tombstones are supported via markers, and
// hygiene is limited to expiry. Recall still honors the hide-soft-deleted
// invariant by filtering marked units before scoring.
package redisvec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/memory/embedding"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Key layout.
const (
	keyEvents  = "iris:events"        // list of event JSON
	keyDedup   = "iris:dedup"         // set of source_kind|source_ref
	keyBeliefs = "iris:beliefs"       // hash field entity|slot → belief JSON
	keyUnits   = "iris:units"         // hash field unit id → unit JSON
	keyByEnt   = "iris:units:entity:" // set per entity of unit ids
)

// Store is the Redis-backed columnar-vector backend.
type Store struct {
	rdb      *redis.Client
	embedder embedding.Provider
	wVec     float64
	wKw      float64
	now      func() time.Time
}

// New connects to Redis and verifies reachability.
func New(ctx context.Context, addr string, embedder embedding.Provider, wVec, wKw float64) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisvec: ping: %w", err)
	}
	if wVec == 0 && wKw == 0 {
		wVec, wKw = memory.DefaultVectorWeight, memory.DefaultKeywordWeight
	}
	slog.Info("Memory backend ready", "backend", "columnar-vector", "addr", addr)
	return &Store{rdb: rdb, embedder: embedder, wVec: wVec, wKw: wKw, now: time.Now}, nil
}

// Capabilities implements memory.Backend. ForgetFidelity is marker: the
// stored embedding survives soft forget, but recall filters marked units.
func (s *Store) Capabilities() memory.Capabilities {
	return memory.Capabilities{
		Name:           "columnar-vector",
		VectorRecall:   s.embedder != nil,
		KeywordRecall:  true,
		PhasedRecall:   false,
		ForgetFidelity: memory.FidelityMarker,
		Tombstones:     true,
		Hygiene:        false,
	}
}

// Close implements memory.Backend.
func (s *Store) Close() error { return s.rdb.Close() }

type storedUnit struct {
	models.RetrievalUnit
	Vector []float32 `json:"vector,omitempty"`
}

type storedBelief struct {
	models.Belief
}

func beliefField(entity, slot string) string { return entity + "|" + slot }

// AppendEvent implements memory.Backend. Redis MULTI covers the writes; the
// belief read-modify-write is serialized by the single scheduler goroutine
// that owns signal appends in this deployment shape.
func (s *Store) AppendEvent(ctx context.Context, in memory.AppendInput) (*models.Event, error) {
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
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrInvalidEvent, err)
	}

	// Tombstone check.
	current, err := s.getBelief(ctx, entityID, slotKey)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Status == models.BeliefTombstoned {
		return nil, memory.ErrSlotTombstoned
	}

	// Dedup on (source_kind, source_ref).
	if evt.SourceRef != "" {
		member := string(evt.SourceKind) + "|" + evt.SourceRef
		added, err := s.rdb.SAdd(ctx, keyDedup, member).Result()
		if err != nil {
			return nil, fmt.Errorf("redisvec: dedup: %w", err)
		}
		if added == 0 {
			return nil, memory.ErrDuplicateSignal
		}
	}

	outcome := memory.ConflictOutcome{NewWins: true}
	if current != nil && current.Status == models.BeliefActive {
		outcome = memory.ResolveConflict(&current.Belief, evt)
	}
	if !outcome.NewWins && outcome.Contradiction {
		evt.Confidence = outcome.LoserConfidence
	}

	unit := storedUnit{RetrievalUnit: models.RetrievalUnit{
		ID: evt.ID, EntityID: entityID, SlotKey: slotKey, Content: evt.Value,
		Tier: evt.Tier, SourceKind: evt.SourceKind, Layer: evt.Layer,
		Privacy: evt.Privacy, CreatedAt: now, UpdatedAt: now,
	}}
	if s.embedder != nil && evt.Value != "" {
		if vecs, embErr := s.embedder.Embed(ctx, []string{evt.Value}); embErr == nil && len(vecs) == 1 {
			unit.Vector = memory.NormalizeVector(vecs[0])
		}
	}

	belief := current
	if outcome.NewWins || belief == nil {
		belief = &storedBelief{Belief: models.Belief{
			EntityID: entityID, SlotKey: slotKey, WinningEventID: evt.ID,
			Value: evt.Value, Source: evt.Source, Confidence: evt.Confidence,
			Importance: evt.Importance, Status: models.BeliefActive,
			PromotionStatus: models.TierRaw,
		}}
		if current != nil {
			belief.ContradictionScore = current.ContradictionScore
		}
	}
	if outcome.Contradiction {
		belief.ContradictionScore += outcome.Penalty
	}
	belief.Status = models.BeliefActive
	belief.UpdatedAt = now

	evtJSON, _ := json.Marshal(evt)
	unitJSON, _ := json.Marshal(unit)
	beliefJSON, _ := json.Marshal(belief)

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, keyEvents, evtJSON)
	pipe.HSet(ctx, keyUnits, evt.ID, unitJSON)
	pipe.SAdd(ctx, keyByEnt+entityID, evt.ID)
	pipe.HSet(ctx, keyBeliefs, beliefField(entityID, slotKey), beliefJSON)
	if outcome.Contradiction {
		mark := *evt
		mark.ID = uuid.NewString()
		mark.Kind = models.EventContradictionMark
		mark.Value = fmt.Sprintf("contradiction on %s", slotKey)
		markJSON, _ := json.Marshal(&mark)
		pipe.RPush(ctx, keyEvents, markJSON)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisvec: append: %w", err)
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

func (s *Store) getBelief(ctx context.Context, entityID, slotKey string) (*storedBelief, error) {
	raw, err := s.rdb.HGet(ctx, keyBeliefs, beliefField(entityID, slotKey)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisvec: get belief: %w", err)
	}
	var b storedBelief
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("redisvec: decode belief: %w", err)
	}
	return &b, nil
}

// ResolveSlot implements memory.Backend.
func (s *Store) ResolveSlot(ctx context.Context, entityID, slotKey string) (*models.Belief, error) {
	b, err := s.getBelief(ctx, entityID, slotKey)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, memory.ErrSlotNotFound
	}
	return &b.Belief, nil
}

// RecallScoped implements memory.Backend. Marked-deleted units are filtered
// before scoring even though their vectors remain in storage.
func (s *Store) RecallScoped(ctx context.Context, q memory.RecallQuery) ([]memory.RecallItem, error) {
	ids, err := s.rdb.SMembers(ctx, keyByEnt+q.EntityID).Result()
	if err != nil {
		return nil, fmt.Errorf("redisvec: members: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := s.rdb.HMGet(ctx, keyUnits, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisvec: load units: %w", err)
	}

	var units []storedUnit
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var u storedUnit
		if err := json.Unmarshal([]byte(str), &u); err != nil {
			continue
		}
		if u.Deleted {
			continue
		}
		if q.SlotPrefix != "" && !hasPrefix(u.SlotKey, q.SlotPrefix) {
			continue
		}
		if !memory.PrivacyAllows(q.MaxPrivacy, u.Privacy) {
			continue
		}
		units = append(units, u)
	}
	if len(units) == 0 {
		return nil, nil
	}

	queryTokens := memory.Tokenize(q.Query)
	docs := make([][]string, len(units))
	for i, u := range units {
		docs[i] = memory.Tokenize(u.Content)
	}
	kwNorm := memory.MinMaxNormalize(memory.BM25Scores(queryTokens, docs))

	var kwItems, vecItems []memory.RecallItem
	for i, u := range units {
		unit := u.RetrievalUnit
		unit.Embedding = u.Vector
		kwItems = append(kwItems, memory.RecallItem{Unit: unit, KwScore: kwNorm[i]})
	}
	if s.embedder != nil && q.Query != "" {
		if qVecs, embErr := s.embedder.Embed(ctx, []string{q.Query}); embErr == nil && len(qVecs) == 1 {
			qVec := memory.NormalizeVector(qVecs[0])
			for _, u := range units {
				if len(u.Vector) == 0 {
					continue
				}
				sim := memory.CosineSimilarity(qVec, u.Vector)
				if sim <= 0 {
					continue
				}
				unit := u.RetrievalUnit
				unit.Embedding = u.Vector
				vecItems = append(vecItems, memory.RecallItem{Unit: unit, VecScore: sim})
			}
		}
	}

	return memory.MergeScored(vecItems, kwItems, s.wVec, s.wKw, q.Limit), nil
}

// RecallPhased is not supported by this backend; callers should consult
// Capabilities and fall back to RecallScoped.
func (s *Store) RecallPhased(ctx context.Context, q memory.RecallQuery) (*memory.PhasedRecall, error) {
	items, err := s.RecallScoped(ctx, q)
	if err != nil {
		return nil, err
	}
	return &memory.PhasedRecall{Synthesis: items}, nil
}

// ForgetSlot implements memory.Backend with marker semantics for soft and
// tombstone; hard forget removes the unit hashes and the belief field.
func (s *Store) ForgetSlot(ctx context.Context, entityID, slotKey string, mode models.ForgetMode, reason string) (*memory.ForgetOutcome, error) {
	belief, err := s.getBelief(ctx, entityID, slotKey)
	if err != nil {
		return nil, err
	}
	if belief == nil {
		return nil, memory.ErrSlotNotFound
	}

	ids, err := s.rdb.SMembers(ctx, keyByEnt+entityID).Result()
	if err != nil {
		return nil, fmt.Errorf("redisvec: members: %w", err)
	}

	outcome := &memory.ForgetOutcome{Mode: mode}
	now := s.now().UTC()

	for _, id := range ids {
		raw, err := s.rdb.HGet(ctx, keyUnits, id).Result()
		if err != nil {
			continue
		}
		var u storedUnit
		if json.Unmarshal([]byte(raw), &u) != nil || u.SlotKey != slotKey {
			continue
		}
		switch mode {
		case models.ForgetHard:
			if err := s.rdb.HDel(ctx, keyUnits, id).Err(); err == nil {
				s.rdb.SRem(ctx, keyByEnt+entityID, id)
				outcome.UnitsAffected++
			}
		default:
			// Marker rewrite: the vector is retained but the unit is hidden.
			u.Deleted = true
			u.Content = "[forgotten: " + reason + "]"
			u.UpdatedAt = now
			updated, _ := json.Marshal(u)
			if err := s.rdb.HSet(ctx, keyUnits, id, updated).Err(); err == nil {
				outcome.UnitsAffected++
			}
		}
	}

	switch mode {
	case models.ForgetHard:
		if err := s.rdb.HDel(ctx, keyBeliefs, beliefField(entityID, slotKey)).Err(); err != nil {
			return nil, fmt.Errorf("redisvec: delete belief: %w", err)
		}
	case models.ForgetTombstone:
		belief.Status = models.BeliefTombstoned
		belief.UpdatedAt = now
		raw, _ := json.Marshal(belief)
		if err := s.rdb.HSet(ctx, keyBeliefs, beliefField(entityID, slotKey), raw).Err(); err != nil {
			return nil, fmt.Errorf("redisvec: tombstone belief: %w", err)
		}
	default:
		belief.Status = models.BeliefSoftDeleted
		belief.UpdatedAt = now
		raw, _ := json.Marshal(belief)
		if err := s.rdb.HSet(ctx, keyBeliefs, beliefField(entityID, slotKey), raw).Err(); err != nil {
			return nil, fmt.Errorf("redisvec: soft delete belief: %w", err)
		}
	}
	outcome.BeliefUpdated = true
	return outcome, nil
}

// CountEvents implements memory.Backend.
func (s *Store) CountEvents(ctx context.Context, entityID string) (int, error) {
	if entityID == "" {
		n, err := s.rdb.LLen(ctx, keyEvents).Result()
		return int(n), err
	}
	// Entity-scoped counting walks the ledger; acceptable for diagnostics.
	raws, err := s.rdb.LRange(ctx, keyEvents, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, raw := range raws {
		var evt models.Event
		if json.Unmarshal([]byte(raw), &evt) == nil && evt.EntityID == entityID {
			count++
		}
	}
	return count, nil
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}
