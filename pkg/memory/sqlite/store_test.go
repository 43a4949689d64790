package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/memory/embedding"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(context.Background(), Options{
		Path:     ":memory:",
		Embedder: embedding.NewHash(32),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func appendFact(t *testing.T, s *Store, entity, slot, value string, source models.Source, conf, imp float64) *models.Event {
	t.Helper()
	evt, err := s.AppendEvent(context.Background(), memory.AppendInput{
		EntityID:   entity,
		SlotKey:    slot,
		Value:      value,
		Source:     source,
		Confidence: conf,
		Importance: imp,
	})
	require.NoError(t, err)
	return evt
}

func TestAppendEventCreatesBeliefAndUnit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	evt := appendFact(t, s, "user:42", "pref.language", "en", models.SourceExplicitUser, 0.95, 0.8)
	require.NotEmpty(t, evt.ID)

	belief, err := s.ResolveSlot(ctx, "user:42", "pref.language")
	require.NoError(t, err)
	assert.Equal(t, "en", belief.Value)
	assert.Equal(t, evt.ID, belief.WinningEventID)
	assert.Equal(t, models.BeliefActive, belief.Status)

	count, err := s.CountEvents(ctx, "user:42")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBeliefConflictWithContradictionPenalty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendFact(t, s, "user:42", "pref.language", "en", models.SourceExplicitUser, 0.95, 0.8)

	// A weaker inferred claim must not displace the explicit belief.
	evt, err := s.AppendEvent(ctx, memory.AppendInput{
		EntityID:   "user:42",
		SlotKey:    "pref.language",
		Value:      "ja",
		Source:     models.SourceInferred,
		Confidence: 0.7,
		Importance: 0.8,
	})
	require.NoError(t, err)

	belief, err := s.ResolveSlot(ctx, "user:42", "pref.language")
	require.NoError(t, err)
	assert.Equal(t, "en", belief.Value, "explicit belief survives")
	assert.Greater(t, belief.ContradictionScore, 0.0)

	// The losing claim is stored with its penalized confidence:
	// clamp(0.7 − (0.12 + 0.10·0.7 + 0.08·0.8)) = 0.446.
	assert.InDelta(t, 0.446, evt.Confidence, 1e-9)

	// A contradiction_marked event joined the ledger.
	var marks int
	require.NoError(t, s.db.Get(&marks,
		`SELECT COUNT(*) FROM events WHERE kind = ?`, string(models.EventContradictionMark)))
	assert.Equal(t, 1, marks)
}

func TestTombstoneBlocksSubsequentWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendFact(t, s, "user:42", "pref.language", "en", models.SourceExplicitUser, 0.9, 0.5)

	outcome, err := s.ForgetSlot(ctx, "user:42", "pref.language", models.ForgetTombstone, "user request")
	require.NoError(t, err)
	assert.True(t, outcome.BeliefUpdated)

	_, err = s.AppendEvent(ctx, memory.AppendInput{
		EntityID:   "user:42",
		SlotKey:    "pref.language",
		Value:      "fr",
		Source:     models.SourceExplicitUser,
		Confidence: 0.9,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrSlotTombstoned))

	belief, err := s.ResolveSlot(ctx, "user:42", "pref.language")
	require.NoError(t, err)
	assert.Equal(t, models.BeliefTombstoned, belief.Status)
	assert.Equal(t, "en", belief.Value, "no new belief value after tombstone")
}

func TestSoftForgetHidesFromRecall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendFact(t, s, "user:42", "fact.city", "lives in osaka", models.SourceExplicitUser, 0.9, 0.5)

	items, err := s.RecallScoped(ctx, memory.RecallQuery{EntityID: "user:42", Query: "osaka"})
	require.NoError(t, err)
	require.NotEmpty(t, items)

	_, err = s.ForgetSlot(ctx, "user:42", "fact.city", models.ForgetSoft, "cleanup")
	require.NoError(t, err)

	items, err = s.RecallScoped(ctx, memory.RecallQuery{EntityID: "user:42", Query: "osaka"})
	require.NoError(t, err)
	assert.Empty(t, items, "soft-deleted units must not appear in recall")

	// The event ledger keeps the trace.
	count, err := s.CountEvents(ctx, "user:42")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 2)
}

func TestHardForgetRemovesRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendFact(t, s, "user:42", "fact.city", "lives in osaka", models.SourceExplicitUser, 0.9, 0.5)

	outcome, err := s.ForgetSlot(ctx, "user:42", "fact.city", models.ForgetHard, "gdpr")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.UnitsAffected)

	_, err = s.ResolveSlot(ctx, "user:42", "fact.city")
	assert.True(t, errors.Is(err, memory.ErrSlotNotFound))

	var units int
	require.NoError(t, s.db.Get(&units, `SELECT COUNT(*) FROM retrieval_units WHERE slot_key = 'fact.city'`))
	assert.Zero(t, units)

	// Hard forget may be followed by fresh writes (only tombstone blocks).
	appendFact(t, s, "user:42", "fact.city", "lives in tokyo", models.SourceExplicitUser, 0.9, 0.5)
}

func TestDedupBySourceRef(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, memory.AppendInput{
		EntityID: "feed:rss:tech", SlotKey: "signal.rss.item", Value: "headline one",
		Source: models.SourceExternalPrimary, SourceKind: models.SourceKindRSS,
		SourceRef: "https://x/1", Confidence: 0.5,
	})
	require.NoError(t, err)

	// Same (source_kind, source_ref), different content: duplicate.
	_, err = s.AppendEvent(ctx, memory.AppendInput{
		EntityID: "feed:rss:tech", SlotKey: "signal.rss.item", Value: "headline changed",
		Source: models.SourceExternalPrimary, SourceKind: models.SourceKindRSS,
		SourceRef: "https://x/1", Confidence: 0.5,
	})
	assert.True(t, errors.Is(err, memory.ErrDuplicateSignal))

	// Different source_kind, same ref: not a duplicate.
	_, err = s.AppendEvent(ctx, memory.AppendInput{
		EntityID: "feed:news:tech", SlotKey: "signal.news.item", Value: "headline one",
		Source: models.SourceExternalPrimary, SourceKind: models.SourceKindNews,
		SourceRef: "https://x/1", Confidence: 0.5,
	})
	assert.NoError(t, err)
}

func TestExternalEventRequiresSourceRef(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AppendEvent(context.Background(), memory.AppendInput{
		EntityID: "feed:rss:tech", SlotKey: "signal.rss.item", Value: "headline",
		Source: models.SourceExternalPrimary, SourceKind: models.SourceKindRSS,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrInvalidEvent))
}

func TestAppendInferenceEventsCapsConfidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events, err := s.AppendInferenceEvents(ctx, []memory.AppendInput{
		{EntityID: "user:42", SlotKey: "belief.mood", Value: "curious", Confidence: 0.99},
		{EntityID: "user:42", SlotKey: "belief.topic", Value: "go modules", Confidence: 0.4},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.SourceInferred, events[0].Source)
	assert.LessOrEqual(t, events[0].Confidence, memory.InferenceConfidenceCap)
	assert.InDelta(t, 0.4, events[1].Confidence, 1e-9)
}

func TestRecallScopedRanksByHybridScore(t *testing.T) {
	// Keyword-only store so the ranking assertion does not depend on the
	// deterministic hash embedding geometry.
	s, err := New(context.Background(), Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	appendFact(t, s, "user:42", "fact.lang", "user prefers japanese language output", models.SourceExplicitUser, 0.9, 0.5)
	appendFact(t, s, "user:42", "fact.weather", "weather in osaka is sunny", models.SourceExplicitUser, 0.9, 0.5)

	items, err := s.RecallScoped(ctx, memory.RecallQuery{EntityID: "user:42", Query: "japanese language"})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, "fact.lang", items[0].Unit.SlotKey)
}

func TestRecallPhasedShapes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendFact(t, s, "user:42", "pref.language", "english language", models.SourceExplicitUser, 0.95, 0.8)
	// Contradicting claim to populate the trail.
	_, err := s.AppendEvent(ctx, memory.AppendInput{
		EntityID: "user:42", SlotKey: "pref.language", Value: "japanese language",
		Source: models.SourceInferred, Confidence: 0.6, Importance: 0.5,
	})
	require.NoError(t, err)

	phased, err := s.RecallPhased(ctx, memory.RecallQuery{EntityID: "user:42", Query: "language"})
	require.NoError(t, err)
	assert.NotEmpty(t, phased.Entity, "R1 entity beliefs")
	assert.NotEmpty(t, phased.Contradictions, "R3 contradiction trail")
	assert.NotEmpty(t, phased.Synthesis, "R4 synthesis slice")
}

func TestHygieneDemotesContradictedBeliefs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendFact(t, s, "user:42", "pref.editor", "vim", models.SourceExplicitUser, 0.9, 0.9)
	// Three contradicting claims push the cumulative score past 0.5.
	for _, v := range []string{"emacs", "helix", "nano"} {
		_, err := s.AppendEvent(ctx, memory.AppendInput{
			EntityID: "user:42", SlotKey: "pref.editor", Value: v,
			Source: models.SourceInferred, Confidence: 0.6, Importance: 0.5,
		})
		require.NoError(t, err)
	}

	report, err := s.Hygiene(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.BeliefsDemoted, 1)

	belief, err := s.ResolveSlot(ctx, "user:42", "pref.editor")
	require.NoError(t, err)
	assert.Equal(t, models.TierDemoted, belief.PromotionStatus)
}

func TestCapabilitiesDeclaration(t *testing.T) {
	s := newTestStore(t)
	caps := s.Capabilities()
	assert.Equal(t, "kv+fts+vector", caps.Name)
	assert.True(t, caps.Tombstones)
	assert.Equal(t, memory.FidelityFull, caps.ForgetFidelity)
}
