package appendlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	ws := t.TempDir()
	s, err := New(ws)
	require.NoError(t, err)
	return s, ws
}

func TestAppendWritesDailyLogAndMemoryMD(t *testing.T) {
	s, ws := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, memory.AppendInput{
		EntityID: "user:42", SlotKey: "fact.city", Value: "lives in osaka",
		Source: models.SourceExplicitUser, Confidence: 0.9, Layer: models.LayerSemantic,
	})
	require.NoError(t, err)

	daily := filepath.Join(ws, "memory", time.Now().UTC().Format("2006-01-02")+".md")
	data, err := os.ReadFile(daily)
	require.NoError(t, err)
	assert.Contains(t, string(data), "lives in osaka")

	// Semantic-layer facts also land in MEMORY.md.
	curated, err := os.ReadFile(filepath.Join(ws, "MEMORY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(curated), "fact.city")
}

func TestRecallAndForgetMarker(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, memory.AppendInput{
		EntityID: "user:42", SlotKey: "fact.city", Value: "lives in osaka",
		Source: models.SourceExplicitUser, Confidence: 0.9,
	})
	require.NoError(t, err)

	items, err := s.RecallScoped(ctx, memory.RecallQuery{EntityID: "user:42", Query: "osaka"})
	require.NoError(t, err)
	require.NotEmpty(t, items)

	_, err = s.ForgetSlot(ctx, "user:42", "fact.city", models.ForgetSoft, "cleanup")
	require.NoError(t, err)

	items, err = s.RecallScoped(ctx, memory.RecallQuery{EntityID: "user:42", Query: "osaka"})
	require.NoError(t, err)
	assert.Empty(t, items, "forgotten lines are hidden from recall")
}

func TestTombstoneBlocksWrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendEvent(ctx, memory.AppendInput{
		EntityID: "user:42", SlotKey: "pref.language", Value: "en",
		Source: models.SourceExplicitUser, Confidence: 0.9,
	})
	require.NoError(t, err)

	_, err = s.ForgetSlot(ctx, "user:42", "pref.language", models.ForgetTombstone, "request")
	require.NoError(t, err)

	_, err = s.AppendEvent(ctx, memory.AppendInput{
		EntityID: "user:42", SlotKey: "pref.language", Value: "fr",
		Source: models.SourceExplicitUser, Confidence: 0.9,
	})
	assert.True(t, errors.Is(err, memory.ErrSlotTombstoned))
}

func TestDedupSurvivesReplay(t *testing.T) {
	ws := t.TempDir()
	s, err := New(ws)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.AppendEvent(ctx, memory.AppendInput{
		EntityID: "feed:rss:tech", SlotKey: "signal.rss.feed", Value: "headline",
		Source: models.SourceExternalPrimary, SourceKind: models.SourceKindRSS,
		SourceRef: "https://x/1", Confidence: 0.5,
	})
	require.NoError(t, err)

	// Reopening the store replays the files and keeps the dedup set.
	s2, err := New(ws)
	require.NoError(t, err)
	_, err = s2.AppendEvent(ctx, memory.AppendInput{
		EntityID: "feed:rss:tech", SlotKey: "signal.rss.feed", Value: "other",
		Source: models.SourceExternalPrimary, SourceKind: models.SourceKindRSS,
		SourceRef: "https://x/1", Confidence: 0.5,
	})
	assert.True(t, errors.Is(err, memory.ErrDuplicateSignal))
}

func TestCapabilitiesDeclareDegradation(t *testing.T) {
	s, _ := newTestStore(t)
	caps := s.Capabilities()
	assert.Equal(t, "append-only-text", caps.Name)
	assert.False(t, caps.VectorRecall)
	assert.Equal(t, memory.FidelityMarker, caps.ForgetFidelity)
}
