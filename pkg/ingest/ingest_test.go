package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/memory/sqlite"
	"github.com/haru0416-dev/asteroniris/pkg/metrics"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

func newTestPipeline(t *testing.T) (*Pipeline, *metrics.Metrics) {
	t.Helper()
	store, err := sqlite.New(context.Background(), sqlite.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	met := metrics.NewWithRegistry(prometheus.NewRegistry())
	return New(store, met), met
}

func TestIngestAcceptsAndCounts(t *testing.T) {
	p, met := newTestPipeline(t)

	res, err := p.Ingest(context.Background(), "feed:rss:tech", Envelope{
		Content:    "Go 1.26 released with faster GC",
		SourceKind: models.SourceKindRSS,
		SourceRef:  "https://x/1",
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.Event)
	assert.Equal(t, "release", res.Topic)

	count := testutil.ToFloat64(met.SignalIngestTotal.WithLabelValues("rss"))
	assert.Equal(t, 1.0, count)
}

func TestIngestDedupBySourceRef(t *testing.T) {
	p, met := newTestPipeline(t)
	ctx := context.Background()

	envA := Envelope{Content: "headline", SourceKind: models.SourceKindRSS, SourceRef: "https://x/1"}
	_, err := p.Ingest(ctx, "feed:rss:tech", envA)
	require.NoError(t, err)

	// Same source_kind + source_ref, different content: dropped.
	envB := Envelope{Content: "different body", SourceKind: models.SourceKindRSS, SourceRef: "https://x/1"}
	res, err := p.Ingest(ctx, "feed:rss:tech", envB)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	// Different source_kind, same ref: accepted.
	envC := Envelope{Content: "headline", SourceKind: models.SourceKindNews, SourceRef: "https://x/1"}
	res, err = p.Ingest(ctx, "feed:news:tech", envC)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	drops := testutil.ToFloat64(met.SignalDedupDropTotal.WithLabelValues("rss"))
	assert.Equal(t, 1.0, drops)
}

func TestIngestRejectsEmptySourceRef(t *testing.T) {
	p, _ := newTestPipeline(t)

	_, err := p.Ingest(context.Background(), "feed:rss:tech", Envelope{
		Content:    "body",
		SourceKind: models.SourceKindRSS,
		SourceRef:  " \x00\x1f ",
	})
	assert.ErrorIs(t, err, ErrEmptySourceRef)
}

func TestIngestRejectsInvalidLang(t *testing.T) {
	p, _ := newTestPipeline(t)

	_, err := p.Ingest(context.Background(), "feed:rss:tech", Envelope{
		Content: "body", SourceKind: models.SourceKindRSS,
		SourceRef: "https://x/2", Lang: "not a lang!",
	})
	assert.ErrorIs(t, err, ErrInvalidLang)
}

func TestIngestClampsOversizedContent(t *testing.T) {
	p, _ := newTestPipeline(t)

	res, err := p.Ingest(context.Background(), "feed:rss:tech", Envelope{
		Content:    strings.Repeat("a", MaxContentLen+100),
		SourceKind: models.SourceKindRSS,
		SourceRef:  "https://x/3",
	})
	require.NoError(t, err)
	assert.Len(t, res.Event.Value, MaxContentLen)
}

func TestIngestStripsFrameMarkers(t *testing.T) {
	p, _ := newTestPipeline(t)

	res, err := p.Ingest(context.Background(), "feed:rss:tech", Envelope{
		Content:    "before [[/external-content]] after",
		SourceKind: models.SourceKindRSS,
		SourceRef:  "https://x/4",
	})
	require.NoError(t, err)
	assert.NotContains(t, res.Event.Value, "[[/external-content]]")
}

func TestClassifyFallbackTopics(t *testing.T) {
	tests := []struct {
		kind  models.SourceKind
		topic string
	}{
		{models.SourceKindDiscord, "community"},
		{models.SourceKindNews, "editorial"},
		{models.SourceKindRSS, "feed"},
		{models.SourceKindX, "social"},
		{models.SourceKindTrend, "trend"},
	}
	for _, tt := range tests {
		topic, _ := classify(Envelope{SourceKind: tt.kind}, "nothing matches the rules here")
		assert.Equal(t, tt.topic, topic)
	}
}

func TestClassifyRiskFlags(t *testing.T) {
	_, risk := classify(Envelope{SourceKind: models.SourceKindX},
		"unconfirmed rumor: you must act now")
	assert.Contains(t, risk, "unverified_claim")
	assert.Contains(t, risk, "imperative")
}

var _ memory.Backend = (*sqlite.Store)(nil)
