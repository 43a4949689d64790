package memory

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}

	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity(a, c), 1e-9)
	assert.Zero(t, CosineSimilarity(a, []float32{1, 0}), "dimension mismatch scores zero")
	assert.Zero(t, CosineSimilarity(nil, nil))
}

func TestNormalizeVector(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)
}

func TestBM25RanksMatchingDocHigher(t *testing.T) {
	docs := [][]string{
		Tokenize("the user prefers japanese language output"),
		Tokenize("weather report for osaka"),
		Tokenize("japanese language news segment on language models"),
	}
	scores := BM25Scores(Tokenize("japanese language"), docs)
	require.Len(t, scores, 3)
	assert.Greater(t, scores[0], scores[1])
	assert.Greater(t, scores[2], scores[1])
	assert.Zero(t, scores[1])
}

func TestMinMaxNormalize(t *testing.T) {
	out := MinMaxNormalize([]float64{2, 4, 6})
	assert.Equal(t, []float64{0, 0.5, 1}, out)

	// Constant batch normalizes to zeros rather than dividing by zero.
	out = MinMaxNormalize([]float64{3, 3, 3})
	assert.Equal(t, []float64{0, 0, 0}, out)
}

func TestMergeScoredCombinesDuplicates(t *testing.T) {
	unitA := models.RetrievalUnit{ID: "a"}
	unitB := models.RetrievalUnit{ID: "b"}
	unitC := models.RetrievalUnit{ID: "c"}

	vec := []RecallItem{
		{Unit: unitA, VecScore: 0.9},
		{Unit: unitB, VecScore: 0.2},
	}
	kw := []RecallItem{
		{Unit: unitA, KwScore: 0.5},
		{Unit: unitC, KwScore: 1.0},
	}

	merged := MergeScored(vec, kw, 0.7, 0.3, 0)
	require.Len(t, merged, 3)

	byID := map[string]RecallItem{}
	for _, m := range merged {
		byID[m.Unit.ID] = m
	}
	// a: 0.7*0.9 + 0.3*0.5 = 0.78
	assert.InDelta(t, 0.78, byID["a"].Score, 1e-9)
	// c: keyword only = 0.3
	assert.InDelta(t, 0.3, byID["c"].Score, 1e-9)
	// Sorted descending; a first.
	assert.Equal(t, "a", merged[0].Unit.ID)
}

func TestMergeScoredLimit(t *testing.T) {
	items := []RecallItem{
		{Unit: models.RetrievalUnit{ID: "a"}, VecScore: 0.9},
		{Unit: models.RetrievalUnit{ID: "b"}, VecScore: 0.8},
		{Unit: models.RetrievalUnit{ID: "c"}, VecScore: 0.7},
	}
	merged := MergeScored(items, nil, 1, 0, 2)
	assert.Len(t, merged, 2)
}

func TestResolveConflictSourcePriorityWins(t *testing.T) {
	current := &models.Belief{
		Value:      "en",
		Source:     models.SourceExplicitUser,
		Confidence: 0.95,
		Importance: 0.8,
	}
	incoming := &models.Event{
		Value:      "ja",
		Source:     models.SourceInferred,
		Confidence: 0.7,
		Importance: 0.8,
	}

	out := ResolveConflict(current, incoming)
	assert.False(t, out.NewWins, "explicit_user belief must survive an inferred claim")
	assert.True(t, out.Contradiction)
	// clamp(0.7 − (0.12 + 0.10·0.7 + 0.08·0.8)) = 0.446
	assert.InDelta(t, 0.446, out.LoserConfidence, 1e-9)
}

func TestResolveConflictSameValueRefreshes(t *testing.T) {
	current := &models.Belief{Value: "en", Source: models.SourceInferred, Confidence: 0.5}
	incoming := &models.Event{Value: "en", Source: models.SourceInferred, Confidence: 0.6}

	out := ResolveConflict(current, incoming)
	assert.True(t, out.NewWins)
	assert.False(t, out.Contradiction)
	assert.Zero(t, out.Penalty)
}

func TestResolveConflictStrongerSourceSupersedes(t *testing.T) {
	current := &models.Belief{Value: "ja", Source: models.SourceInferred, Confidence: 0.7, Importance: 0.5}
	incoming := &models.Event{Value: "en", Source: models.SourceExplicitUser, Confidence: 0.9, Importance: 0.5}

	out := ResolveConflict(current, incoming)
	assert.True(t, out.NewWins)
	assert.True(t, out.Contradiction)
	// Penalty lands on the superseded belief.
	expected := ContradictionPenalty(0.7, 0.5)
	assert.InDelta(t, models.Clamp01(0.7-expected), out.LoserConfidence, 1e-9)
}

func TestContradictionPenaltyFormula(t *testing.T) {
	assert.InDelta(t, 0.12, ContradictionPenalty(0, 0), 1e-9)
	assert.InDelta(t, 0.12+0.10*0.7+0.08*0.8, ContradictionPenalty(0.7, 0.8), 1e-9)
}
