package memory

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Hybrid scoring weights. Overridable per-backend from config.
const (
	DefaultVectorWeight  = 0.7
	DefaultKeywordWeight = 0.3
)

// BM25 parameters (standard Robertson defaults).
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Tokenize lowercases and splits text into scoring tokens.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// CosineSimilarity computes cosine over two vectors. Mismatched or empty
// vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// NormalizeVector unit-normalizes an embedding in place and returns it.
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// BM25Scores computes BM25 for each document against the query tokens.
// The returned slice is index-aligned with docs.
func BM25Scores(queryTokens []string, docs [][]string) []float64 {
	n := len(docs)
	scores := make([]float64, n)
	if n == 0 || len(queryTokens) == 0 {
		return scores
	}

	docFreq := make(map[string]int)
	totalLen := 0
	for _, doc := range docs {
		totalLen += len(doc)
		seen := make(map[string]bool, len(doc))
		for _, tok := range doc {
			if !seen[tok] {
				seen[tok] = true
				docFreq[tok]++
			}
		}
	}
	avgLen := float64(totalLen) / float64(n)
	if avgLen == 0 {
		return scores
	}

	for i, doc := range docs {
		tf := make(map[string]int, len(doc))
		for _, tok := range doc {
			tf[tok]++
		}
		for _, q := range queryTokens {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			df := float64(docFreq[q])
			idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
			denom := f + bm25K1*(1-bm25B+bm25B*float64(len(doc))/avgLen)
			scores[i] += idf * (f * (bm25K1 + 1)) / denom
		}
	}
	return scores
}

// MinMaxNormalize rescales scores into [0, 1] within the batch so BM25 and
// cosine scales match. A constant batch normalizes to all-zeros.
func MinMaxNormalize(scores []float64) []float64 {
	if len(scores) == 0 {
		return scores
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	if hi == lo {
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

// MergeScored combines vector and keyword candidate lists by unit id.
// Duplicates combine by summing their weighted component scores; the result
// is sorted by final score descending.
func MergeScored(vecItems, kwItems []RecallItem, wVec, wKw float64, limit int) []RecallItem {
	if wVec == 0 && wKw == 0 {
		wVec, wKw = DefaultVectorWeight, DefaultKeywordWeight
	}

	byID := make(map[string]*RecallItem, len(vecItems)+len(kwItems))
	order := make([]string, 0, len(vecItems)+len(kwItems))

	add := func(item RecallItem, vec, kw float64) {
		existing, ok := byID[item.Unit.ID]
		if !ok {
			copied := item
			copied.VecScore = vec
			copied.KwScore = kw
			byID[item.Unit.ID] = &copied
			order = append(order, item.Unit.ID)
			return
		}
		existing.VecScore += vec
		existing.KwScore += kw
	}

	for _, it := range vecItems {
		add(it, it.VecScore, 0)
	}
	for _, it := range kwItems {
		add(it, 0, it.KwScore)
	}

	merged := make([]RecallItem, 0, len(order))
	for _, id := range order {
		it := byID[id]
		it.Score = wVec*it.VecScore + wKw*it.KwScore
		merged = append(merged, *it)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
