package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// evalCase seeds one fact and checks that a related query recalls it.
type evalCase struct {
	slot  string
	value string
	query string
}

var evalCases = []evalCase{
	{"pref.language", "user prefers japanese language output", "which language does the user prefer"},
	{"pref.editor", "user edits in neovim with lsp enabled", "what editor setup does the user run"},
	{"fact.city", "user lives in osaka near the harbor", "where does the user live"},
	{"fact.project", "user maintains an rss ingestion service in go", "what project does the user maintain"},
	{"pref.schedule", "user wants the morning digest at seven", "when should the digest arrive"},
}

// runEval seeds the eval corpus and measures recall hit rate and latency.
func runEval(ctx context.Context, out io.Writer, rt *runtime) error {
	const entity = "user:eval"

	for _, c := range evalCases {
		_, err := rt.memory.AppendEvent(ctx, memory.AppendInput{
			EntityID:   entity,
			SlotKey:    c.slot,
			Value:      c.value,
			Source:     models.SourceExplicitUser,
			Confidence: 0.9,
			Importance: 0.6,
			Layer:      models.LayerSemantic,
		})
		if err != nil && err != memory.ErrDuplicateSignal {
			return &runtimeError{fmt.Errorf("eval seed: %w", err)}
		}
	}

	hits := 0
	var total time.Duration
	for _, c := range evalCases {
		start := time.Now()
		items, err := rt.memory.RecallScoped(ctx, memory.RecallQuery{
			EntityID: entity,
			Query:    c.query,
			Limit:    3,
		})
		elapsed := time.Since(start)
		total += elapsed
		if err != nil {
			return &runtimeError{fmt.Errorf("eval recall: %w", err)}
		}

		hit := false
		for _, item := range items {
			if item.Unit.SlotKey == c.slot {
				hit = true
				break
			}
		}
		if hit {
			hits++
		}
		fmt.Fprintf(out, "%-16s hit=%-5v latency=%s\n", c.slot, hit, elapsed.Round(time.Microsecond))
	}

	fmt.Fprintf(out, "recall@3: %d/%d  avg latency: %s\n",
		hits, len(evalCases), (total / time.Duration(len(evalCases))).Round(time.Microsecond))
	return nil
}
