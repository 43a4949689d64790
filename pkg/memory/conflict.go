package memory

import (
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// ConflictOutcome describes how a new event resolved against the existing
// belief for its slot.
type ConflictOutcome struct {
	// NewWins is true when the incoming event supersedes the current belief.
	NewWins bool
	// Contradiction is true when the values disagree and a
	// contradiction_marked event must be appended.
	Contradiction bool
	// Penalty is the confidence penalty applied to the losing side.
	Penalty float64
	// LoserConfidence is the loser's confidence after the penalty.
	LoserConfidence float64
}

// ResolveConflict applies the tie-break order to an incoming event against
// the current belief: source priority first, then recency, then confidence.
// Agreement (same value) is never a contradiction; the newer write refreshes
// the belief.
func ResolveConflict(current *models.Belief, incoming *models.Event) ConflictOutcome {
	if current == nil {
		return ConflictOutcome{NewWins: true}
	}
	if current.Value == incoming.Value {
		// Same claim again: refresh wins without contradiction.
		return ConflictOutcome{NewWins: true}
	}
	if incoming.Kind == models.EventFactUpdated && incoming.Source == current.Source {
		// An intentional update from the same provenance supersedes without
		// being a contradiction (persona state, corrected facts).
		return ConflictOutcome{NewWins: true}
	}

	newWins := false
	switch {
	case incoming.Source.Priority() < current.Source.Priority():
		newWins = true
	case incoming.Source.Priority() > current.Source.Priority():
		newWins = false
	case incoming.CreatedAt.After(current.UpdatedAt):
		newWins = true
	case incoming.CreatedAt.Before(current.UpdatedAt):
		newWins = false
	default:
		newWins = incoming.Confidence > current.Confidence
	}

	out := ConflictOutcome{NewWins: newWins, Contradiction: true}
	if newWins {
		out.Penalty = ContradictionPenalty(current.Confidence, current.Importance)
		out.LoserConfidence = models.Clamp01(current.Confidence - out.Penalty)
	} else {
		out.Penalty = ContradictionPenalty(incoming.Confidence, incoming.Importance)
		out.LoserConfidence = models.Clamp01(incoming.Confidence - out.Penalty)
	}
	return out
}

// ContradictionPenalty computes the penalty applied to the losing side of a
// belief conflict: 0.12 + 0.10·confidence + 0.08·importance.
func ContradictionPenalty(confidence, importance float64) float64 {
	return 0.12 + 0.10*confidence + 0.08*importance
}

// DemotionThreshold is the cumulative contradiction score above which the
// heartbeat demotes a belief's promotion status.
const DemotionThreshold = 0.5
