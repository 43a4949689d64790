// Package memory defines the backend contract for the event ledger, belief
// slots, and hybrid retrieval, plus the scoring and conflict-resolution rules
// shared by all backends.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Sentinel errors shared by all backends.
var (
	ErrSlotTombstoned    = errors.New("slot tombstoned")
	ErrDuplicateSignal   = errors.New("duplicate signal")
	ErrInvalidEvent      = errors.New("invalid event")
	ErrSlotNotFound      = errors.New("slot not found")
	ErrUnsupported       = errors.New("operation not supported by this backend")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// AppendInput is the request shape for appending one event.
type AppendInput struct {
	EntityID   string
	SlotKey    string
	Kind       models.EventKind
	Value      string
	Source     models.Source
	Confidence float64
	Importance float64
	Layer      models.Layer
	Privacy    models.Privacy
	SourceKind models.SourceKind
	SourceRef  string
	Lang       string
	RetainFor  time.Duration // 0 = layer default retention
}

// RecallQuery filters and ranks retrieval units.
type RecallQuery struct {
	EntityID   string
	SlotPrefix string
	Query      string
	Layers     []models.Layer
	MaxPrivacy models.Privacy // most sensitive privacy level to include
	Limit      int
}

// RecallItem is one scored recall result.
type RecallItem struct {
	Unit     models.RetrievalUnit
	Score    float64
	VecScore float64
	KwScore  float64
}

// PhasedRecall groups the four reasoning phases: entity-scoped beliefs,
// recent trend signals, the contradiction trail, and the synthesis slice.
type PhasedRecall struct {
	Entity         []RecallItem
	RecentTrends   []RecallItem
	Contradictions []RecallItem
	Synthesis      []RecallItem
}

// ForgetOutcome reports what a forget operation removed.
type ForgetOutcome struct {
	Mode          models.ForgetMode
	UnitsAffected int
	BeliefUpdated bool
}

// ForgetFidelity describes how faithfully a backend implements forget modes.
type ForgetFidelity string

// Forget fidelities.
const (
	FidelityFull   ForgetFidelity = "full"   // rows removed / status columns
	FidelityMarker ForgetFidelity = "marker" // marker rewrite, storage trace remains
	FidelityNone   ForgetFidelity = "none"
)

// Capabilities is the capability matrix a backend declares up-front.
type Capabilities struct {
	Name           string
	VectorRecall   bool
	KeywordRecall  bool
	PhasedRecall   bool
	ForgetFidelity ForgetFidelity
	Tombstones     bool
	Hygiene        bool
}

// Backend is the contract all memory implementations satisfy. Only the
// reference kv+fts+vector backend supports the full semantics; the others
// degrade explicitly via Capabilities.
type Backend interface {
	// AppendEvent validates, normalizes, resolves conflicts against the
	// existing belief, and atomically writes the event, the belief slot, and
	// the retrieval projection.
	AppendEvent(ctx context.Context, in AppendInput) (*models.Event, error)

	// AppendInferenceEvents appends model-inferred claims. Provenance is
	// forced to inferred and confidence is capped at 0.70.
	AppendInferenceEvents(ctx context.Context, ins []AppendInput) ([]*models.Event, error)

	// RecallScoped returns entity/slot/layer/privacy-filtered recall ranked
	// by the hybrid score.
	RecallScoped(ctx context.Context, q RecallQuery) ([]RecallItem, error)

	// RecallPhased runs the four-phase recall used for reasoning.
	RecallPhased(ctx context.Context, q RecallQuery) (*PhasedRecall, error)

	// ResolveSlot returns the current belief for (entity, slot), or
	// ErrSlotNotFound.
	ResolveSlot(ctx context.Context, entityID, slotKey string) (*models.Belief, error)

	// ForgetSlot applies soft, hard, or tombstone forget semantics.
	ForgetSlot(ctx context.Context, entityID, slotKey string, mode models.ForgetMode, reason string) (*ForgetOutcome, error)

	// CountEvents returns the ledger size, optionally scoped to one entity
	// (empty string counts everything).
	CountEvents(ctx context.Context, entityID string) (int, error)

	// Capabilities declares what this backend actually supports.
	Capabilities() Capabilities

	// Close releases storage handles.
	Close() error
}

// InferenceConfidenceCap bounds the starting confidence of inferred claims.
const InferenceConfidenceCap = 0.70

// CapInference forces inferred provenance and the confidence cap on an input.
func CapInference(in AppendInput) AppendInput {
	in.Source = models.SourceInferred
	in.Kind = models.EventInferredClaim
	if in.Confidence > InferenceConfidenceCap {
		in.Confidence = InferenceConfidenceCap
	}
	return in
}

// PrivacyAllows reports whether a unit at level u may be returned for a query
// that admits at most level max. Order: public < private < secret.
func PrivacyAllows(max, u models.Privacy) bool {
	rank := func(p models.Privacy) int {
		switch p {
		case models.PrivacySecret:
			return 2
		case models.PrivacyPrivate:
			return 1
		default:
			return 0
		}
	}
	if max == "" {
		max = models.PrivacyPrivate
	}
	return rank(u) <= rank(max)
}

// RetentionFloor returns the minimum retention for a layer. Semantic,
// procedural, and identity layers are permanent (zero duration).
func RetentionFloor(layer models.Layer) time.Duration {
	switch layer {
	case models.LayerWorking:
		return 2 * 24 * time.Hour
	case models.LayerEpisodic:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}
