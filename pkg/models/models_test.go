package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEntityID(t *testing.T) {
	id, err := NormalizeEntityID("  User:42 ")
	require.NoError(t, err)
	assert.Equal(t, "user:42", id)

	for _, bad := range []string{"", " ", "has space", "semi;colon", strings.Repeat("a", 200)} {
		_, err := NormalizeEntityID(bad)
		assert.Error(t, err, "expected rejection for %q", bad)
	}
}

func TestNormalizeSlotKey(t *testing.T) {
	key, err := NormalizeSlotKey("Signal.Discord.Message")
	require.NoError(t, err)
	assert.Equal(t, "signal.discord.message", key)

	_, err = NormalizeSlotKey("bad key!")
	assert.Error(t, err)
}

func TestSourcePriorityOrdering(t *testing.T) {
	order := []Source{
		SourceExplicitUser, SourceToolVerified, SourceSystem,
		SourceInferred, SourceExternalPrimary, SourceExternalSecondary,
	}
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1].Priority(), order[i].Priority(),
			"%s must outrank %s", order[i-1], order[i])
	}
}

func TestEventValidate(t *testing.T) {
	base := Event{
		EntityID: "user:42", SlotKey: "pref.language", Kind: EventFactAdded,
		Value: "en", Source: SourceExplicitUser, Confidence: 0.9, Importance: 0.5,
	}
	assert.NoError(t, base.Validate())

	over := base
	over.Confidence = 1.2
	assert.Error(t, over.Validate())

	external := base
	external.Source = SourceExternalPrimary
	external.SourceRef = ""
	assert.Error(t, external.Validate(), "external events require a source_ref")
	external.SourceRef = "https://x/1"
	assert.NoError(t, external.Validate())

	empty := base
	empty.Value = ""
	assert.Error(t, empty.Validate())
	tomb := empty
	tomb.Kind = EventTombstoneWritten
	assert.NoError(t, tomb.Validate(), "deletion kinds carry no value")
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.5))
	assert.Equal(t, 1.0, Clamp01(1.5))
	assert.Equal(t, 0.4, Clamp01(0.4))
}

func TestEventJSONRoundTrip(t *testing.T) {
	retain := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	evt := Event{
		ID: "e1", EntityID: "user:42", SlotKey: "pref.language", Kind: EventFactAdded,
		Value: "en", Source: SourceExplicitUser, Confidence: 0.9, Importance: 0.5,
		Layer: LayerSemantic, Privacy: PrivacyPrivate, Tier: TierRaw,
		SourceKind: SourceKindManual, SourceRef: "ref-1", Lang: "en",
		IngestedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RetainUntil: &retain,
	}

	first, err := json.Marshal(evt)
	require.NoError(t, err)
	var decoded Event
	require.NoError(t, json.Unmarshal(first, &decoded))
	second, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second), "canonical form is round-trip stable")
}

func TestParseAutonomyLevel(t *testing.T) {
	level, ok := ParseAutonomyLevel("full")
	assert.True(t, ok)
	assert.Equal(t, AutonomyFull, level)

	level, ok = ParseAutonomyLevel("")
	assert.True(t, ok)
	assert.Equal(t, AutonomySupervised, level)

	_, ok = ParseAutonomyLevel("sudo")
	assert.False(t, ok)
}
