package agent

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Marker prefixes the model may emit on their own lines in the final text.
const (
	markerInferredClaim = "INFERRED_CLAIM:"
	markerContradiction = "CONTRADICTION_EVENT:"
)

// ParseMarkers extracts inference inputs from marker lines in assistant text.
// Each marker carries a JSON object: {"slot_key": ..., "value": ...,
// "confidence": ...}. Malformed markers are silently discarded.
func ParseMarkers(entityID, text string) []memory.AppendInput {
	var inputs []memory.AppendInput
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)

		var kind models.EventKind
		var payload string
		switch {
		case strings.HasPrefix(line, markerInferredClaim):
			kind = models.EventInferredClaim
			payload = strings.TrimSpace(line[len(markerInferredClaim):])
		case strings.HasPrefix(line, markerContradiction):
			kind = models.EventContradictionMark
			payload = strings.TrimSpace(line[len(markerContradiction):])
		default:
			continue
		}

		if !gjson.Valid(payload) {
			continue
		}
		parsed := gjson.Parse(payload)
		slotKey := parsed.Get("slot_key").String()
		value := parsed.Get("value").String()
		if slotKey == "" || value == "" {
			continue
		}
		confidence := parsed.Get("confidence").Float()
		if confidence <= 0 {
			confidence = 0.5
		}

		inputs = append(inputs, memory.AppendInput{
			EntityID:   entityID,
			SlotKey:    slotKey,
			Kind:       kind,
			Value:      value,
			Confidence: confidence,
			Importance: parsed.Get("importance").Float(),
			Layer:      models.LayerSemantic,
		})
	}
	return inputs
}
