// Package ingest normalizes, classifies, dedups, and appends external signals
// to memory. Every external payload passes through this pipeline before it
// can influence recall.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/metrics"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Field maxima enforced during normalization.
const (
	MaxContentLen   = 16 * 1024
	MaxAuthorLen    = 256
	MaxTopicLen     = 128
	MaxSourceRefLen = 512
)

// Sentinel errors. Rate-limit failures are retryable; invalid-input failures
// are terminal.
var (
	ErrEmptySourceRef = errors.New("ingest: source_ref sanitizes to empty")
	ErrFieldTooLong   = errors.New("ingest: field exceeds configured maximum")
	ErrInvalidLang    = errors.New("ingest: invalid language tag")
	ErrRateLimited    = errors.New("ingest: rate limited") // retryable
)

// Envelope wraps one external payload for ingestion.
type Envelope struct {
	Content    string
	SourceKind models.SourceKind
	SourceRef  string
	Author     string
	Topic      string
	Lang       string
	RiskFlags  []string
	IngestedAt time.Time
}

// Result reports what happened to one envelope.
type Result struct {
	Event     *models.Event
	Duplicate bool
	Topic     string
	RiskFlags []string
}

// Pipeline is the uniform ingestion path: envelope → normalize → classify →
// dedup → append.
type Pipeline struct {
	mem memory.Backend
	met *metrics.Metrics
}

// New creates an ingestion pipeline. met may be nil (metrics disabled).
func New(mem memory.Backend, met *metrics.Metrics) *Pipeline {
	return &Pipeline{mem: mem, met: met}
}

var langPattern = regexp.MustCompile(`^[a-z]{2,3}(-[a-zA-Z0-9]{2,8})*$`)

// markerCollision strips trust-frame sequences so ingested content can never
// carry frame delimiters into prompt composition.
var markerCollision = strings.NewReplacer(
	"[[external-content", "[[\\external-content",
	"[[/external-content]]", "[[\\/external-content]]",
)

// Ingest runs one envelope through the pipeline. Duplicates return a Result
// with Duplicate=true and no error.
func (p *Pipeline) Ingest(ctx context.Context, entityID string, env Envelope) (*Result, error) {
	// 1. Envelope validation: source_ref must survive sanitization.
	ref := sanitizeRef(env.SourceRef)
	if ref == "" {
		return nil, ErrEmptySourceRef
	}
	if len(ref) > MaxSourceRefLen {
		return nil, fmt.Errorf("%w: source_ref", ErrFieldTooLong)
	}

	// 2. Normalize.
	content := norm.NFC.String(env.Content)
	content = markerCollision.Replace(content)
	if len(content) > MaxContentLen {
		content = content[:MaxContentLen]
	}
	if len(env.Author) > MaxAuthorLen || len(env.Topic) > MaxTopicLen {
		return nil, fmt.Errorf("%w: author/topic", ErrFieldTooLong)
	}
	lang := strings.ToLower(strings.TrimSpace(env.Lang))
	if lang != "" && !langPattern.MatchString(lang) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLang, env.Lang)
	}

	// 3. Classify.
	topic, risk := classify(env, content)

	// 4 + 5. Dedup and append are one storage call: the backend owns the
	// (source_kind, source_ref) uniqueness check.
	evt, err := p.mem.AppendEvent(ctx, memory.AppendInput{
		EntityID:   entityID,
		SlotKey:    slotFor(env.SourceKind, topic),
		Kind:       models.EventFactAdded,
		Value:      content,
		Source:     models.SourceExternalPrimary,
		Confidence: 0.5,
		Importance: importanceFor(risk),
		Layer:      models.LayerWorking,
		Privacy:    models.PrivacyPrivate,
		SourceKind: env.SourceKind,
		SourceRef:  ref,
		Lang:       lang,
	})
	if err != nil {
		if errors.Is(err, memory.ErrDuplicateSignal) {
			if p.met != nil {
				p.met.SignalDedupDropTotal.WithLabelValues(string(env.SourceKind)).Inc()
			}
			return &Result{Duplicate: true, Topic: topic, RiskFlags: risk}, nil
		}
		return nil, err
	}

	if p.met != nil {
		p.met.SignalIngestTotal.WithLabelValues(string(env.SourceKind)).Inc()
	}
	slog.Debug("Signal ingested",
		"source_kind", env.SourceKind, "topic", topic, "risk_flags", len(risk))

	return &Result{Event: evt, Topic: topic, RiskFlags: risk}, nil
}

// sanitizeRef strips control characters and whitespace from a source ref.
func sanitizeRef(ref string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, ref))
}

// topicRules is the rule-based topic tagger. First match wins.
var topicRules = []struct {
	topic string
	regex *regexp.Regexp
}{
	{"security", regexp.MustCompile(`(?i)\b(cve|vulnerability|exploit|breach|zero[- ]day)\b`)},
	{"markets", regexp.MustCompile(`(?i)\b(stock|price target|earnings|ipo|yield)\b`)},
	{"release", regexp.MustCompile(`(?i)\b(released?|changelog|version \d|v\d+\.\d+)\b`)},
	{"research", regexp.MustCompile(`(?i)\b(paper|arxiv|benchmark|study)\b`)},
}

// riskRules assign risk flags checked by promotion.
var riskRules = []struct {
	flag  string
	regex *regexp.Regexp
}{
	{"unverified_claim", regexp.MustCompile(`(?i)\b(rumou?r|unconfirmed|allegedly|leak)\b`)},
	{"imperative", regexp.MustCompile(`(?i)\b(you must|act now|urgent|immediately)\b`)},
	{"financial_advice", regexp.MustCompile(`(?i)\b(buy now|guaranteed returns|can'?t lose)\b`)},
}

// classify tags a topic and risk flags. The fallback topic derives from the
// source kind.
func classify(env Envelope, content string) (string, []string) {
	topic := strings.TrimSpace(env.Topic)
	if topic == "" {
		for _, rule := range topicRules {
			if rule.regex.MatchString(content) {
				topic = rule.topic
				break
			}
		}
	}
	if topic == "" {
		topic = fallbackTopic(env.SourceKind)
	}

	risk := append([]string(nil), env.RiskFlags...)
	for _, rule := range riskRules {
		if rule.regex.MatchString(content) {
			risk = append(risk, rule.flag)
		}
	}
	return topic, risk
}

func fallbackTopic(kind models.SourceKind) string {
	switch kind {
	case models.SourceKindDiscord, models.SourceKindSlack, models.SourceKindTelegram:
		return "community"
	case models.SourceKindNews:
		return "editorial"
	case models.SourceKindRSS:
		return "feed"
	case models.SourceKindX:
		return "social"
	case models.SourceKindTrend:
		return "trend"
	case models.SourceKindAPI, models.SourceKindWebhook:
		return "integration"
	default:
		return "general"
	}
}

func slotFor(kind models.SourceKind, topic string) string {
	slot := fmt.Sprintf("signal.%s.%s", kind, topic)
	normalized, err := models.NormalizeSlotKey(slot)
	if err != nil {
		return fmt.Sprintf("signal.%s.general", kind)
	}
	return normalized
}

func importanceFor(risk []string) float64 {
	// Risk-flagged signals matter for review but start less important.
	if len(risk) > 0 {
		return 0.3
	}
	return 0.4
}
