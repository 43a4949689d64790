// Package channel defines the transport adapter contract and the dispatcher
// that turns inbound messages into agent turns.
package channel

import (
	"context"
	"errors"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Sentinel errors.
var (
	ErrQueueFull    = errors.New("channel inbound queue full")
	ErrNotSupported = errors.New("operation not supported by this channel")
)

// Channel is one messaging transport adapter.
type Channel interface {
	// Name returns the channel's config name ("slack", "telegram").
	Name() string

	// Send delivers a message. Oversize content must be sent with
	// SendChunked instead.
	Send(ctx context.Context, conversationID, text string) error

	// SendChunked splits text at the platform's length limit and delivers
	// the chunks in order.
	SendChunked(ctx context.Context, conversationID, text string) error

	// Listen pushes inbound messages into tx until ctx is done. Authoritative
	// sources must not drop; Listen blocks (pacing its fetch cadence) when
	// the queue is full.
	Listen(ctx context.Context, tx chan<- *models.ChannelMessage) error

	// MaxMessageLength returns the platform's per-message length cap.
	MaxMessageLength() int

	// HealthCheck verifies connectivity.
	HealthCheck(ctx context.Context) error
}

// MediaSender is implemented by channels that can deliver attachments.
type MediaSender interface {
	SendMedia(ctx context.Context, conversationID, caption string, media []string) error
}

// MessageEditor is implemented by channels supporting edit and delete.
type MessageEditor interface {
	EditMessage(ctx context.Context, conversationID, messageID, text string) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
}

// Chunk splits text into pieces of at most limit bytes, preferring newline
// then space boundaries.
func Chunk(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		if idx := lastIndexBefore(text, '\n', limit); idx > 0 {
			cut = idx + 1
		} else if idx := lastIndexBefore(text, ' ', limit); idx > 0 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func lastIndexBefore(s string, b byte, limit int) int {
	for i := limit - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
