package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// telegramMaxMessageLength is the Bot API's per-message text cap.
const telegramMaxMessageLength = 4096

// TelegramChannel speaks the Telegram Bot API over plain HTTPS: getUpdates
// long-polling inbound, sendMessage outbound.
type TelegramChannel struct {
	token   string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	offset  int64
}

// NewTelegram creates the Telegram adapter.
func NewTelegram(botToken string) *TelegramChannel {
	return &TelegramChannel{
		token:   botToken,
		baseURL: "https://api.telegram.org/bot" + botToken,
		client:  &http.Client{Timeout: 65 * time.Second},
		// Telegram allows ~30 messages/second overall; stay well under.
		limiter: rate.NewLimiter(rate.Limit(20), 5),
	}
}

// Name implements Channel.
func (c *TelegramChannel) Name() string { return "telegram" }

// MaxMessageLength implements Channel.
func (c *TelegramChannel) MaxMessageLength() int { return telegramMaxMessageLength }

type tgResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      *struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
		Date int64  `json:"date"`
	} `json:"message"`
}

func (c *TelegramChannel) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var wrapped tgResponse
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		return fmt.Errorf("telegram %s: decode: %w", method, err)
	}
	if !wrapped.OK {
		return fmt.Errorf("telegram %s: %s", method, wrapped.Description)
	}
	if result != nil {
		if err := json.Unmarshal(wrapped.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// Send implements Channel. conversationID is the chat id.
func (c *TelegramChannel) Send(ctx context.Context, conversationID, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram send: bad chat id %q", conversationID)
	}
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

// SendChunked implements Channel.
func (c *TelegramChannel) SendChunked(ctx context.Context, conversationID, text string) error {
	for _, chunk := range Chunk(text, telegramMaxMessageLength) {
		if err := c.Send(ctx, conversationID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// HealthCheck implements Channel.
func (c *TelegramChannel) HealthCheck(ctx context.Context) error {
	return c.call(ctx, "getMe", map[string]any{}, nil)
}

// Listen implements Channel with getUpdates long-polling. User chat is an
// authoritative source: sends into tx block rather than drop.
func (c *TelegramChannel) Listen(ctx context.Context, tx chan<- *models.ChannelMessage) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var updates []tgUpdate
		err := c.call(ctx, "getUpdates", map[string]any{
			"offset":  c.offset,
			"timeout": 50,
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient poll failure: back off briefly and retry.
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= c.offset {
				c.offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" || u.Message.From == nil {
				continue
			}
			msg := &models.ChannelMessage{
				ID:             strconv.FormatInt(u.Message.MessageID, 10),
				SenderID:       strconv.FormatInt(u.Message.From.ID, 10),
				Content:        u.Message.Text,
				Channel:        "telegram",
				ConversationID: strconv.FormatInt(u.Message.Chat.ID, 10),
				Timestamp:      time.Unix(u.Message.Date, 0).UTC(),
			}
			select {
			case tx <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
