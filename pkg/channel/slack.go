package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// slackMaxMessageLength is Slack's practical per-message text cap.
const slackMaxMessageLength = 4000

// SlackChannel is the Slack adapter: socket-mode listener, thread-aware
// chunked replies.
type SlackChannel struct {
	api    *goslack.Client
	socket *socketmode.Client
	botID  string
}

// NewSlack creates the Slack adapter. appToken enables socket-mode listening;
// with an empty appToken the channel is send-only.
func NewSlack(botToken, appToken string) *SlackChannel {
	var opts []goslack.Option
	if appToken != "" {
		opts = append(opts, goslack.OptionAppLevelToken(appToken))
	}
	api := goslack.New(botToken, opts...)

	ch := &SlackChannel{api: api}
	if appToken != "" {
		ch.socket = socketmode.New(api)
	}
	return ch
}

// Name implements Channel.
func (c *SlackChannel) Name() string { return "slack" }

// MaxMessageLength implements Channel.
func (c *SlackChannel) MaxMessageLength() int { return slackMaxMessageLength }

// Send implements Channel. conversationID is "<channel>" or
// "<channel>|<thread_ts>" for thread replies.
func (c *SlackChannel) Send(ctx context.Context, conversationID, text string) error {
	channelID, threadTS := splitConversation(conversationID)
	opts := []goslack.MsgOption{goslack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(threadTS))
	}
	_, _, err := c.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// SendChunked implements Channel.
func (c *SlackChannel) SendChunked(ctx context.Context, conversationID, text string) error {
	for _, chunk := range Chunk(text, slackMaxMessageLength) {
		if err := c.Send(ctx, conversationID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// EditMessage implements MessageEditor.
func (c *SlackChannel) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	channelID, _ := splitConversation(conversationID)
	_, _, _, err := c.api.UpdateMessageContext(ctx, channelID, messageID, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack edit: %w", err)
	}
	return nil
}

// DeleteMessage implements MessageEditor.
func (c *SlackChannel) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	channelID, _ := splitConversation(conversationID)
	_, _, err := c.api.DeleteMessageContext(ctx, channelID, messageID)
	if err != nil {
		return fmt.Errorf("slack delete: %w", err)
	}
	return nil
}

// HealthCheck implements Channel.
func (c *SlackChannel) HealthCheck(ctx context.Context) error {
	_, err := c.api.AuthTestContext(ctx)
	return err
}

// Listen implements Channel via socket mode. Slack is an authoritative
// source: when tx is full the listener blocks rather than dropping.
func (c *SlackChannel) Listen(ctx context.Context, tx chan<- *models.ChannelMessage) error {
	if c.socket == nil {
		return fmt.Errorf("slack: %w (no app token)", ErrNotSupported)
	}

	if auth, err := c.api.AuthTestContext(ctx); err == nil {
		c.botID = auth.UserID
	}

	go func() {
		if err := c.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Slack socket-mode run failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-c.socket.Events:
			if !ok {
				return fmt.Errorf("slack: event stream closed")
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				c.socket.Ack(*evt.Request)
			}

			inner, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
			if !ok || inner.BotID != "" || inner.User == c.botID || inner.Text == "" {
				continue
			}

			conversation := inner.Channel
			if inner.ThreadTimeStamp != "" {
				conversation = inner.Channel + "|" + inner.ThreadTimeStamp
			}
			msg := &models.ChannelMessage{
				ID:             inner.TimeStamp,
				SenderID:       inner.User,
				Content:        inner.Text,
				Channel:        "slack",
				ConversationID: conversation,
				ThreadID:       inner.ThreadTimeStamp,
				Timestamp:      time.Now().UTC(),
			}
			select {
			case tx <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func splitConversation(conversationID string) (channelID, threadTS string) {
	for i := 0; i < len(conversationID); i++ {
		if conversationID[i] == '|' {
			return conversationID[:i], conversationID[i+1:]
		}
	}
	return conversationID, ""
}
