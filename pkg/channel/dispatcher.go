package channel

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/haru0416-dev/asteroniris/pkg/agent"
	"github.com/haru0416-dev/asteroniris/pkg/config"
	"github.com/haru0416-dev/asteroniris/pkg/defense"
	"github.com/haru0416-dev/asteroniris/pkg/ingest"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// DefaultQueueDepth bounds the inbound queue per channel; listeners slow
// their fetch cadence when it fills.
const DefaultQueueDepth = 64

// Dispatcher runs one channel: a bounded inbound queue, a listener task, and
// one handler task per message. Per-conversation ordering is preserved by a
// per-conversation serial gate.
type Dispatcher struct {
	channel   Channel
	cfg       config.ChannelConfig
	loop      *agent.Loop
	defense   *defense.Defense
	pipeline  *ingest.Pipeline
	workspace string
	temp      float64

	queueDepth int
	wg         sync.WaitGroup

	convMu    sync.Mutex
	convGates map[string]chan struct{}
}

// NewDispatcher wires one channel to the agent loop.
func NewDispatcher(ch Channel, cfg config.ChannelConfig, loop *agent.Loop, def *defense.Defense, pipeline *ingest.Pipeline, workspace string, temperature float64) *Dispatcher {
	return &Dispatcher{
		channel:    ch,
		cfg:        cfg,
		loop:       loop,
		defense:    def,
		pipeline:   pipeline,
		workspace:  workspace,
		temp:       temperature,
		queueDepth: DefaultQueueDepth,
		convGates:  make(map[string]chan struct{}),
	}
}

// Run listens and handles until ctx is done. It returns the listener error,
// after all in-flight handlers finish their current message.
func (d *Dispatcher) Run(ctx context.Context) error {
	rx := make(chan *models.ChannelMessage, d.queueDepth)

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- d.channel.Listen(ctx, rx)
	}()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case err := <-listenErr:
			d.wg.Wait()
			return err
		case msg := <-rx:
			if msg == nil {
				continue
			}
			if !d.senderAllowed(msg.SenderID) {
				slog.Warn("Dropping message from unauthorized sender",
					"channel", d.channel.Name(), "sender", msg.SenderID)
				continue
			}
			d.wg.Add(1)
			go func(m *models.ChannelMessage) {
				defer d.wg.Done()
				d.handle(ctx, m)
			}(msg)
		}
	}
}

func (d *Dispatcher) senderAllowed(sender string) bool {
	if len(d.cfg.AllowedUsers) == 0 {
		return true
	}
	return slices.Contains(d.cfg.AllowedUsers, sender)
}

// handle runs one message: defense → ingestion classify → agent loop →
// chunked reply to origin. Messages in the same conversation are serialized.
func (d *Dispatcher) handle(ctx context.Context, msg *models.ChannelMessage) {
	gate := d.gateFor(msg.ConversationID)
	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-gate }()

	log := slog.With("channel", d.channel.Name(), "sender", msg.SenderID)

	// 1. External-content defense.
	verdict := d.defense.Evaluate("channel:"+d.channel.Name(), msg.Content)
	if verdict.Action == defense.ActionBlock {
		log.Warn("Inbound message blocked", "flags", verdict.Flags)
		d.reply(ctx, msg, "That message was refused by content defense.")
		return
	}

	entityID := "user:" + msg.SenderID

	// 2. Ingestion classify + record the signal.
	if d.pipeline != nil && msg.ID != "" {
		if _, err := d.pipeline.Ingest(ctx, entityID, ingest.Envelope{
			Content:    msg.Content,
			SourceKind: models.SourceKind(d.channel.Name()),
			SourceRef:  d.channel.Name() + ":" + msg.ID,
		}); err != nil {
			log.Warn("Signal ingestion failed", "error", err)
		}
	}

	// 3. Agent loop.
	autonomy, _ := models.ParseAutonomyLevel(d.cfg.Autonomy)
	result := d.loop.RunTurn(ctx, &agent.TurnInput{
		EntityID:     entityID,
		Channel:      d.channel.Name(),
		Message:      verdict.Framed,
		Autonomy:     autonomy,
		AllowedTools: d.cfg.AllowedTools,
		Workspace:    d.workspace,
		Temperature:  d.temp,
		TenantScoped: true,
	})

	// 4. Reply to origin.
	reply := result.Reply
	if reply == "" {
		reply = "(no response)"
	}
	d.reply(ctx, msg, reply)
}

func (d *Dispatcher) reply(ctx context.Context, msg *models.ChannelMessage, text string) {
	conversation := msg.ConversationID
	if conversation == "" {
		conversation = msg.SenderID
	}
	if err := d.channel.SendChunked(ctx, conversation, text); err != nil {
		slog.Error("Reply delivery failed",
			"channel", d.channel.Name(), "conversation", conversation, "error", err)
	}
}

func (d *Dispatcher) gateFor(conversationID string) chan struct{} {
	d.convMu.Lock()
	defer d.convMu.Unlock()
	gate, ok := d.convGates[conversationID]
	if !ok {
		gate = make(chan struct{}, 1)
		d.convGates[conversationID] = gate
	}
	return gate
}
