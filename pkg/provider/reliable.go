package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/haru0416-dev/asteroniris/pkg/scrub"
)

// Reliable composes an ordered chain of providers. Each provider is retried
// with exponential backoff until its retry budget is exhausted; only then is
// the next fallback consulted. The scrubber runs over every outbound message
// and every inbound response.
type Reliable struct {
	chain    []Provider
	retries  int
	initial  time.Duration
	scrubber *scrub.Scrubber
}

// NewReliable builds the reliability wrapper. retries is the per-provider
// retry count beyond the first attempt.
func NewReliable(primary Provider, fallbacks []Provider, retries int, initialBackoff time.Duration, scrubber *scrub.Scrubber) *Reliable {
	chain := append([]Provider{primary}, fallbacks...)
	if retries < 0 {
		retries = 0
	}
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}
	return &Reliable{chain: chain, retries: retries, initial: initialBackoff, scrubber: scrubber}
}

// Name implements Provider.
func (r *Reliable) Name() string {
	names := make([]string, len(r.chain))
	for i, p := range r.chain {
		names[i] = p.Name()
	}
	return "reliable(" + strings.Join(names, "→") + ")"
}

// SupportsToolCalling implements Provider (primary decides).
func (r *Reliable) SupportsToolCalling() bool { return r.chain[0].SupportsToolCalling() }

// SupportsStreaming implements Provider.
func (r *Reliable) SupportsStreaming() bool { return r.chain[0].SupportsStreaming() }

// SupportsVision implements Provider.
func (r *Reliable) SupportsVision() bool { return r.chain[0].SupportsVision() }

// Chat implements Provider.
func (r *Reliable) Chat(ctx context.Context, prompt string) (string, error) {
	resp, err := r.Complete(ctx, &Request{Messages: []Message{{Role: RoleUser, Content: prompt}}})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// ChatWithSystem implements Provider.
func (r *Reliable) ChatWithSystem(ctx context.Context, system, prompt string) (string, error) {
	resp, err := r.Complete(ctx, &Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Complete implements Provider with retry + fallback.
func (r *Reliable) Complete(ctx context.Context, req *Request) (*Response, error) {
	if len(r.chain) == 0 {
		return nil, ErrNoProviders
	}
	scrubbed := r.scrubRequest(req)

	var errs []string
	for _, p := range r.chain {
		resp, err := r.completeWithRetry(ctx, p, scrubbed)
		if err == nil {
			return r.scrubResponse(resp), nil
		}
		errs = append(errs, fmt.Sprintf("%s: %v", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
		slog.Warn("Provider exhausted retry budget, consulting fallback",
			"provider", p.Name(), "error", err)
	}
	// The final error carries every consulted provider identity.
	return nil, fmt.Errorf("all providers failed: %s", strings.Join(errs, "; "))
}

// Stream implements Provider. Streaming is primary-only with a non-streaming
// fallback path: if the primary stream cannot start, Complete is consulted
// and replayed as a synthetic stream.
func (r *Reliable) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	scrubbed := r.scrubRequest(req)
	if r.chain[0].SupportsStreaming() {
		events, err := r.chain[0].Stream(ctx, scrubbed)
		if err == nil {
			return r.scrubStream(events), nil
		}
		slog.Warn("Primary stream failed to start, falling back to non-streaming",
			"provider", r.chain[0].Name(), "error", err)
	}

	resp, err := r.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	events := make(chan StreamEvent, 4)
	go func() {
		defer close(events)
		events <- StreamEvent{Kind: EventResponseStart}
		if resp.Text != "" {
			events <- StreamEvent{Kind: EventTextDelta, Text: resp.Text}
		}
		for i := range resp.ToolCalls {
			tc := resp.ToolCalls[i]
			events <- StreamEvent{Kind: EventToolCallComplete, ToolCall: &tc}
		}
		events <- StreamEvent{Kind: EventDone, Response: resp}
	}()
	return events, nil
}

func (r *Reliable) completeWithRetry(ctx context.Context, p Provider, req *Request) (*Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initial

	var resp *Response
	attempt := 0
	op := func() error {
		attempt++
		var err error
		resp, err = p.Complete(ctx, req)
		if err != nil {
			slog.Debug("Provider attempt failed",
				"provider", p.Name(), "attempt", attempt, "error", err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(r.retries)), ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// scrubRequest redacts secrets from every outbound message.
func (r *Reliable) scrubRequest(req *Request) *Request {
	if r.scrubber == nil {
		return req
	}
	out := *req
	out.System = r.scrubber.Scrub(req.System)
	out.Messages = make([]Message, len(req.Messages))
	for i, m := range req.Messages {
		m.Content = r.scrubber.Scrub(m.Content)
		out.Messages[i] = m
	}
	return &out
}

// scrubResponse redacts secrets from an inbound response.
func (r *Reliable) scrubResponse(resp *Response) *Response {
	if r.scrubber == nil || resp == nil {
		return resp
	}
	resp.Text = r.scrubber.Scrub(resp.Text)
	return resp
}

// scrubStream redacts text deltas in flight.
func (r *Reliable) scrubStream(in <-chan StreamEvent) <-chan StreamEvent {
	if r.scrubber == nil {
		return in
	}
	out := make(chan StreamEvent, 32)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Text != "" {
				ev.Text = r.scrubber.Scrub(ev.Text)
			}
			if ev.Response != nil {
				ev.Response = r.scrubResponse(ev.Response)
			}
			out <- ev
		}
	}()
	return out
}
