package tools

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// CLIBroker asks the operator on the terminal. Answers: y / yes approve once,
// s approves for the session, n / anything else denies.
type CLIBroker struct {
	In  io.Reader
	Out io.Writer

	mu            sync.Mutex
	sessionGrants map[string]bool // action kind → granted for session
}

// NewCLIBroker creates a terminal approval broker.
func NewCLIBroker(in io.Reader, out io.Writer) *CLIBroker {
	return &CLIBroker{In: in, Out: out, sessionGrants: make(map[string]bool)}
}

// Approve implements ApprovalBroker.
func (b *CLIBroker) Approve(ctx context.Context, intent *models.ActionIntent) (ApprovalReply, error) {
	b.mu.Lock()
	granted := b.sessionGrants[intent.ActionKind]
	b.mu.Unlock()
	if granted {
		return ReplyApproved, nil
	}

	fmt.Fprintf(b.Out, "\n[approval] %s wants to run %s\n  payload: %s\nallow? [y/n/s(ession)]: ",
		intent.EntityID, intent.ActionKind, intent.Payload)

	type answer struct {
		text string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		reader := bufio.NewReader(b.In)
		text, err := reader.ReadString('\n')
		ch <- answer{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return ReplyDenied, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.text == "" {
			return ReplyDenied, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.text)) {
		case "y", "yes":
			return ReplyApproved, nil
		case "s", "session":
			b.mu.Lock()
			b.sessionGrants[intent.ActionKind] = true
			b.mu.Unlock()
			return ReplyApprovedSessionGrant, nil
		default:
			return ReplyDenied, nil
		}
	}
}

// AutoDenyBroker denies everything. Used for headless agent jobs where no
// out-of-band surface exists.
type AutoDenyBroker struct{}

// Approve implements ApprovalBroker.
func (AutoDenyBroker) Approve(_ context.Context, intent *models.ActionIntent) (ApprovalReply, error) {
	slog.Warn("Auto-denying approval request (no broker surface)",
		"action", intent.ActionKind, "entity", intent.EntityID)
	return ReplyDenied, nil
}

// AutoApproveBroker approves everything. Only wired under full autonomy.
type AutoApproveBroker struct{}

// Approve implements ApprovalBroker.
func (AutoApproveBroker) Approve(context.Context, *models.ActionIntent) (ApprovalReply, error) {
	return ReplyApproved, nil
}
