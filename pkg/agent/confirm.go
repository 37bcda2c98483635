package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ErrUnknownConfirmation is returned by Resolve when the key does not match
// a pending confirmation (already resolved, timed out, or never existed).
var ErrUnknownConfirmation = errors.New("unknown confirmation key")

// Decision is a user's answer to a confirmation request.
type Decision struct {
	Approved bool
	ByUserID int64
}

// PendingConfirmation describes one gated tool call waiting for an answer.
type PendingConfirmation struct {
	Key       string
	SessionID int64
	ChatID    int64
	ToolName  string
	ArgsJSON  string
}

type pendingEntry struct {
	info     PendingConfirmation
	ch       chan Decision
	resolved bool
}

// ConfirmationBroker hands gated tool calls to the outside world and blocks
// the run until someone answers, the timeout fires, or the run is cancelled.
type ConfirmationBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
}

func NewConfirmationBroker() *ConfirmationBroker {
	return &ConfirmationBroker{pending: make(map[string]*pendingEntry)}
}

// Request registers a gated tool call and returns its confirmation key. An
// answer may arrive before Await is called; the decision is buffered.
func (b *ConfirmationBroker) Request(sessionID, chatID int64, toolName, argsJSON string) PendingConfirmation {
	id, err := gonanoid.New()
	if err != nil {
		id = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	key := fmt.Sprintf("s%d_%s_%s",
		sessionID,
		strings.NewReplacer(":", "_", "|", "_", " ", "_").Replace(toolName),
		id)

	info := PendingConfirmation{
		Key:       key,
		SessionID: sessionID,
		ChatID:    chatID,
		ToolName:  toolName,
		ArgsJSON:  argsJSON,
	}

	b.mu.Lock()
	b.pending[key] = &pendingEntry{info: info, ch: make(chan Decision, 1)}
	b.mu.Unlock()
	return info
}

// Await blocks until the request is resolved or the timeout elapses. Timeout
// and context cancellation both come back as a denial, never an error: a
// gated call that nobody approved does not run.
func (b *ConfirmationBroker) Await(ctx context.Context, key string, timeout time.Duration) Decision {
	b.mu.Lock()
	entry, ok := b.pending[key]
	b.mu.Unlock()
	if !ok {
		return Decision{}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var decision Decision
	select {
	case decision = <-entry.ch:
	case <-timer.C:
	case <-ctx.Done():
	}

	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
	return decision
}

// Resolve answers a pending confirmation. The entry stays in the table until
// the waiter consumes the decision.
func (b *ConfirmationBroker) Resolve(key string, approved bool, byUserID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.pending[key]
	if !ok || entry.resolved {
		return ErrUnknownConfirmation
	}
	entry.resolved = true
	entry.ch <- Decision{Approved: approved, ByUserID: byUserID}
	return nil
}

// CancelSession denies every unresolved confirmation of one session and
// reports how many it cancelled. Used when a lane is reset.
func (b *ConfirmationBroker) CancelSession(sessionID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cancelled := 0
	for _, entry := range b.pending {
		if entry.info.SessionID != sessionID || entry.resolved {
			continue
		}
		entry.resolved = true
		entry.ch <- Decision{}
		cancelled++
	}
	return cancelled
}

// Pending lists the confirmations still waiting for an answer.
func (b *ConfirmationBroker) Pending() []PendingConfirmation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingConfirmation, 0, len(b.pending))
	for _, entry := range b.pending {
		if entry.resolved {
			continue
		}
		out = append(out, entry.info)
	}
	return out
}
