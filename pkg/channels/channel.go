// Package channels abstracts the outbound side of chat transports. The
// engine talks to a Transport to deliver run notices and confirmation
// requests; concrete chat platforms implement the interface outside this
// module.
package channels

import (
	"context"
	"time"
)

// ConfirmationRequest asks a user to approve one gated tool call.
type ConfirmationRequest struct {
	Key       string
	ChatID    int64
	SessionID int64
	ToolName  string
	ArgsJSON  string
	ExpiresIn time.Duration
}

// Transport delivers engine output to a chat destination.
type Transport interface {
	Name() string
	SendText(ctx context.Context, chatID int64, text string) error
	RequestConfirmation(ctx context.Context, req ConfirmationRequest) error
}
