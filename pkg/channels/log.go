package channels

import (
	"context"

	"github.com/rs/zerolog"
)

// LogTransport writes every notice to the logger. It is the default
// transport for headless deployments and tests.
type LogTransport struct {
	logger zerolog.Logger
}

func NewLogTransport(logger zerolog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) SendText(_ context.Context, chatID int64, text string) error {
	t.logger.Info().Int64("chat_id", chatID).Str("text", text).Msg("outbound message")
	return nil
}

func (t *LogTransport) RequestConfirmation(_ context.Context, req ConfirmationRequest) error {
	t.logger.Info().
		Int64("chat_id", req.ChatID).
		Int64("session_id", req.SessionID).
		Str("tool", req.ToolName).
		Str("key", req.Key).
		Dur("expires_in", req.ExpiresIn).
		Msg("confirmation requested")
	return nil
}
