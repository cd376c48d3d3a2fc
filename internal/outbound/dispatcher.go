// Package outbound validates messages typed by the local user and hands them
// to the live channel. Nothing is rendered here: a sent message shows up in
// the timeline only when the server echoes it back as new_message.
package outbound

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/metrics"
)

// Sender writes a private message on the live channel.
type Sender interface {
	Send(ctx context.Context, to chat.UserID, text string) error
}

// Dispatcher sends validated messages to the open conversation.
type Dispatcher struct {
	sender Sender
	logger zerolog.Logger
}

// NewDispatcher creates a Dispatcher that writes through sender.
func NewDispatcher(sender Sender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		logger: logger.With().Str("component", "outbound").Logger(),
	}
}

// SendMessage sends text to open. A nil open contact, or text that fails
// chat.ValidateMessage, is rejected with chat.ErrValidation before any channel
// call. The trimmed text is what goes on the wire.
func (d *Dispatcher) SendMessage(ctx context.Context, open *chat.Contact, text string) error {
	if open == nil {
		metrics.SendsTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("outbound: no open conversation: %w", chat.ErrValidation)
	}

	body, err := chat.ValidateMessage(text)
	if err != nil {
		metrics.SendsTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("outbound: %w", err)
	}

	if err := d.sender.Send(ctx, open.ID, body); err != nil {
		metrics.SendsTotal.WithLabelValues("failed").Inc()
		d.logger.Warn().Err(err).Str("to", open.ID.String()).Msg("send failed")
		return fmt.Errorf("outbound: send to %s: %w", open.ID, err)
	}

	metrics.SendsTotal.WithLabelValues("sent").Inc()
	d.logger.Debug().Str("to", open.ID.String()).Int("bytes", len(body)).Msg("message dispatched")
	return nil
}
