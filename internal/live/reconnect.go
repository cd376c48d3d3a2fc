package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/whisper/chat-sync/internal/chat"
)

// Reconnect calls Connect until it succeeds, using exponential backoff bounded
// by ReconnectAttempts and ReconnectMax. It stops at once when the credential
// is rejected or the channel is closed, and when ctx ends.
func (c *Channel) Reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.ReconnectInitial
	b.MaxInterval = c.config.ReconnectMax
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.config.ReconnectAttempts)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, chat.ErrSessionExpired) || c.isClosed() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("reconnect attempt failed")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if errors.Is(err, chat.ErrSessionExpired) || errors.Is(err, chat.ErrChannel) || errors.Is(err, chat.ErrUnavailable) {
			return err
		}
		// ctx ended between attempts.
		return fmt.Errorf("live: reconnect: %w: %w", chat.ErrUnavailable, err)
	}
	c.logger.Info().Int("attempts", attempt).Msg("reconnected")
	return nil
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
