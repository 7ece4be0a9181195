package wa

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow"
)

// Delays between attempts to fetch a fresh batch of pairing codes.
var (
	pairRetryDelay    = time.Second
	pairRetryMaxDelay = 30 * time.Second
)

// pairer is the part of *whatsmeow.Client the pairing loop drives.
type pairer interface {
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	Connect() error
	Disconnect()
}

// pair forwards pairing codes until the device is paired, pairing fails or
// ctx is cancelled. whatsmeow hands out a limited batch of codes and then
// closes the socket with a timeout item; a new batch is requested then, so a
// code can stay unscanned indefinitely.
func (c *Client) pair(ctx context.Context, p pairer, items <-chan whatsmeow.QRChannelItem) {
	for {
		expired := false
		for item := range items {
			if item.Event == whatsmeow.QRChannelTimeout.Event {
				expired = true
				continue
			}
			if evt, ok := qrEvent(item); ok {
				c.dispatch(evt)
			}
		}
		if !expired {
			return
		}
		c.logger.Debug().Msg("pairing codes ran out, requesting a new batch")

		next, ok := c.rearm(ctx, p)
		if !ok {
			return
		}
		items = next
	}
}

// rearm reconnects with a fresh pairing channel, retrying with backoff until
// it succeeds or ctx is cancelled.
func (c *Client) rearm(ctx context.Context, p pairer) (<-chan whatsmeow.QRChannelItem, bool) {
	delay := pairRetryDelay
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		// The expired channel disconnects on its own; make sure it has.
		p.Disconnect()
		items, err := p.GetQRChannel(ctx)
		if err == nil {
			if err = p.Connect(); err == nil {
				return items, true
			}
		}
		c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("failed to refresh pairing codes")
		delay = min(delay*2, pairRetryMaxDelay)
	}
}
