package session

import (
	"fmt"

	"github.com/rs/zerolog"
)

// relay returns the event handler for rec's client. The channel is looked up
// on the record for every event, never captured here, so a Reconnect takes
// effect for the next event.
//
// A spontaneous disconnect only informs the user: the record stays
// registered until an explicit disconnect or logout, so a network blip does
// not evict a session the user still expects to be running.
func (m *Manager) relay(rec *Record) EventHandler {
	log := m.userLogger(rec.UserID, rec.Username)

	return func(evt Event) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("event", string(evt.Kind)).Msg("event handler panicked")
			}
		}()

		if current, ok := m.registry.Get(rec.UserID); !ok || current != rec {
			log.Debug().Str("event", string(evt.Kind)).Msg("dropping event from retired client")
			return
		}
		m.metrics.EventRelayed(string(evt.Kind))

		switch evt.Kind {
		case EventPairingCode:
			log.Info().Msg("pairing code received")
			image, err := m.renderQR(evt.Code)
			if err != nil {
				log.Error().Err(err).Msg("failed to render pairing code")
				return
			}
			rec.setState(StatePairing, image)
			m.deliver(rec, log,
				notification{NotifyQR, image},
				notification{NotifyLog, "Scan the QR code to sign in."},
			)

		case EventReady:
			log.Info().Msg("client ready")
			rec.setState(StateReady, "")
			m.deliver(rec, log,
				notification{NotifyLog, "Client is ready. You can start the export."},
				notification{NotifyReady, nil},
			)

		case EventAuthFailure:
			log.Warn().Str("reason", evt.Reason).Msg("authentication failed")
			m.deliver(rec, log, notification{NotifyLog, fmt.Sprintf("Authentication failed: %s", evt.Reason)})
			m.destroyRecord(rec, reasonAuthFailure)

		case EventDisconnected:
			log.Info().Str("reason", evt.Reason).Msg("client disconnected")
			rec.setState(StateDisconnected, "")
			m.deliver(rec, log, notification{NotifyLog, fmt.Sprintf("Session was disconnected: %s", evt.Reason)})

		default:
			log.Debug().Str("event", string(evt.Kind)).Msg("ignoring unknown client event")
		}
	}
}

func (m *Manager) deliver(rec *Record, log zerolog.Logger, notes ...notification) {
	ch, err := rec.emit(notes...)
	if err != nil {
		log.Debug().Err(err).Str("channel_id", ch.ID()).Msg("notification not delivered")
	}
}
