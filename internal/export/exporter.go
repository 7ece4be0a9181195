// Package export produces the contact list and chat archive files a user
// downloads after pairing.
package export

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wa-export/exportd/internal/metrics"
	"github.com/wa-export/exportd/internal/session"
	"github.com/wa-export/exportd/internal/userdata"
)

const defaultMessageLimit = 100

// ClientSource hands out the live client of a user, if any.
type ClientSource interface {
	Client(userID string) (session.Client, bool)
}

type Options struct {
	Layout  *userdata.Layout
	Clients ClientSource
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	// MessageLimit caps messages read per chat.
	MessageLimit int
}

type Exporter struct {
	layout       *userdata.Layout
	clients      ClientSource
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	messageLimit int
	now          func() time.Time
}

func New(opts Options) *Exporter {
	e := &Exporter{
		layout:       opts.Layout,
		clients:      opts.Clients,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With().Str("component", "export").Logger(),
		messageLimit: opts.MessageLimit,
		now:          time.Now,
	}
	if e.messageLimit <= 0 {
		e.messageLimit = defaultMessageLimit
	}
	return e
}

// progress emits a log line on ch, ignoring a gone channel.
func progress(ch session.Channel, log zerolog.Logger, format string, args ...any) {
	emit(ch, log, session.NotifyLog, sprintf(format, args...))
}

func emit(ch session.Channel, log zerolog.Logger, event string, payload any) {
	if ch == nil {
		return
	}
	if err := ch.Emit(event, payload); err != nil {
		log.Debug().Err(err).Str("event", event).Msg("emit failed")
	}
}

func (e *Exporter) finished(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	e.metrics.ExportFinished(kind, outcome)
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
