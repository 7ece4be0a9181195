package wa

import (
	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// zeroLogger routes whatsmeow's internal logging into zerolog.
type zeroLogger struct {
	log zerolog.Logger
}

func newLogger(base zerolog.Logger, level string) waLog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zeroLogger{log: base.Level(lvl)}
}

func (l zeroLogger) Warnf(msg string, args ...interface{})  { l.log.Warn().Msgf(msg, args...) }
func (l zeroLogger) Errorf(msg string, args ...interface{}) { l.log.Error().Msgf(msg, args...) }
func (l zeroLogger) Infof(msg string, args ...interface{})  { l.log.Info().Msgf(msg, args...) }
func (l zeroLogger) Debugf(msg string, args ...interface{}) { l.log.Debug().Msgf(msg, args...) }

func (l zeroLogger) Sub(module string) waLog.Logger {
	return zeroLogger{log: l.log.With().Str("module", module).Logger()}
}
