package obs

import (
	"go.uber.org/zap"
)

// ZapLogger bridges Logger to a zap.SugaredLogger. Levels below Min are
// dropped before reaching zap.
type ZapLogger struct {
	S   *zap.SugaredLogger
	Min Level
}

func (z ZapLogger) Logf(level Level, format string, args ...interface{}) {
	if z.S == nil || level < z.Min {
		return
	}
	switch level {
	case Debug:
		z.S.Debugf(format, args...)
	case Info:
		z.S.Infof(format, args...)
	case Warn:
		z.S.Warnf(format, args...)
	default:
		z.S.Errorf(format, args...)
	}
}

// NewZapLogger wraps a zap logger for use by the engine.
func NewZapLogger(l *zap.Logger, min Level) ZapLogger {
	return ZapLogger{S: l.Sugar(), Min: min}
}
