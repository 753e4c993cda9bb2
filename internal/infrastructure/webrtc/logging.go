package webrtc

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// levelFor maps a peer debug level to pion's: 0 silences pion, 1 keeps
// errors, 2 adds warnings and 3 logs everything.
func levelFor(debug int) logging.LogLevel {
	switch {
	case debug <= 0:
		return logging.LogLevelDisabled
	case debug == 1:
		return logging.LogLevelError
	case debug == 2:
		return logging.LogLevelWarn
	default:
		return logging.LogLevelDebug
	}
}

// zapLoggerFactory routes pion's internal logs into zap.
type zapLoggerFactory struct {
	level  logging.LogLevel
	logger *zap.SugaredLogger
}

func newZapLoggerFactory(debug int, logger *zap.SugaredLogger) logging.LoggerFactory {
	return &zapLoggerFactory{level: levelFor(debug), logger: logger}
}

func (f *zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveledLogger{level: f.level, logger: f.logger.With("pion_scope", scope)}
}

type zapLeveledLogger struct {
	level  logging.LogLevel
	logger *zap.SugaredLogger
}

func (l *zapLeveledLogger) enabled(level logging.LogLevel) bool {
	return l.level != logging.LogLevelDisabled && level <= l.level
}

func (l *zapLeveledLogger) Trace(msg string) {
	if l.enabled(logging.LogLevelTrace) {
		l.logger.Debug(msg)
	}
}

func (l *zapLeveledLogger) Tracef(format string, args ...interface{}) {
	l.Trace(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Debug(msg string) {
	if l.enabled(logging.LogLevelDebug) {
		l.logger.Debug(msg)
	}
}

func (l *zapLeveledLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Info(msg string) {
	if l.enabled(logging.LogLevelInfo) {
		l.logger.Info(msg)
	}
}

func (l *zapLeveledLogger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Warn(msg string) {
	if l.enabled(logging.LogLevelWarn) {
		l.logger.Warn(msg)
	}
}

func (l *zapLeveledLogger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...))
}

func (l *zapLeveledLogger) Error(msg string) {
	if l.enabled(logging.LogLevelError) {
		l.logger.Error(msg)
	}
}

func (l *zapLeveledLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}
