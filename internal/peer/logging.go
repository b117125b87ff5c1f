package peer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// slogLevelTrace sits below debug so pion's trace chatter stays out of debug
// output unless the handler is configured lower.
const slogLevelTrace = slog.LevelDebug - 4

type loggerFactory struct {
	log *slog.Logger
}

// NewLoggerFactory routes pion's internal logging into slog with a "scope"
// attribute per pion subsystem.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return loggerFactory{log: logger.With("component", "pion")}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{log: f.log.With("scope", scope)}
}

type scopedLogger struct {
	log *slog.Logger
}

func (l scopedLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l scopedLogger) emitf(level slog.Level, format string, args ...any) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l scopedLogger) Trace(msg string) { l.emit(slogLevelTrace, msg) }
func (l scopedLogger) Tracef(format string, args ...any) {
	l.emitf(slogLevelTrace, format, args...)
}
func (l scopedLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l scopedLogger) Debugf(format string, args ...any) {
	l.emitf(slog.LevelDebug, format, args...)
}
func (l scopedLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l scopedLogger) Infof(format string, args ...any) {
	l.emitf(slog.LevelInfo, format, args...)
}
func (l scopedLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l scopedLogger) Warnf(format string, args ...any) {
	l.emitf(slog.LevelWarn, format, args...)
}
func (l scopedLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l scopedLogger) Errorf(format string, args ...any) {
	l.emitf(slog.LevelError, format, args...)
}
