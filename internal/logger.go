package internal

import "log/slog"

// Logger is the small slog wrapper every long-lived component holds,
// per the teacher's convention: Debug/Info/Warn/Error forward through
// LogAttrs (swapped for a non-allocating printer under the
// `debugheaplog` build tag) instead of calling the embedded
// *slog.Logger's variadic-any methods directly, and skip the LogAttrs
// call when the level is disabled (the attributes themselves are
// built by the caller before the level check).
type Logger struct {
	*slog.Logger
}

// NewLogger wraps l, defaulting to slog.Default() when l is nil.
func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{l}
}

func (l *Logger) Debug(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelDebug, msg, attrs) }
func (l *Logger) Info(msg string, attrs ...slog.Attr)  { l.logAttrs(slog.LevelInfo, msg, attrs) }
func (l *Logger) Warn(msg string, attrs ...slog.Attr)  { l.logAttrs(slog.LevelWarn, msg, attrs) }
func (l *Logger) Error(msg string, attrs ...slog.Attr) { l.logAttrs(slog.LevelError, msg, attrs) }
func (l *Logger) Trace(msg string, attrs ...slog.Attr) { l.logAttrs(LevelTrace, msg, attrs) }

func (l *Logger) logAttrs(level slog.Level, msg string, attrs []slog.Attr) {
	if !LogEnabled(l.Logger, level) {
		return
	}
	LogAttrs(l.Logger, level, msg, attrs...)
}
