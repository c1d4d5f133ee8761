package logger

import "context"

// LoggerContext accumulates attributes over the course of an operation so
// that every subsequent record carries them without repeating the keys.
type LoggerContext struct {
	base  *Logger
	attrs []any
}

// NewLoggerContext wraps l in a LoggerContext with no extra attributes.
func NewLoggerContext(l *Logger) *LoggerContext {
	return &LoggerContext{base: l}
}

// Add appends key/value pairs to the accumulated attributes.
func (lc *LoggerContext) Add(args ...any) {
	lc.attrs = append(lc.attrs, args...)
}

func (lc *LoggerContext) merge(args []any) []any {
	if len(lc.attrs) == 0 {
		return args
	}
	out := make([]any, 0, len(lc.attrs)+len(args))
	out = append(out, lc.attrs...)
	return append(out, args...)
}

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelDebug, 3, msg, lc.merge(args)...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelInfo, 3, msg, lc.merge(args)...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelWarn, 3, msg, lc.merge(args)...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelError, 3, msg, lc.merge(args)...)
}
