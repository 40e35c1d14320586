package telemetry

import (
	"context"
	"log/slog"
)

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger constructs a Logger backed by the given *slog.Logger. If l is
// nil, slog.Default() is used.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l}
}

func (s *SlogLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	s.logger.DebugContext(ctx, msg, keyvals...)
}

func (s *SlogLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	s.logger.InfoContext(ctx, msg, keyvals...)
}

func (s *SlogLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	s.logger.WarnContext(ctx, msg, keyvals...)
}

func (s *SlogLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	s.logger.ErrorContext(ctx, msg, keyvals...)
}
