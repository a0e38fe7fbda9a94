// Package logger provides the leveled, key/value logger every postsync
// component is constructed with.
//
// Two backends are available: log/slog through [New] and zerolog through
// [NewZerolog]. [FromConfig] picks one from configuration values.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the logging contract used across postsync.
// args are alternating keys and values, as in log/slog.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type slogLogger struct {
	logger *slog.Logger
}

// New returns a Logger writing to the given slog handler.
func New(h slog.Handler) Logger {
	return &slogLogger{logger: slog.New(h)}
}

func (l *slogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func (l *slogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *slogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *slogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerolog returns a Logger backed by a zerolog logger.
func NewZerolog(l zerolog.Logger) Logger {
	return &zerologLogger{logger: l}
}

func (l *zerologLogger) Error(msg string, args ...any) {
	l.logger.Error().Fields(args).Msg(msg)
}

func (l *zerologLogger) Warn(msg string, args ...any) {
	l.logger.Warn().Fields(args).Msg(msg)
}

func (l *zerologLogger) Info(msg string, args ...any) {
	l.logger.Info().Fields(args).Msg(msg)
}

func (l *zerologLogger) Debug(msg string, args ...any) {
	l.logger.Debug().Fields(args).Msg(msg)
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

// Discard returns a Logger that drops everything.
func Discard() Logger {
	return New(discardHandler{})
}

// OrDiscard returns l, or a discarding Logger when l is nil.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

func zerologLevel(lvl slog.Level) zerolog.Level {
	switch {
	case lvl >= slog.LevelError:
		return zerolog.ErrorLevel
	case lvl >= slog.LevelWarn:
		return zerolog.WarnLevel
	case lvl >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

// FromConfig builds a Logger writing to w.
// format is one of "text", "json" or "zerolog".
func FromConfig(format, level string, w io.Writer) (Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case "json":
		return New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case "zerolog":
		zl := zerolog.New(w).Level(zerologLevel(lvl)).With().Timestamp().Logger()
		return NewZerolog(zl), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
