package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger carries the director's zerolog logger through contexts and adds
// the session, profile and phase fields used across the engine.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

func validLevel(level string) bool {
	_, err := zerolog.ParseLevel(level)
	return err == nil && level != "" && level != "panic" && level != "disabled"
}

// ParseLevel converts a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	if !validLevel(level) {
		return zerolog.InfoLevel
	}
	lvl, _ := zerolog.ParseLevel(level)
	return lvl
}

// NewLogger opens cfg.Output and builds a logger on it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var w io.Writer = os.Stderr
	switch cfg.Output {
	case "", "stderr":
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w = f
	}
	return NewLoggerWithWriter(cfg, w), nil
}

// NewLoggerWithWriter builds a logger writing to w.
func NewLoggerWithWriter(cfg LoggingConfig, w io.Writer) *Logger {
	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	zctx := zerolog.New(w).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}
	return &Logger{zlog: zctx.Logger().Level(ParseLevel(cfg.Level))}
}

// Zerolog returns the underlying logger for packages that take one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx. Without one it returns a
// disabled logger, so library code stays silent unless telemetry is wired.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.Nop()}
}

// WithField returns a child logger with one more field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zlog: l.zlog.With().Interface(key, value).Logger()}
}

// WithFields returns a child logger with every field of fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{zlog: l.zlog.With().Fields(fields).Logger()}
}

func (l *Logger) WithSessionID(sessionID string) *Logger { return l.WithField("session_id", sessionID) }
func (l *Logger) WithProfileID(profileID string) *Logger { return l.WithField("profile_id", profileID) }
func (l *Logger) WithPhase(phase string) *Logger         { return l.WithField("phase", phase) }

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
