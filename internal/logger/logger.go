package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with application-specific helpers
type Logger struct {
	zerolog.Logger
}

// New creates a Logger writing to stderr, keeping stdout for command output.
// format is "console" (default) or "json".
func New(level string, format string) *Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter creates a Logger writing to w
func NewWithWriter(w io.Writer, level string, format string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	out := w
	if format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	return &Logger{Logger: zerolog.New(out).Level(lvl).With().Timestamp().Logger()}
}

// WithComponent returns a new logger with the component name attached
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With().Str("component", component).Logger(),
	}
}

// WithTeam returns a new logger with the team id attached
func (l *Logger) WithTeam(teamID string) *Logger {
	return &Logger{
		Logger: l.With().Str("team_id", teamID).Logger(),
	}
}
