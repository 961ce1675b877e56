package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger: console output with debug level in
// development, JSON at info level everywhere else.
func NewLogger(appEnv string) zerolog.Logger {
	return newLogger(appEnv, os.Stdout)
}

// NewLoggerTo is NewLogger writing to out. Command line tools log to stderr
// so their output stays parseable.
func NewLoggerTo(appEnv string, out io.Writer) zerolog.Logger {
	return newLogger(appEnv, out)
}

func newLogger(appEnv string, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "donationsvc").
		Logger()
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) *zerolog.Logger {
	l := logger.With().Str("component", name).Logger()
	return &l
}

// Logger aliases zerolog.Logger for packages that only pass it along.
type Logger = zerolog.Logger
