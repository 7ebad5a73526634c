// Package logging builds the zerolog logger shared by Weave components.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pario-ai/weave/pkg/config"
	"github.com/rs/zerolog"
)

// EnvLevel overrides the configured log level when set.
const EnvLevel = "WEAVE_LOG_LEVEL"

// New builds a logger from cfg. Logs go to cfg.File as JSON when set,
// otherwise to stderr (pretty when cfg.Pretty). The returned closer
// releases the log file and is a no-op for stderr.
func New(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	level := ParseLevel(cfg.Level)
	if env := os.Getenv(EnvLevel); env != "" {
		level = ParseLevel(env)
	}

	var (
		output io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	switch {
	case cfg.File != "":
		//nolint:gosec // G304: log path comes from operator config
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file %s: %w", cfg.File, err)
		}
		output, closer = file, file
	case cfg.Pretty:
		output = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger(), closer, nil
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
