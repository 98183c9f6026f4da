// Package logging builds the process-wide zerolog logger from config.
//
// Sinks:
//   - console (human-readable, for interactive runs and journald)
//   - file (structured JSON, append-only)
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"bilal/internal/config"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New returns a configured logger and a closer for the file sink.
// The closer is nil when no file sink is open.
func New(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat})
	}

	var closer io.Closer
	if cfg.File.Enabled && strings.TrimSpace(cfg.File.Path) != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return zerolog.Nop(), nil, err
		}
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		sinks = append(sinks, f)
		closer = f
	}

	if len(sinks) == 0 {
		// A daemon with no sinks configured still gets console output.
		sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat})
	}

	out := sinks[0]
	if len(sinks) > 1 {
		out = zerolog.MultiLevelWriter(sinks...)
	}

	log := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Caller().Logger()
	return log, closer, nil
}

func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
