// Package logging builds the zerolog loggers used across toolkit components.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "TOOLKIT_LOG_LEVEL"
	EnvLogFormat  = "TOOLKIT_LOG_FORMAT"
	EnvLogNoColor = "TOOLKIT_LOG_NOCOLOR"
)

// Format selects the log encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Config controls logger construction.
type Config struct {
	Level   string `yaml:"level" toml:"level"`
	Format  Format `yaml:"format" toml:"format"`
	NoColor bool   `yaml:"no_color" toml:"no_color"`
}

// New creates a logger writing to out. Environment overrides win over cfg.
func New(out io.Writer, app string, cfg Config) zerolog.Logger {
	applyEnvOverrides(&cfg)
	if out == nil {
		out = os.Stderr
	}

	level, ok := ParseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}

	var w io.Writer = out
	if cfg.Format != FormatJSON {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp()
	if app != "" {
		logger = logger.Str("app", app)
	}
	return logger.Logger()
}

// ParseLevel maps a textual level to zerolog. The bool is false for unknown input.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := strings.TrimSpace(os.Getenv(EnvLogLevel)); raw != "" {
		if _, ok := ParseLevel(raw); ok {
			cfg.Level = raw
		}
	}
	switch Format(strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat)))) {
	case FormatJSON:
		cfg.Format = FormatJSON
	case FormatConsole:
		cfg.Format = FormatConsole
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
