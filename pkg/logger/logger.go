// Package logger builds the structured slog loggers shared by the
// generator, backend and relay commands.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the log handler.
type Format string

const (
	// FormatJSON writes one JSON object per record. It is the default.
	FormatJSON Format = "json"
	// FormatText writes logfmt-style key=value records.
	FormatText Format = "text"
)

// Redacted replaces the value of every sensitive attribute.
const Redacted = "[REDACTED]"

// DefaultRedactKeys are the attribute keys whose values never reach the
// output. The relay holds a signing key and every service holds a database
// password.
var DefaultRedactKeys = []string{"private_key", "password", "db_password"}

// Config holds the configuration for the logger.
type Config struct {
	// Output is the writer to send logs to (defaults to os.Stdout).
	Output io.Writer
	// Level is the minimum log level to output.
	Level slog.Level
	// Format is the handler format (defaults to FormatJSON).
	Format Format
	// AddSource adds source code position to log records.
	AddSource bool
	// Service, when set, is attached to every record as "service".
	Service string
	// RedactKeys are matched case-insensitively against attribute keys,
	// including keys inside groups. Nil means DefaultRedactKeys.
	RedactKeys []string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  slog.LevelInfo,
		Output: os.Stdout,
		Format: FormatJSON,
	}
}

// New creates a new logger with the provided configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	redact := cfg.RedactKeys
	if redact == nil {
		redact = DefaultRedactKeys
	}

	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactor(redact),
	}

	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	log := slog.New(handler)
	if cfg.Service != "" {
		log = log.With(slog.String("service", cfg.Service))
	}
	return log
}

func redactor(keys []string) func([]string, slog.Attr) slog.Attr {
	if len(keys) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = struct{}{}
	}
	return func(_ []string, a slog.Attr) slog.Attr {
		if _, ok := set[strings.ToLower(a.Key)]; ok {
			return slog.String(a.Key, Redacted)
		}
		return a
	}
}

// ParseLevel converts a string to a slog.Level.
// Supported values: "debug", "info", "warn", "error".
// Returns slog.LevelInfo if the level string is not recognized.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseFormat converts a string to a Format.
// Returns FormatJSON if the format string is not recognized.
func ParseFormat(format string) Format {
	if strings.EqualFold(format, string(FormatText)) {
		return FormatText
	}
	return FormatJSON
}
