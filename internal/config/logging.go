package config

import (
    "io"
    "os"
    "strings"

    "github.com/rs/zerolog"
)

// LoggingConfig selects the log level (debug, info, warn, error) and the
// output format (json or text).
type LoggingConfig struct {
    Level  string
    Format string
}

func LoadLoggingConfig() LoggingConfig {
    return LoggingConfig{
        Level:  strings.ToLower(envStr("LOG_LEVEL", "info")),
        Format: strings.ToLower(envStr("LOG_FORMAT", "json")),
    }
}

// NewLogger builds the root logger.  Components derive their own logger
// with a "component" field.
func NewLogger(cfg LoggingConfig) zerolog.Logger {
    return newLogger(cfg, os.Stdout)
}

func newLogger(cfg LoggingConfig, out io.Writer) zerolog.Logger {
    // Set log level
    level := zerolog.InfoLevel
    switch cfg.Level {
    case "debug":
        level = zerolog.DebugLevel
    case "info":
        level = zerolog.InfoLevel
    case "warn":
        level = zerolog.WarnLevel
    case "error":
        level = zerolog.ErrorLevel
    }

    // Set output format
    if cfg.Format == "text" {
        out = zerolog.ConsoleWriter{Out: out}
    }
    return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
