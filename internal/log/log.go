// Package log wraps zerolog behind a package-level Logger, an
// Init(Config) that picks JSON vs console output, and With* helpers that
// attach the structured fields components care about.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set up by Init.
var Logger zerolog.Logger

// Level is a subset of zerolog levels accepted from configuration.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the component name,
// e.g. "gossip", "rpc.dispatcher", "ca".
func WithComponent(component string) *zerolog.Logger {
	logger := Logger.With().Str("component", component).Logger()
	return &logger
}

// WithNodeID returns a child logger tagged with a node_id field.
func WithNodeID(nodeID string) *zerolog.Logger {
	logger := Logger.With().Str("node_id", nodeID).Logger()
	return &logger
}
