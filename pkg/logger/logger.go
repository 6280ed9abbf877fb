package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration
type Config struct {
	Level  string    // debug, info, warn, error
	Pretty bool      // Enable pretty console output
	Output io.Writer // Defaults to stderr; stdout carries run output
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(name string) zerolog.Level {
	switch name {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a new structured logger
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stderr
	if cfg.Output != nil {
		output = cfg.Output
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
		}
	}

	// In-process ranks share one logger across goroutines.
	output = zerolog.SyncWriter(output)

	return zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// ForRank tags l with the rank of the calling process.
func ForRank(l zerolog.Logger, rank int) zerolog.Logger {
	return l.With().Int("rank", rank).Logger()
}

// SetGlobalLogger sets the package-level logger
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
