package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// Timer is a simple performance timer for measuring build phases
type Timer struct {
	start time.Time
	name  string
	log   zerolog.Logger
}

// NewTimer starts a timer for the named operation
func NewTimer(name string, log zerolog.Logger) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
		log:   log,
	}
}

// Elapsed returns the time since the timer started without logging.
func (t *Timer) Elapsed() time.Duration { return time.Since(t.start) }

// Stop logs the duration and returns it
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)

	t.log.Debug().
		Str("operation", t.name).
		Dur("duration_ms", duration).
		Float64("duration_seconds", duration.Seconds()).
		Msg("Performance measurement")

	if duration > 30*time.Second {
		t.log.Warn().
			Str("operation", t.name).
			Dur("duration", duration).
			Msg("Slow operation detected (>30s)")
	}

	return duration
}

// Milliseconds renders d as fractional milliseconds.
func Milliseconds(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
