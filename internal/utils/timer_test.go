package utils

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestTimer_Stop(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)

	timer := NewTimer("hamiltonian", log)
	time.Sleep(2 * time.Millisecond)
	d := timer.Stop()

	assert.GreaterOrEqual(t, d, 2*time.Millisecond)
	assert.GreaterOrEqual(t, timer.Elapsed(), d)
	assert.Contains(t, buf.String(), `"operation":"hamiltonian"`)
}

func TestMilliseconds(t *testing.T) {
	assert.Equal(t, 1.5, Milliseconds(1500*time.Microsecond))
	assert.Equal(t, 0.0, Milliseconds(0))
}
