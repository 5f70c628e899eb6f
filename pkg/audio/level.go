package audio

import (
	"math"
	"sync/atomic"
)

// LevelMeter maintains a rolling normalized input level gauge in [0, 1] for
// UI feedback. Process is called on every capture tick with the raw PCM16
// block; it is a fixed amount of integer work per sample and never blocks.
// Level may be read concurrently from any goroutine.
type LevelMeter struct {
	// level holds the current gauge as a float64 bit pattern.
	level atomic.Uint64

	// smoothing applies exponential decay so the gauge falls off gradually
	// instead of flickering between ticks.
	smoothing float64
}

// NewLevelMeter creates a LevelMeter with the default smoothing factor.
func NewLevelMeter() *LevelMeter {
	return &LevelMeter{smoothing: 0.7}
}

// Process updates the gauge from a little-endian PCM16 block. Empty or
// misaligned blocks leave the gauge unchanged.
func (m *LevelMeter) Process(pcm []byte) {
	samples := len(pcm) / 2
	if samples == 0 {
		return
	}

	// Mean absolute magnitude over the block, normalized to [0, 1].
	var sum int64
	for i := 0; i < samples*2; i += 2 {
		s := int64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		if s < 0 {
			s = -s
		}
		sum += s
	}
	instant := float64(sum) / float64(samples) / 32768.0

	prev := m.Level()
	next := prev*m.smoothing + instant*(1-m.smoothing)
	m.level.Store(math.Float64bits(next))
}

// Level returns the current normalized level in [0, 1].
func (m *LevelMeter) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// Reset zeroes the gauge, typically when capture stops.
func (m *LevelMeter) Reset() {
	m.level.Store(0)
}
