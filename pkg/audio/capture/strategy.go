package capture

import (
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/sitespeak/sitespeak/pkg/audio"
	"github.com/sitespeak/sitespeak/pkg/audio/format"
)

// defaultSlice is the container-strategy encoder slice. 60 ms is the largest
// legal Opus frame and the closest to the interactive 50 ms target.
const defaultSlice = 60 * time.Millisecond

// strategy turns converted PCM into transport frames. Implementations are
// owned by a single capture goroutine and need no locking.
type strategy interface {
	// push consumes a PCM16 block, emitting zero or more frames.
	push(pcm []byte, emit func(data []byte, codec audio.Codec)) error

	// flush emits whatever is still buffered. Called exactly once, on stop.
	flush(emit func(data []byte, codec audio.Codec)) error
}

// newStrategy selects the strategy for the negotiated format.
func newStrategy(cfg Config) (strategy, error) {
	switch cfg.Format.Kind {
	case format.KindContainer:
		return newOpusStrategy(cfg)
	default:
		return &rawStrategy{chunker: audio.NewChunker(cfg.ChunkTarget, cfg.ChunkMax)}, nil
	}
}

// ── Raw linear-PCM strategy ───────────────────────────────────────────────────

// rawStrategy repackages PCM blocks into transport-sized chunks, carrying any
// remainder forward so no byte is dropped or duplicated.
type rawStrategy struct {
	chunker *audio.Chunker
}

func (r *rawStrategy) push(pcm []byte, emit func([]byte, audio.Codec)) error {
	for _, chunk := range r.chunker.Push(pcm) {
		emit(chunk, audio.CodecPCM16)
	}
	return nil
}

func (r *rawStrategy) flush(emit func([]byte, audio.Codec)) error {
	for _, chunk := range r.chunker.Flush() {
		emit(chunk, audio.CodecPCM16)
	}
	return nil
}

// ── Opus container strategy ───────────────────────────────────────────────────

// opusStrategy encodes fixed-duration slices of PCM into Opus packets. Opus
// accepts only 2.5/5/10/20/40/60 ms frames, so the configured slice is
// snapped to the nearest legal duration.
type opusStrategy struct {
	enc        *gopus.Encoder
	sliceBytes int
	samples    int
	buf        []byte
}

func newOpusStrategy(cfg Config) (*opusStrategy, error) {
	enc, err := gopus.NewEncoder(cfg.Format.SampleRate, cfg.Format.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("capture: create opus encoder: %w", err)
	}
	if cfg.Format.BitRate > 0 {
		enc.SetBitrate(cfg.Format.BitRate)
	}

	slice := snapOpusSlice(cfg.Slice)
	samples := int(int64(cfg.Format.SampleRate) * int64(slice) / int64(time.Second))

	return &opusStrategy{
		enc:        enc,
		samples:    samples,
		sliceBytes: samples * cfg.Format.Channels * 2,
	}, nil
}

// snapOpusSlice clamps a requested slice duration onto a legal Opus frame
// duration, defaulting to 60 ms.
func snapOpusSlice(d time.Duration) time.Duration {
	legal := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		60 * time.Millisecond,
	}
	if d <= 0 {
		return defaultSlice
	}
	best := legal[0]
	for _, l := range legal {
		if abs(d-l) < abs(d-best) {
			best = l
		}
	}
	return best
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (o *opusStrategy) push(pcm []byte, emit func([]byte, audio.Codec)) error {
	o.buf = append(o.buf, pcm...)
	for len(o.buf) >= o.sliceBytes {
		packet, err := o.encode(o.buf[:o.sliceBytes])
		if err != nil {
			return err
		}
		emit(packet, audio.CodecOpus)
		o.buf = o.buf[:copy(o.buf, o.buf[o.sliceBytes:])]
	}
	return nil
}

// flush pads the trailing partial slice with silence so the tail of the
// utterance is not lost, then encodes it as the final packet.
func (o *opusStrategy) flush(emit func([]byte, audio.Codec)) error {
	if len(o.buf) == 0 {
		return nil
	}
	padded := make([]byte, o.sliceBytes)
	copy(padded, o.buf)
	o.buf = o.buf[:0]

	packet, err := o.encode(padded)
	if err != nil {
		return err
	}
	emit(packet, audio.CodecOpus)
	return nil
}

func (o *opusStrategy) encode(pcm []byte) ([]byte, error) {
	packet, err := o.enc.Encode(audio.BytesToInt16s(pcm), o.samples, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return packet, nil
}
