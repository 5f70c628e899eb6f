// Package playback renders inbound agent audio chunks.
//
// Chunks are queued and played strictly in arrival order through a single
// playback cursor, never as overlapping sources, so consecutive chunks of
// one agent turn come out gapless. Decoding branches on the chunk's format
// tag: linear PCM is converted to the sink's device format, Opus packets are
// decoded natively with a raw-write fallback when the packet is undecodable.
// A chunk that cannot be played is logged and skipped; playback failures
// never abort the session or the turn.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"layeh.com/gopus"

	"github.com/sitespeak/sitespeak/pkg/audio"
	"github.com/sitespeak/sitespeak/pkg/audio/format"
	"github.com/sitespeak/sitespeak/pkg/protocol"
	"github.com/sitespeak/sitespeak/pkg/voice"
)

// defaultQueueDepth bounds the chunk queue. At typical gateway chunk sizes
// this absorbs several seconds of synthesized speech.
const defaultQueueDepth = 128

// maxOpusFrameMs is the largest legal Opus frame duration, used to size the
// decoder's output buffer.
const maxOpusFrameMs = 60

// Sink is the audio output device abstraction. Write blocks until the device
// has accepted the PCM block; the engine's queue provides the elasticity.
type Sink interface {
	// Format reports the device's PCM format.
	Format() audio.Format

	// Write plays one little-endian PCM16 block in the device format.
	Write(pcm []byte) error

	// Close releases the device. Idempotent.
	Close() error
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithQueueDepth overrides the chunk queue depth.
func WithQueueDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.depth = n
		}
	}
}

// Engine schedules gapless, ordered playback of agent audio chunks.
// All methods are safe for concurrent use.
type Engine struct {
	sink  Sink
	depth int

	queue   chan protocol.AudioChunk
	clear   chan struct{}
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool

	skipped atomic.Uint64

	// dec is created lazily on the first Opus chunk and reused for the
	// engine's lifetime to preserve decoder state across packets.
	dec *gopus.Decoder
}

// New creates an Engine playing through sink and starts its playback loop.
func New(sink Sink, opts ...Option) *Engine {
	e := &Engine{
		sink:  sink,
		depth: defaultQueueDepth,
		clear: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.queue = make(chan protocol.AudioChunk, e.depth)
	go e.run()
	return e
}

// Render queues one chunk for playback. It never blocks: when the queue is
// full the oldest queued chunk is dropped with a warning. Rendering after
// Close is a logged no-op.
func (e *Engine) Render(chunk protocol.AudioChunk) {
	// The lock is held across the enqueue: Close closes the queue under
	// the same lock, so a concurrent Render can never send on a closed
	// channel. The run loop drains the queue without the lock.
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		slog.Warn("playback: render after close, dropping chunk")
		return
	}

	for {
		select {
		case e.queue <- chunk:
			return
		default:
		}
		select {
		case <-e.queue:
			e.skipped.Add(1)
			slog.Warn("playback: queue full, dropping oldest chunk")
		default:
		}
	}
}

// Clear drops all queued chunks without stopping the engine. Used on
// barge-in, when the user starts speaking over the agent.
func (e *Engine) Clear() {
	select {
	case e.clear <- struct{}{}:
	default:
	}
}

// Skipped returns the number of chunks dropped or skipped so far.
func (e *Engine) Skipped() uint64 { return e.skipped.Load() }

// Close stops the playback loop and releases the sink. Idempotent.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.closeMu.Unlock()

	<-e.done
	return e.sink.Close()
}

// run is the single playback cursor: one chunk at a time, arrival order.
// A pending clear takes priority over queued chunks, so audio queued before
// a barge-in never plays after it.
func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.clear:
			e.drain()
			continue
		default:
		}
		select {
		case <-e.clear:
			e.drain()
		case chunk, ok := <-e.queue:
			if !ok {
				return
			}
			e.play(chunk)
		}
	}
}

// drain empties the queue without playing, keeping the engine alive.
func (e *Engine) drain() {
	for {
		select {
		case _, ok := <-e.queue:
			if !ok {
				return
			}
			e.skipped.Add(1)
		default:
			return
		}
	}
}

// play decodes and writes one chunk. Every failure is local: log, count,
// move on to the next chunk.
func (e *Engine) play(chunk protocol.AudioChunk) {
	pcm, err := e.decode(chunk)
	if err != nil {
		e.skipped.Add(1)
		slog.Warn("playback: skipping undecodable chunk",
			"codec", chunk.Codec,
			"bytes", len(chunk.Data),
			"err", err,
		)
		return
	}
	if len(pcm) == 0 {
		return
	}
	if err := e.sink.Write(pcm); err != nil {
		e.skipped.Add(1)
		slog.Warn("playback: sink write failed, skipping chunk", "err", err)
	}
}

// decode converts a chunk payload to PCM16 in the sink's device format.
func (e *Engine) decode(chunk protocol.AudioChunk) ([]byte, error) {
	target := e.sink.Format()

	switch chunk.Codec {
	case audio.CodecPCM16, "":
		// The gateway synthesizes at the negotiated transport rate; convert
		// to whatever the device wants.
		conv := audio.Converter{Target: target}
		src := audio.Format{SampleRate: format.TargetSampleRate, Channels: 1}
		return conv.Convert(chunk.Data, src), nil

	case audio.CodecOpus:
		pcm, err := e.decodeOpus(chunk.Data, target)
		if err == nil {
			return pcm, nil
		}
		// Native decode failed: fall back to treating the payload as raw
		// PCM16 rather than silencing the chunk entirely.
		slog.Warn("playback: opus decode failed, falling back to raw", "err", err)
		conv := audio.Converter{Target: target}
		return conv.Convert(chunk.Data, audio.Format{SampleRate: target.SampleRate, Channels: 1}), nil

	default:
		return nil, fmt.Errorf("%w: unknown chunk codec %q", voice.ErrDecode, chunk.Codec)
	}
}

func (e *Engine) decodeOpus(packet []byte, target audio.Format) ([]byte, error) {
	if e.dec == nil {
		dec, err := gopus.NewDecoder(format.TargetSampleRate, format.TargetChannels)
		if err != nil {
			return nil, fmt.Errorf("%w: create opus decoder: %w", voice.ErrDecode, err)
		}
		e.dec = dec
	}

	frameSize := format.TargetSampleRate * maxOpusFrameMs / 1000
	samples, err := e.dec.Decode(packet, frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("%w: opus decode: %w", voice.ErrDecode, err)
	}

	conv := audio.Converter{Target: target}
	src := audio.Format{SampleRate: format.TargetSampleRate, Channels: format.TargetChannels}
	return conv.Convert(audio.Int16sToBytes(samples), src), nil
}
