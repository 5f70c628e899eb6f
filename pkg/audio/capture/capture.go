// Package capture implements the microphone capture engine.
//
// An [Engine] owns at most one active capture [Handle] at a time. Starting a
// capture acquires a [Source] (the hardware abstraction), converts incoming
// raw PCM blocks to the negotiated transport format, and emits fixed-size
// frames through a callback. Two strategies exist, selected by the negotiated
// format: a time-sliced Opus encoder for the container kind, and a byte-sized
// chunker with remainder carry-forward for raw PCM.
//
// Stopping flushes any buffered remainder as final frames and then releases
// the source unconditionally. The release path runs even when flushing or
// encoding fails, so no exit path leaves the hardware stream open.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitespeak/sitespeak/pkg/audio"
	"github.com/sitespeak/sitespeak/pkg/audio/format"
	"github.com/sitespeak/sitespeak/pkg/voice"
)

// ErrCaptureActive is returned by Start when a capture handle is already
// live. The second start never touches the hardware.
var ErrCaptureActive = errors.New("capture: capture already active")

// Block is one raw PCM16 block delivered by a Source, in the source's native
// format.
type Block struct {
	Data   []byte
	Format audio.Format
}

// Source abstracts a microphone-like device. Implementations wrap a concrete
// audio backend; the engine is the only component that touches the returned
// stream.
//
// Open errors classify the failure: user refusal wraps
// [voice.ErrPermissionDenied], hardware trouble wraps [voice.ErrDevice].
type Source interface {
	// Open acquires the device and returns the block stream. The channel is
	// closed when the device stops producing, either after Close or on a
	// device failure.
	Open(ctx context.Context) (<-chan Block, error)

	// Close releases the device. Idempotent.
	Close() error
}

// Config parameterises an Engine.
type Config struct {
	// Format is the negotiated transport format.
	Format format.Negotiated

	// Slice is the container-strategy encoder slice duration. Values are
	// snapped to the nearest legal Opus frame duration; zero means 60 ms.
	Slice time.Duration

	// ChunkTarget and ChunkMax size raw-PCM transport chunks. Zero means the
	// package defaults (2048 / 4096 bytes).
	ChunkTarget int
	ChunkMax    int
}

// Engine creates capture handles and maintains the rolling input level gauge.
// Safe for concurrent use; at most one handle is active at a time.
type Engine struct {
	cfg   Config
	meter *audio.LevelMeter

	mu     sync.Mutex
	active *Handle
}

// New creates an Engine for the given configuration.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, meter: audio.NewLevelMeter()}
}

// Level returns the current normalized input level in [0, 1]. It reads zero
// while no capture is active.
func (e *Engine) Level() float64 { return e.meter.Level() }

// Start acquires src and begins emitting frames through onFrame, in capture
// order. It returns [ErrCaptureActive] without touching the hardware if a
// previous handle has not been stopped. onFrame is invoked from the capture
// goroutine and must not block.
func (e *Engine) Start(ctx context.Context, src Source, onFrame func(audio.Frame)) (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		select {
		case <-e.active.done:
			// Previous capture finished on its own; slot is free.
			e.active = nil
		default:
			return nil, ErrCaptureActive
		}
	}

	strat, err := newStrategy(e.cfg)
	if err != nil {
		return nil, err
	}

	blocks, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: open source: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.active = h

	go e.run(runCtx, h, src, blocks, strat, onFrame)

	return h, nil
}

// run is the capture loop. It owns the source for its lifetime and releases
// it on every exit path.
func (e *Engine) run(ctx context.Context, h *Handle, src Source, blocks <-chan Block, strat strategy, onFrame func(audio.Frame)) {
	defer close(h.done)
	defer e.clearActive(h)
	defer e.meter.Reset()

	// Release the hardware stream unconditionally, after flush.
	defer func() {
		if err := src.Close(); err != nil {
			slog.Warn("capture: source release failed", "err", err)
		}
	}()

	conv := audio.Converter{Target: audio.Format{
		SampleRate: e.cfg.Format.SampleRate,
		Channels:   e.cfg.Format.Channels,
	}}

	var (
		seq      uint64
		pcmBytes int64
	)

	emit := func(data []byte, codec audio.Codec) {
		onFrame(audio.Frame{
			Data:       data,
			Codec:      codec,
			SampleRate: e.cfg.Format.SampleRate,
			Channels:   e.cfg.Format.Channels,
			Timestamp:  e.pcmDuration(pcmBytes),
			Seq:        seq,
		})
		seq++
	}

	for {
		select {
		case <-ctx.Done():
			// Explicit stop: flush the buffered remainder, then release.
			if err := strat.flush(emit); err != nil {
				slog.Warn("capture: flush failed", "err", err)
			}
			return

		case blk, ok := <-blocks:
			if !ok {
				// Device stopped on its own.
				h.setErr(fmt.Errorf("capture: source stream ended: %w", voice.ErrDevice))
				if err := strat.flush(emit); err != nil {
					slog.Warn("capture: flush failed", "err", err)
				}
				return
			}

			pcm := conv.Convert(blk.Data, blk.Format)
			if len(pcm) == 0 {
				continue
			}

			e.meter.Process(pcm)

			if err := strat.push(pcm, emit); err != nil {
				h.setErr(fmt.Errorf("capture: encode: %w: %w", voice.ErrDevice, err))
				return
			}
			pcmBytes += int64(len(pcm))
		}
	}
}

// pcmDuration converts a consumed PCM16 byte count to stream time.
func (e *Engine) pcmDuration(n int64) time.Duration {
	bytesPerSecond := int64(e.cfg.Format.SampleRate * e.cfg.Format.Channels * 2)
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSecond)
}

func (e *Engine) clearActive(h *Handle) {
	e.mu.Lock()
	if e.active == h {
		e.active = nil
	}
	e.mu.Unlock()
}

// Handle represents one live capture. Stop is idempotent and safe to call
// concurrently with a completing start.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

// Stop signals the capture loop to flush and release the source, then waits
// for the release to complete. Calling Stop more than once is safe.
func (h *Handle) Stop() error {
	h.cancel()
	<-h.done
	return nil
}

// Done is closed once the capture loop has exited and the source has been
// released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the failure that terminated capture, or nil after a clean stop.
func (h *Handle) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

func (h *Handle) setErr(err error) {
	h.errMu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.errMu.Unlock()
}
