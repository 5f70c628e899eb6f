package capture_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sitespeak/sitespeak/pkg/audio"
	"github.com/sitespeak/sitespeak/pkg/audio/capture"
	"github.com/sitespeak/sitespeak/pkg/audio/format"
	"github.com/sitespeak/sitespeak/pkg/voice"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

// fakeSource is a channel-backed Source. Blocks pushed through send() appear
// on the stream returned by Open.
type fakeSource struct {
	blocks  chan capture.Block
	openErr error

	mu     sync.Mutex
	opened int
	closed int
}

func newFakeSource() *fakeSource {
	return &fakeSource{blocks: make(chan capture.Block, 64)}
}

func (f *fakeSource) Open(ctx context.Context) (<-chan capture.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	return f.blocks, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSource) send(data []byte) {
	f.blocks <- capture.Block{
		Data:   data,
		Format: audio.Format{SampleRate: format.TargetSampleRate, Channels: format.TargetChannels},
	}
}

func (f *fakeSource) counts() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

// frameRecorder collects emitted frames from the capture goroutine.
type frameRecorder struct {
	frames chan audio.Frame
}

func newRecorder() *frameRecorder {
	return &frameRecorder{frames: make(chan audio.Frame, 256)}
}

func (r *frameRecorder) onFrame(f audio.Frame) { r.frames <- f }

func (r *frameRecorder) next(t *testing.T) audio.Frame {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return audio.Frame{}
	}
}

func rawEngine() *capture.Engine {
	return capture.New(capture.Config{
		Format: format.Negotiated{
			Kind:       format.KindRawPCM,
			Codec:      audio.CodecPCM16,
			SampleRate: format.TargetSampleRate,
			Channels:   format.TargetChannels,
		},
	})
}

// ── Raw-PCM capture ───────────────────────────────────────────────────────────

func TestEngine_RawCaptureEmitsOrderedChunks(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	rec := newRecorder()
	eng := rawEngine()

	h, err := eng.Start(context.Background(), src, rec.onFrame)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Two full default-sized chunks worth of audio, with a short remainder
	// riding on the second block so it is buffered once frame 1 arrives.
	block := make([]byte, audio.DefaultChunkTarget)
	for i := range block {
		block[i] = byte(i)
	}
	tail := []byte{9, 9, 9, 9}
	src.send(block)
	src.send(append(append([]byte(nil), block...), tail...))

	var full []audio.Frame
	full = append(full, rec.next(t), rec.next(t))
	for i, f := range full {
		if f.Codec != audio.CodecPCM16 {
			t.Errorf("frame %d codec = %v, want pcm16", i, f.Codec)
		}
		if len(f.Data) != audio.DefaultChunkTarget {
			t.Errorf("frame %d size = %d, want %d", i, len(f.Data), audio.DefaultChunkTarget)
		}
		if f.Seq != uint64(i) {
			t.Errorf("frame %d seq = %d", i, f.Seq)
		}
	}

	// Stop flushes the carried remainder as a final short frame.
	if err := h.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	last := rec.next(t)
	if !bytes.Equal(last.Data, tail) {
		t.Errorf("flushed remainder = %v, want %v", last.Data, tail)
	}
	if last.Seq != 2 {
		t.Errorf("flushed remainder seq = %d, want 2", last.Seq)
	}

	if err := h.Err(); err != nil {
		t.Errorf("clean stop should leave no error, got %v", err)
	}
}

func TestEngine_ConvertsSourceFormat(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	rec := newRecorder()
	eng := rawEngine()

	h, err := eng.Start(context.Background(), src, rec.onFrame)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// 48 kHz stereo input downmixes and resamples 4:1 into the transport
	// format, so 400 input bytes become a 100-byte frame on flush.
	in := make([]int16, 200)
	for i := range in {
		in[i] = int16(1000 + i)
	}
	src.blocks <- capture.Block{
		Data:   audio.Int16sToBytes(in),
		Format: audio.Format{SampleRate: 48000, Channels: 2},
	}

	// Wait for the level meter to show the block was consumed before stopping.
	deadline := time.Now().Add(3 * time.Second)
	for eng.Level() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("engine never consumed the block")
		}
		time.Sleep(time.Millisecond)
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	f := rec.next(t)
	if len(f.Data) != 100 {
		t.Errorf("converted frame size = %d, want 100", len(f.Data))
	}
	if f.SampleRate != format.TargetSampleRate || f.Channels != format.TargetChannels {
		t.Errorf("frame format = %d Hz %d ch", f.SampleRate, f.Channels)
	}
}

// ── Exclusivity and lifecycle ─────────────────────────────────────────────────

func TestEngine_SecondStartRejected(t *testing.T) {
	t.Parallel()

	first := newFakeSource()
	second := newFakeSource()
	eng := rawEngine()

	h, err := eng.Start(context.Background(), first, func(audio.Frame) {})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop()

	if _, err := eng.Start(context.Background(), second, func(audio.Frame) {}); !errors.Is(err, capture.ErrCaptureActive) {
		t.Fatalf("expected ErrCaptureActive, got %v", err)
	}
	if opened, _ := second.counts(); opened != 0 {
		t.Error("rejected start must not touch the second source")
	}
}

func TestEngine_RestartAfterStop(t *testing.T) {
	t.Parallel()

	eng := rawEngine()

	h, err := eng.Start(context.Background(), newFakeSource(), func(audio.Frame) {})
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	h2, err := eng.Start(context.Background(), newFakeSource(), func(audio.Frame) {})
	if err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	h2.Stop()
}

func TestHandle_StopIdempotentAndReleasesSource(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	eng := rawEngine()

	h, err := eng.Start(context.Background(), src, func(audio.Frame) {})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if _, closed := src.counts(); closed != 1 {
		t.Errorf("source closed %d times, want 1", closed)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done should be closed after Stop returns")
	}
}

func TestEngine_SourceStreamEndSurfacesDeviceError(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	eng := rawEngine()

	h, err := eng.Start(context.Background(), src, func(audio.Frame) {})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// The device dying closes its block stream.
	close(src.blocks)

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("capture did not terminate on stream end")
	}

	if err := h.Err(); !errors.Is(err, voice.ErrDevice) {
		t.Errorf("expected ErrDevice, got %v", err)
	}
	if _, closed := src.counts(); closed != 1 {
		t.Errorf("source closed %d times, want 1", closed)
	}

	// The slot is free again.
	h2, err := eng.Start(context.Background(), newFakeSource(), func(audio.Frame) {})
	if err != nil {
		t.Fatalf("start after device failure: %v", err)
	}
	h2.Stop()
}

func TestEngine_OpenFailurePropagates(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.openErr = voice.ErrPermissionDenied
	eng := rawEngine()

	if _, err := eng.Start(context.Background(), src, func(audio.Frame) {}); !errors.Is(err, voice.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	// A failed open leaves the engine free for the next attempt.
	h, err := eng.Start(context.Background(), newFakeSource(), func(audio.Frame) {})
	if err != nil {
		t.Fatalf("start after failed open: %v", err)
	}
	h.Stop()
}

// ── Level gauge ───────────────────────────────────────────────────────────────

func TestEngine_LevelTracksInputAndResets(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	eng := rawEngine()

	if eng.Level() != 0 {
		t.Fatalf("idle level = %v, want 0", eng.Level())
	}

	h, err := eng.Start(context.Background(), src, func(audio.Frame) {})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	loud := make([]int16, 2400)
	for i := range loud {
		loud[i] = 20000
	}
	for i := 0; i < 10; i++ {
		src.send(audio.Int16sToBytes(loud))
	}

	deadline := time.Now().Add(3 * time.Second)
	for eng.Level() <= 0.2 {
		if time.Now().After(deadline) {
			t.Fatalf("level never rose, still %v", eng.Level())
		}
		time.Sleep(time.Millisecond)
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if eng.Level() != 0 {
		t.Errorf("level after stop = %v, want 0", eng.Level())
	}
}
