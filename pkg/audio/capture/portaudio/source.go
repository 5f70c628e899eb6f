// Package portaudio provides a capture.Source backed by the PortAudio
// library, reading from the system's default (or a named) input device.
package portaudio

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/sitespeak/sitespeak/pkg/audio"
	"github.com/sitespeak/sitespeak/pkg/audio/capture"
	"github.com/sitespeak/sitespeak/pkg/voice"
)

// framesPerBuffer is the PortAudio callback block size. At 24 kHz this is a
// ~21 ms block, well under the transport framing interval.
const framesPerBuffer = 512

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithSampleRate sets the device capture rate. Default 24000 Hz.
func WithSampleRate(rate int) Option {
	return func(s *Source) {
		if rate > 0 {
			s.format.SampleRate = rate
		}
	}
}

// WithChannels sets the device channel count. Default mono.
func WithChannels(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.format.Channels = n
		}
	}
}

// Source is a microphone stream backed by PortAudio. It implements
// [capture.Source]. A Source is single-use: Open once, Close once.
type Source struct {
	format audio.Format

	mu      sync.Mutex
	stream  *portaudio.Stream
	blocks  chan capture.Block
	done    chan struct{}
	opened  bool
	closed  bool
	dropped uint64
}

// NewSource initialises the PortAudio runtime and prepares a source for the
// default input device.
func NewSource(opts ...Option) (*Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", voice.ErrDevice, err)
	}
	s := &Source{
		format: audio.Format{SampleRate: 24000, Channels: 1},
		blocks: make(chan capture.Block, 32),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Open acquires the default input device and starts the stream. The returned
// channel delivers raw PCM16 blocks until Close.
func (s *Source) Open(ctx context.Context) (<-chan capture.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("portaudio: source closed: %w", voice.ErrDevice)
	}
	if s.opened {
		return nil, fmt.Errorf("portaudio: source already open: %w", voice.ErrDevice)
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, classify("default input device", err)
	}
	if dev.MaxInputChannels < s.format.Channels {
		return nil, fmt.Errorf("portaudio: device %q has no input channels: %w", dev.Name, voice.ErrDevice)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: s.format.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(s.format.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, s.callback)
	if err != nil {
		return nil, classify("open stream", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, classify("start stream", err)
	}

	s.stream = stream
	s.opened = true

	// ctx cancellation closes the source so the block channel ends even if
	// the engine never calls Close.
	go s.watch(ctx)

	return s.blocks, nil
}

// watch closes the source on ctx cancellation. A local Close releases the
// watcher instead, so it never outlives the source under a long-lived ctx.
func (s *Source) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = s.Close()
	case <-s.done:
	}
}

// callback runs on the PortAudio audio thread. It must never block: a full
// block channel drops the block rather than stall the device.
func (s *Source) callback(in []int16) {
	blk := capture.Block{
		Data:   audio.Int16sToBytes(in),
		Format: s.format,
	}
	select {
	case s.blocks <- blk:
	default:
		s.dropped++
	}
}

// Close stops the device stream, terminates the PortAudio runtime and closes
// the block channel. Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	var err error
	if s.stream != nil {
		if stopErr := s.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := s.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.stream = nil
	}
	close(s.blocks)
	_ = portaudio.Terminate()

	if err != nil {
		return fmt.Errorf("portaudio: release: %w: %w", voice.ErrDevice, err)
	}
	return nil
}

// classify maps a PortAudio failure onto the shared error taxonomy: access
// refusals surface as permission denials, everything else as device errors.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") {
		return fmt.Errorf("portaudio: %s: %w: %w", op, voice.ErrPermissionDenied, err)
	}
	return fmt.Errorf("portaudio: %s: %w: %w", op, voice.ErrDevice, err)
}
