// Package portaudio provides a playback.Sink backed by the PortAudio
// library, writing to the system's default output device.
package portaudio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/sitespeak/sitespeak/pkg/audio"
	"github.com/sitespeak/sitespeak/pkg/voice"
)

// framesPerBuffer is the blocking-write block size. At 24 kHz this is a
// ~21 ms block.
const framesPerBuffer = 512

// Option is a functional option for configuring a Sink.
type Option func(*Sink)

// WithSampleRate sets the device playback rate. Default 24000 Hz.
func WithSampleRate(rate int) Option {
	return func(s *Sink) {
		if rate > 0 {
			s.format.SampleRate = rate
		}
	}
}

// WithChannels sets the device channel count. Default mono.
func WithChannels(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.format.Channels = n
		}
	}
}

// Sink is a speaker stream backed by PortAudio. It implements
// [playback.Sink] using PortAudio's blocking write API, so Write paces
// itself to the device clock.
type Sink struct {
	format audio.Format

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	fill   int
	closed bool
}

// NewSink initialises the PortAudio runtime, acquires the default output
// device and starts the stream.
func NewSink(opts ...Option) (*Sink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", voice.ErrDevice, err)
	}
	s := &Sink{
		format: audio.Format{SampleRate: 24000, Channels: 1},
	}
	for _, o := range opts {
		o(s)
	}

	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, classify("default output device", err)
	}
	if dev.MaxOutputChannels < s.format.Channels {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: device %q has no output channels: %w", dev.Name, voice.ErrDevice)
	}

	s.buf = make([]int16, framesPerBuffer*s.format.Channels)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: s.format.Channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(s.format.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, &s.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, classify("open stream", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, classify("start stream", err)
	}

	s.stream = stream
	return s, nil
}

// Format reports the device PCM format.
func (s *Sink) Format() audio.Format { return s.format }

// Write plays one little-endian PCM16 block, blocking until the device has
// accepted all full device buffers. A trailing partial buffer is held and
// completed by the next write, keeping consecutive chunks gapless; Close
// flushes any remainder padded with silence.
func (s *Sink) Write(pcm []byte) error {
	samples := audio.BytesToInt16s(pcm)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("portaudio: sink closed: %w", voice.ErrDevice)
	}

	for len(samples) > 0 {
		var full bool
		samples, full = s.stage(samples)
		if !full {
			return nil
		}
		s.fill = 0
		if err := s.stream.Write(); err != nil {
			// An output underflow is a glitch, not a failure; keep going.
			if err == portaudio.OutputUnderflowed {
				continue
			}
			return classify("write", err)
		}
	}
	return nil
}

// stage copies as many samples as fit into the device buffer, reporting
// whether the buffer is now full and due for a device write.
func (s *Sink) stage(samples []int16) (rest []int16, full bool) {
	n := copy(s.buf[s.fill:], samples)
	s.fill += n
	return samples[n:], s.fill == len(s.buf)
}

// padTail zeroes the unfilled remainder of the device buffer.
func (s *Sink) padTail() {
	for i := s.fill; i < len(s.buf); i++ {
		s.buf[i] = 0
	}
	s.fill = len(s.buf)
}

// Close stops the device stream, terminates the PortAudio runtime.
// Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.stream != nil {
		if s.fill > 0 {
			s.padTail()
			s.fill = 0
			if flushErr := s.stream.Write(); flushErr != nil && flushErr != portaudio.OutputUnderflowed {
				err = flushErr
			}
		}
		if stopErr := s.stream.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
		if closeErr := s.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.stream = nil
	}
	_ = portaudio.Terminate()

	if err != nil {
		return fmt.Errorf("portaudio: release: %w: %w", voice.ErrDevice, err)
	}
	return nil
}

// classify maps a PortAudio failure onto the shared error taxonomy.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") {
		return fmt.Errorf("portaudio: %s: %w: %w", op, voice.ErrPermissionDenied, err)
	}
	return fmt.Errorf("portaudio: %s: %w: %w", op, voice.ErrDevice, err)
}
