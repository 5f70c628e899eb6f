// Package audio provides the frame type and PCM utilities shared by the
// capture and playback pipelines: format conversion, transport-sized
// chunking, and the input level gauge.
package audio

import "time"

// Codec identifies the encoding of a frame or chunk payload.
type Codec string

const (
	// CodecPCM16 is raw little-endian 16-bit linear PCM.
	CodecPCM16 Codec = "pcm16"

	// CodecOpus is a single Opus packet.
	CodecOpus Codec = "opus"
)

// Frame is one discrete unit of audio bytes flowing through the pipeline.
// Frames are transient values: produced by the capture engine, handed to the
// transport, and not retained after transmission.
type Frame struct {
	// Data is the encoded payload. For CodecPCM16 this is little-endian
	// int16 samples; for CodecOpus a single Opus packet.
	Data []byte

	// Codec tags the payload encoding.
	Codec Codec

	// SampleRate in Hz of the audio the payload represents.
	SampleRate int

	// Channels is the channel count (1 = mono).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration

	// Seq is a monotonically increasing sequence number within one capture
	// session, starting at 0.
	Seq uint64
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}
