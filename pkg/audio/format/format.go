// Package format implements audio capability detection and transport format
// negotiation.
//
// Capabilities are probed once at startup and never change; negotiation is a
// pure function of the capability set and the configured preference, so the
// same inputs always produce the same result. Raw linear PCM is the universal
// fallback: negotiation never fails, it only degrades.
package format

import (
	"sync"

	"github.com/sitespeak/sitespeak/pkg/audio"
	"layeh.com/gopus"
)

// Transport audio targets the downstream recognizer's preferred format:
// 24 kHz mono PCM16, with Opus at 32 kbit/s when compression is available.
const (
	TargetSampleRate = 24000
	TargetChannels   = 1
	DefaultBitRate   = 32000
)

// Kind selects the transport strategy for outbound audio.
type Kind int

const (
	// KindRawPCM sends fixed-size linear PCM chunks.
	KindRawPCM Kind = iota

	// KindContainer sends compressed codec packets on a fixed time slice.
	KindContainer
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRawPCM:
		return "raw-pcm"
	case KindContainer:
		return "container"
	default:
		return "unknown"
	}
}

// Preference is the user-configured transport format request.
type Preference string

const (
	// PreferAuto picks a compressed codec when available, raw PCM otherwise.
	PreferAuto Preference = "auto"

	// PreferPCM forces raw linear PCM regardless of codec support.
	PreferPCM Preference = "pcm"

	// PreferOpus requests the Opus container codec.
	PreferOpus Preference = "opus"
)

// IsValid reports whether p is a recognised preference.
func (p Preference) IsValid() bool {
	switch p {
	case PreferAuto, PreferPCM, PreferOpus:
		return true
	}
	return false
}

// Capabilities is the immutable, process-lifetime capability set: which
// codecs the runtime can encode and whether raw-sample capture is available.
type Capabilities struct {
	// OpusEncode reports that an Opus encoder can be constructed at the
	// target rate and channel count.
	OpusEncode bool

	// RawCapture reports that raw-sample processing is available. This is
	// true for every supported runtime; it exists so negotiation can degrade
	// explicitly rather than assume.
	RawCapture bool

	// MIMETypes lists the supported transport format identifiers.
	MIMETypes []string
}

var (
	detectOnce sync.Once
	detected   Capabilities
)

// Detect probes the runtime's encoding capabilities. The probe runs once per
// process; subsequent calls return the cached result.
func Detect() Capabilities {
	detectOnce.Do(func() {
		detected = probe()
	})
	return detected
}

// probe constructs (and discards) an Opus encoder to verify codec support.
func probe() Capabilities {
	caps := Capabilities{
		RawCapture: true,
		MIMETypes:  []string{"audio/pcm;rate=24000"},
	}
	if _, err := gopus.NewEncoder(TargetSampleRate, TargetChannels, gopus.Voip); err == nil {
		caps.OpusEncode = true
		caps.MIMETypes = append(caps.MIMETypes, "audio/opus")
	}
	return caps
}

// Negotiated is the agreed transport representation for a session. It is a
// plain value derived from capabilities and preference, recomputed whenever
// the configuration changes, and read by both capture and playback.
type Negotiated struct {
	Kind       Kind
	Codec      audio.Codec
	SampleRate int
	Channels   int

	// BitRate is the encoder bit rate in bit/s. Zero for raw PCM.
	BitRate int
}

// Negotiate selects the transport format for the given capability set and
// preference. It is pure and total: unknown preferences and missing
// capabilities degrade to raw PCM, never to an error.
func Negotiate(caps Capabilities, pref Preference) Negotiated {
	raw := Negotiated{
		Kind:       KindRawPCM,
		Codec:      audio.CodecPCM16,
		SampleRate: TargetSampleRate,
		Channels:   TargetChannels,
	}

	switch pref {
	case PreferPCM:
		return raw
	case PreferOpus:
		if caps.OpusEncode {
			return opusFormat()
		}
		return raw
	case PreferAuto:
		if caps.OpusEncode {
			return opusFormat()
		}
		return raw
	default:
		return raw
	}
}

func opusFormat() Negotiated {
	return Negotiated{
		Kind:       KindContainer,
		Codec:      audio.CodecOpus,
		SampleRate: TargetSampleRate,
		Channels:   TargetChannels,
		BitRate:    DefaultBitRate,
	}
}
