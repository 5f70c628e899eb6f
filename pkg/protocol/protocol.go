// Package protocol defines the wire protocol spoken over the persistent
// duplex connection to the voice gateway.
//
// Inbound JSON messages are decoded exactly once, at the transport boundary,
// into a closed set of typed events; downstream code switches over the union
// and never touches raw payloads. Unknown event types decode to
// [ErrUnknownEvent] so the transport can log and drop them without treating
// forward-compatible additions as failures.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sitespeak/sitespeak/pkg/audio"
	"github.com/sitespeak/sitespeak/pkg/voice"
)

// ErrUnknownEvent marks an inbound message whose type is not part of the
// event taxonomy. Callers log and ignore it.
var ErrUnknownEvent = errors.New("protocol: unknown event type")

// ── Inbound events ────────────────────────────────────────────────────────────

// Event is one inbound gateway event. The set of implementations is closed;
// consumers switch exhaustively over the concrete types.
type Event interface {
	// eventType returns the wire name, and seals the interface.
	eventType() string
}

// Ready confirms the session is open and carries the gateway-assigned
// session identifier.
type Ready struct {
	SessionID string
}

// SpeechStarted signals that remote voice-activity detection heard the user
// begin speaking. It opens a new turn.
type SpeechStarted struct{}

// SpeechStopped signals that remote VAD heard the user stop speaking.
type SpeechStopped struct{}

// PartialTranscript carries a low-latency interim recognition result. Each
// partial replaces the previous one; partials are never concatenated.
type PartialTranscript struct {
	Text string
}

// FinalTranscript carries the authoritative recognition result for the turn.
type FinalTranscript struct {
	Text string
}

// ResponseDelta carries one streamed fragment of the agent's reply.
type ResponseDelta struct {
	Text string
}

// ResponseFinal carries the agent's complete reply text.
type ResponseFinal struct {
	Text string
}

// AudioChunk carries one unit of synthesized agent audio. The transport does
// not interpret Data; the playback engine decodes it according to Codec.
type AudioChunk struct {
	Data      []byte
	Codec     audio.Codec
	Timestamp time.Duration
}

// MicOpened confirms the gateway is accepting capture audio.
type MicOpened struct{}

// MicClosed requests that local capture stop immediately.
type MicClosed struct{}

// ErrorEvent reports a gateway-side failure. Fatal errors indicate the
// session cannot continue.
type ErrorEvent struct {
	Code    string
	Message string
	Fatal   bool
}

// Ping is a keepalive probe. The transport answers with a [Pong] echoing the
// correlation payload verbatim.
type Ping struct {
	Correlation json.RawMessage
}

func (Ready) eventType() string             { return "ready" }
func (SpeechStarted) eventType() string     { return "speech_started" }
func (SpeechStopped) eventType() string     { return "speech_stopped" }
func (PartialTranscript) eventType() string { return "partial_asr" }
func (FinalTranscript) eventType() string   { return "final_asr" }
func (ResponseDelta) eventType() string     { return "agent_delta" }
func (ResponseFinal) eventType() string     { return "agent_final" }
func (AudioChunk) eventType() string        { return "audio" }
func (MicOpened) eventType() string         { return "mic_opened" }
func (MicClosed) eventType() string         { return "mic_closed" }
func (ErrorEvent) eventType() string        { return "error" }
func (Ping) eventType() string              { return "ping" }

// EventName returns the wire name of an event, for logs and metrics.
func EventName(ev Event) string { return ev.eventType() }

// inboundEnvelope is the superset wire shape of all inbound JSON messages.
type inboundEnvelope struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id,omitempty"`
	Text        string          `json:"text,omitempty"`
	Data        string          `json:"data,omitempty"` // base64 audio payload
	Format      string          `json:"format,omitempty"`
	TimestampMs int64           `json:"timestamp_ms,omitempty"`
	Error       *errorDetail    `json:"error,omitempty"`
	Correlation json.RawMessage `json:"correlation,omitempty"`
}

type errorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// DecodeEvent parses one inbound text message into a typed Event.
// Malformed JSON wraps [voice.ErrProtocol]; a well-formed message with an
// unrecognised type wraps [ErrUnknownEvent].
func DecodeEvent(data []byte) (Event, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode event: %w: %w", voice.ErrProtocol, err)
	}

	switch env.Type {
	case "ready":
		return Ready{SessionID: env.SessionID}, nil
	case "speech_started":
		return SpeechStarted{}, nil
	case "speech_stopped":
		return SpeechStopped{}, nil
	case "partial_asr":
		return PartialTranscript{Text: env.Text}, nil
	case "final_asr":
		return FinalTranscript{Text: env.Text}, nil
	case "agent_delta":
		return ResponseDelta{Text: env.Text}, nil
	case "agent_final":
		return ResponseFinal{Text: env.Text}, nil
	case "audio":
		payload, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return nil, fmt.Errorf("protocol: audio payload: %w: %w", voice.ErrProtocol, err)
		}
		codec := audio.Codec(env.Format)
		if codec == "" {
			codec = audio.CodecPCM16
		}
		return AudioChunk{
			Data:      payload,
			Codec:     codec,
			Timestamp: time.Duration(env.TimestampMs) * time.Millisecond,
		}, nil
	case "mic_opened":
		return MicOpened{}, nil
	case "mic_closed":
		return MicClosed{}, nil
	case "error":
		ev := ErrorEvent{Message: "unknown error"}
		if env.Error != nil {
			ev.Code = env.Error.Code
			if env.Error.Message != "" {
				ev.Message = env.Error.Message
			}
			ev.Fatal = env.Error.Fatal
		}
		return ev, nil
	case "ping":
		return Ping{Correlation: env.Correlation}, nil
	default:
		return nil, fmt.Errorf("protocol: %w: %q", ErrUnknownEvent, env.Type)
	}
}

// ── Outbound control messages ─────────────────────────────────────────────────

// Control is one outbound control message. The set of implementations is
// closed.
type Control interface {
	// controlAction returns the wire action name, and seals the interface.
	controlAction() string
}

// StartRecording asks the gateway to open a recognition stream with the
// session's language and voice configuration.
type StartRecording struct {
	Language string
	Voice    string

	// Format names the negotiated frame codec so the gateway knows how to
	// decode inbound binary frames.
	Format audio.Codec

	// SampleRate is the frame sample rate in Hz.
	SampleRate int
}

// StopRecording asks the gateway to close the recognition stream.
type StopRecording struct{}

// TextInput submits typed text in place of speech for one turn.
type TextInput struct {
	Text     string
	Language string
}

// Pong answers a [Ping], echoing its correlation payload.
type Pong struct {
	Correlation json.RawMessage
}

func (StartRecording) controlAction() string { return "start_recording" }
func (StopRecording) controlAction() string  { return "stop_recording" }
func (TextInput) controlAction() string      { return "text_input" }
func (Pong) controlAction() string           { return "pong" }

type startRecordingWire struct {
	Action string               `json:"action"`
	Params startRecordingParams `json:"params"`
}

type startRecordingParams struct {
	Language   string `json:"language,omitempty"`
	Voice      string `json:"voice,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type actionWire struct {
	Action      string          `json:"action"`
	Text        string          `json:"text,omitempty"`
	Language    string          `json:"language,omitempty"`
	Correlation json.RawMessage `json:"correlation,omitempty"`
}

// EncodeControl marshals a control message into its wire form.
func EncodeControl(c Control) ([]byte, error) {
	var v any
	switch m := c.(type) {
	case StartRecording:
		v = startRecordingWire{
			Action: m.controlAction(),
			Params: startRecordingParams{
				Language:   m.Language,
				Voice:      m.Voice,
				Format:     string(m.Format),
				SampleRate: m.SampleRate,
			},
		}
	case StopRecording:
		v = actionWire{Action: m.controlAction()}
	case TextInput:
		v = actionWire{Action: m.controlAction(), Text: m.Text, Language: m.Language}
	case Pong:
		v = actionWire{Action: m.controlAction(), Correlation: m.Correlation}
	default:
		return nil, fmt.Errorf("protocol: encode control: unsupported type %T", c)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode control: %w", err)
	}
	return data, nil
}
