package protocol_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sitespeak/sitespeak/pkg/audio"
	"github.com/sitespeak/sitespeak/pkg/protocol"
	"github.com/sitespeak/sitespeak/pkg/voice"
)

func TestDecodeEvent_Ready(t *testing.T) {
	t.Parallel()
	ev, err := protocol.DecodeEvent([]byte(`{"type":"ready","session_id":"sess-42"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ready, ok := ev.(protocol.Ready)
	if !ok {
		t.Fatalf("expected Ready, got %T", ev)
	}
	if ready.SessionID != "sess-42" {
		t.Errorf("session id = %q, want sess-42", ready.SessionID)
	}
}

func TestDecodeEvent_TranscriptAndResponse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want protocol.Event
	}{
		{`{"type":"speech_started"}`, protocol.SpeechStarted{}},
		{`{"type":"speech_stopped"}`, protocol.SpeechStopped{}},
		{`{"type":"partial_asr","text":"hel"}`, protocol.PartialTranscript{Text: "hel"}},
		{`{"type":"final_asr","text":"hello there"}`, protocol.FinalTranscript{Text: "hello there"}},
		{`{"type":"agent_delta","text":"Hi"}`, protocol.ResponseDelta{Text: "Hi"}},
		{`{"type":"agent_final","text":"Hi there"}`, protocol.ResponseFinal{Text: "Hi there"}},
		{`{"type":"mic_opened"}`, protocol.MicOpened{}},
		{`{"type":"mic_closed"}`, protocol.MicClosed{}},
	}

	for _, tc := range cases {
		ev, err := protocol.DecodeEvent([]byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.raw, err)
		}
		if ev != tc.want {
			t.Errorf("%s: got %#v, want %#v", tc.raw, ev, tc.want)
		}
	}
}

func TestDecodeEvent_AudioChunk(t *testing.T) {
	t.Parallel()
	payload := []byte{1, 2, 3, 4}
	raw := `{"type":"audio","data":"` + base64.StdEncoding.EncodeToString(payload) + `","format":"opus","timestamp_ms":150}`

	ev, err := protocol.DecodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunk, ok := ev.(protocol.AudioChunk)
	if !ok {
		t.Fatalf("expected AudioChunk, got %T", ev)
	}
	if string(chunk.Data) != string(payload) {
		t.Errorf("payload = % x, want % x", chunk.Data, payload)
	}
	if chunk.Codec != audio.CodecOpus {
		t.Errorf("codec = %q, want opus", chunk.Codec)
	}
	if chunk.Timestamp != 150*time.Millisecond {
		t.Errorf("timestamp = %v, want 150ms", chunk.Timestamp)
	}
}

func TestDecodeEvent_AudioChunkDefaultsToPCM(t *testing.T) {
	t.Parallel()
	ev, err := protocol.DecodeEvent([]byte(`{"type":"audio","data":""}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.(protocol.AudioChunk).Codec != audio.CodecPCM16 {
		t.Errorf("untagged chunk should default to pcm16, got %q", ev.(protocol.AudioChunk).Codec)
	}
}

func TestDecodeEvent_AudioChunkBadBase64(t *testing.T) {
	t.Parallel()
	_, err := protocol.DecodeEvent([]byte(`{"type":"audio","data":"not base64!"}`))
	if !errors.Is(err, voice.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestDecodeEvent_Error(t *testing.T) {
	t.Parallel()
	ev, err := protocol.DecodeEvent([]byte(`{"type":"error","error":{"code":"quota","message":"rate limited","fatal":true}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := protocol.ErrorEvent{Code: "quota", Message: "rate limited", Fatal: true}
	if ev != want {
		t.Errorf("got %#v, want %#v", ev, want)
	}
}

func TestDecodeEvent_ErrorWithoutDetail(t *testing.T) {
	t.Parallel()
	ev, err := protocol.DecodeEvent([]byte(`{"type":"error"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.(protocol.ErrorEvent).Message == "" {
		t.Error("error event without detail should carry a placeholder message")
	}
}

func TestDecodeEvent_PingPreservesCorrelation(t *testing.T) {
	t.Parallel()
	ev, err := protocol.DecodeEvent([]byte(`{"type":"ping","correlation":{"seq":7}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ping := ev.(protocol.Ping)
	if string(ping.Correlation) != `{"seq":7}` {
		t.Errorf("correlation = %s, want {\"seq\":7}", ping.Correlation)
	}
}

func TestDecodeEvent_UnknownType(t *testing.T) {
	t.Parallel()
	_, err := protocol.DecodeEvent([]byte(`{"type":"hologram"}`))
	if !errors.Is(err, protocol.ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDecodeEvent_MalformedJSON(t *testing.T) {
	t.Parallel()
	_, err := protocol.DecodeEvent([]byte(`{nope`))
	if !errors.Is(err, voice.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestEncodeControl_StartRecordingNestsParams(t *testing.T) {
	t.Parallel()
	data, err := protocol.EncodeControl(protocol.StartRecording{
		Language:   "en",
		Voice:      "aria",
		Format:     audio.CodecOpus,
		SampleRate: 24000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wire struct {
		Action string `json:"action"`
		Params struct {
			Language   string `json:"language"`
			Voice      string `json:"voice"`
			Format     string `json:"format"`
			SampleRate int    `json:"sample_rate"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal wire form: %v", err)
	}
	if wire.Action != "start_recording" {
		t.Errorf("action = %q, want start_recording", wire.Action)
	}
	if wire.Params.Language != "en" || wire.Params.Voice != "aria" {
		t.Errorf("params = %+v", wire.Params)
	}
	if wire.Params.Format != "opus" || wire.Params.SampleRate != 24000 {
		t.Errorf("format params = %+v", wire.Params)
	}
}

func TestEncodeControl_StopAndText(t *testing.T) {
	t.Parallel()
	data, err := protocol.EncodeControl(protocol.StopRecording{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"action":"stop_recording"}` {
		t.Errorf("stop wire = %s", data)
	}

	data, err = protocol.EncodeControl(protocol.TextInput{Text: "hours?", Language: "en"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"action":"text_input","text":"hours?","language":"en"}` {
		t.Errorf("text wire = %s", data)
	}
}

func TestEncodeControl_PongEchoesCorrelation(t *testing.T) {
	t.Parallel()
	data, err := protocol.EncodeControl(protocol.Pong{Correlation: json.RawMessage(`{"seq":7}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"action":"pong","correlation":{"seq":7}}` {
		t.Errorf("pong wire = %s", data)
	}
}
