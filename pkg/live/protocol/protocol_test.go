package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/vango-go/vai-call/pkg/core"
)

func TestDecodeServerEvent_KnownTypes(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check func(t *testing.T, ev ServerEvent)
	}{
		{
			name: "customer transcript",
			raw:  `{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","transcript":"my card was declined"}`,
			check: func(t *testing.T, ev ServerEvent) {
				msg, ok := ev.(InputAudioTranscriptionCompleted)
				if !ok || msg.Transcript != "my card was declined" {
					t.Fatalf("decoded %#v", ev)
				}
			},
		},
		{
			name: "agent transcript delta",
			raw:  `{"type":"response.audio_transcript.delta","response_id":"r1","delta":"I can"}`,
			check: func(t *testing.T, ev ServerEvent) {
				msg, ok := ev.(ResponseAudioTranscriptDelta)
				if !ok || msg.Delta != "I can" {
					t.Fatalf("decoded %#v", ev)
				}
			},
		},
		{
			name: "agent audio delta",
			raw:  `{"type":"response.audio.delta","delta":"AAABAA=="}`,
			check: func(t *testing.T, ev ServerEvent) {
				msg, ok := ev.(ResponseAudioDelta)
				if !ok {
					t.Fatalf("decoded %T", ev)
				}
				pcm, err := DecodeAudio(msg.Delta)
				if err != nil || !bytes.Equal(pcm, []byte{0, 0, 1, 0}) {
					t.Fatalf("pcm=%v err=%v", pcm, err)
				}
			},
		},
		{
			name: "response done",
			raw:  `{"type":"response.done","response":{"status":"completed"}}`,
			check: func(t *testing.T, ev ServerEvent) {
				if _, ok := ev.(ResponseDone); !ok {
					t.Fatalf("decoded %T", ev)
				}
			},
		},
		{
			name: "speech started",
			raw:  `{"type":"input_audio_buffer.speech_started","audio_start_ms":1200}`,
			check: func(t *testing.T, ev ServerEvent) {
				msg, ok := ev.(InputAudioBufferSpeechStarted)
				if !ok || msg.AudioStartMS != 1200 {
					t.Fatalf("decoded %#v", ev)
				}
			},
		},
		{
			name: "tool response",
			raw:  `{"type":"extension.middle_tier_tool_response","previous_item_id":"p1","tool_name":"search","tool_result":"{\"sources\":[]}"}`,
			check: func(t *testing.T, ev ServerEvent) {
				msg, ok := ev.(ExtensionToolResponse)
				if !ok || msg.ToolName != "search" || msg.ToolResult != `{"sources":[]}` {
					t.Fatalf("decoded %#v", ev)
				}
			},
		},
		{
			name: "nested error",
			raw:  `{"type":"error","error":{"type":"invalid_request_error","code":"bad_audio","message":"audio too short","param":"audio"}}`,
			check: func(t *testing.T, ev ServerEvent) {
				msg, ok := ev.(Error)
				if !ok || msg.Message != "audio too short" || msg.Code != "bad_audio" || msg.ErrType != "invalid_request_error" {
					t.Fatalf("decoded %#v", ev)
				}
				if msg.Fatal {
					t.Fatalf("service errors are not fatal")
				}
			},
		},
		{
			name: "flat error",
			raw:  `{"type":"error","message":"rate limited"}`,
			check: func(t *testing.T, ev ServerEvent) {
				msg, ok := ev.(Error)
				if !ok || msg.Message != "rate limited" {
					t.Fatalf("decoded %#v", ev)
				}
			},
		},
		{
			name: "unknown",
			raw:  `{"type":"response.created"}`,
			check: func(t *testing.T, ev ServerEvent) {
				msg, ok := ev.(Unknown)
				if !ok || msg.EventType() != "response.created" {
					t.Fatalf("decoded %#v", ev)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeServerEvent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeServerEvent() error = %v", err)
			}
			tt.check(t, ev)
		})
	}
}

func TestDecodeServerEvent_Malformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"type":"  "}`, `{"type":"response.audio.delta","delta":5}`} {
		_, err := DecodeServerEvent([]byte(raw))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%s: err = %v, want *DecodeError", raw, err)
		}
		if !core.IsKind(err, core.KindDecode) {
			t.Fatalf("%s: kind = %q", raw, core.KindOf(err))
		}
	}
}

func TestDecodeToolResult(t *testing.T) {
	res, err := DecodeToolResult(`{"sources":[{"chunk_id":"c1","title":"Refund policy","chunk":"Refunds take 5 days."},{"chunk_id":"c1","title":"Refund policy","chunk":"again"}]}`)
	if err != nil {
		t.Fatalf("DecodeToolResult() error = %v", err)
	}
	if len(res.Sources) != 2 || res.Sources[0].Title != "Refund policy" {
		t.Fatalf("sources=%+v", res.Sources)
	}

	bad := map[string]string{
		"invalid json":     `{"sources":`,
		"missing sources":  `{"results":[]}`,
		"missing chunk_id": `{"sources":[{"title":"x","chunk":"y"}]}`,
		"sources not list": `{"sources":"x"}`,
	}
	for name, raw := range bad {
		_, err := DecodeToolResult(raw)
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%s: err = %v, want *DecodeError", name, err)
		}
	}
}

func TestDecodeAudio_RejectsBadPayloads(t *testing.T) {
	if _, err := DecodeAudio("%%%"); err == nil {
		t.Fatal("expected base64 error")
	}
	if _, err := DecodeAudio(EncodeAudio([]byte{1, 2, 3})); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestSessionUpdate_WireShape(t *testing.T) {
	raw, err := json.Marshal(SessionUpdate{Type: TypeSessionUpdate, Session: DefaultSessionConfig()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	session, _ := got["session"].(map[string]any)
	td, _ := session["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" {
		t.Fatalf("turn_detection=%v", session["turn_detection"])
	}
	tr, _ := session["input_audio_transcription"].(map[string]any)
	if tr["model"] != "whisper-1" {
		t.Fatalf("input_audio_transcription=%v", session["input_audio_transcription"])
	}
}
