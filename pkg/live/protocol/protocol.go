// Package protocol defines the JSON events exchanged with the realtime agent
// service and their codec.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-call/pkg/core"
)

// Inbound event types.
const (
	TypeInputAudioTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeResponseAudioTranscriptDelta     = "response.audio_transcript.delta"
	TypeResponseAudioDelta               = "response.audio.delta"
	TypeResponseDone                     = "response.done"
	TypeInputAudioBufferSpeechStarted    = "input_audio_buffer.speech_started"
	TypeExtensionToolResponse            = "extension.middle_tier_tool_response"
	TypeError                            = "error"
)

// Outbound event types.
const (
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
	TypeInputAudioBufferClear  = "input_audio_buffer.clear"
	TypeSessionUpdate          = "session.update"
)

// DecodeError reports a malformed inbound payload.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

// ErrorKind places decode errors in the core taxonomy.
func (e *DecodeError) ErrorKind() core.ErrorKind { return core.KindDecode }

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ServerEvent is a decoded inbound event.
type ServerEvent interface {
	EventType() string
}

type InputAudioTranscriptionCompleted struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`
	Transcript   string `json:"transcript"`
}

type ResponseAudioTranscriptDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta"`
}

// ResponseAudioDelta carries base64 PCM16 agent audio.
type ResponseAudioDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta"`
}

// ResponseDone marks the end of an agent turn.
type ResponseDone struct {
	Type string `json:"type"`
}

// InputAudioBufferSpeechStarted signals that the user began speaking.
type InputAudioBufferSpeechStarted struct {
	Type         string `json:"type"`
	AudioStartMS int64  `json:"audio_start_ms,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
}

// ExtensionToolResponse carries a tool result as JSON text.
type ExtensionToolResponse struct {
	Type           string `json:"type"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
	ToolName       string `json:"tool_name,omitempty"`
	ToolResult     string `json:"tool_result"`
}

// Error is an error reported by the service, or synthesized by the transport
// when the connection fails. Fatal errors end the session.
type Error struct {
	Type    string `json:"type"`
	ErrType string `json:"-"`
	Code    string `json:"-"`
	Message string `json:"-"`
	Param   string `json:"-"`
	Fatal   bool   `json:"-"`
	Err     error  `json:"-"`
}

func (e Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return msg
}

func (e Error) Unwrap() error { return e.Err }

// Unknown is any event type the client does not act on.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (e InputAudioTranscriptionCompleted) EventType() string {
	return TypeInputAudioTranscriptionCompleted
}
func (e ResponseAudioTranscriptDelta) EventType() string  { return TypeResponseAudioTranscriptDelta }
func (e ResponseAudioDelta) EventType() string            { return TypeResponseAudioDelta }
func (e ResponseDone) EventType() string                  { return TypeResponseDone }
func (e InputAudioBufferSpeechStarted) EventType() string { return TypeInputAudioBufferSpeechStarted }
func (e ExtensionToolResponse) EventType() string         { return TypeExtensionToolResponse }
func (e Error) EventType() string                         { return TypeError }
func (e Unknown) EventType() string                       { return e.Type }

// DecodeServerEvent decodes one inbound frame. Malformed frames yield a
// *DecodeError; unknown types decode to Unknown.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeInputAudioTranscriptionCompleted:
		var msg InputAudioTranscriptionCompleted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid "+typ, "")
		}
		return msg, nil
	case TypeResponseAudioTranscriptDelta:
		var msg ResponseAudioTranscriptDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid "+typ, "")
		}
		return msg, nil
	case TypeResponseAudioDelta:
		var msg ResponseAudioDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid "+typ, "")
		}
		return msg, nil
	case TypeResponseDone:
		return ResponseDone{Type: typ}, nil
	case TypeInputAudioBufferSpeechStarted:
		var msg InputAudioBufferSpeechStarted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid "+typ, "")
		}
		return msg, nil
	case TypeExtensionToolResponse:
		var msg ExtensionToolResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid "+typ, "")
		}
		return msg, nil
	case TypeError:
		var raw struct {
			Message string `json:"message"`
			Error   *struct {
				Type    string `json:"type"`
				Code    string `json:"code"`
				Message string `json:"message"`
				Param   string `json:"param"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, badRequest("invalid error event", "")
		}
		msg := Error{Type: typ, Message: raw.Message}
		if raw.Error != nil {
			msg.ErrType = raw.Error.Type
			msg.Code = raw.Error.Code
			msg.Param = raw.Error.Param
			if raw.Error.Message != "" {
				msg.Message = raw.Error.Message
			}
		}
		if msg.Message == "" {
			msg.Message = "unspecified error"
		}
		return msg, nil
	default:
		return Unknown{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// InputAudioBufferAppend streams one chunk of microphone audio.
type InputAudioBufferAppend struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Audio   string `json:"audio"`
}

// InputAudioBufferClear discards audio the service has buffered but not committed.
type InputAudioBufferClear struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

type TurnDetection struct {
	Type string `json:"type"`
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

// SessionConfig is the session block of session.update.
type SessionConfig struct {
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
}

// DefaultSessionConfig enables server VAD and input transcription, which the
// transcript relies on for customer entries.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TurnDetection:           &TurnDetection{Type: "server_vad"},
		InputAudioTranscription: &InputAudioTranscription{Model: "whisper-1"},
	}
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session SessionConfig `json:"session"`
}

// EncodeAudio encodes PCM for the wire.
func EncodeAudio(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeAudio decodes a wire audio payload into PCM16 bytes.
func DecodeAudio(s string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, badRequest("audio payload is not valid base64", "delta")
	}
	if len(pcm)%2 != 0 {
		return nil, badRequest("audio payload is not 16-bit aligned", "delta")
	}
	return pcm, nil
}

// ToolSource is one grounding chunk in a tool result.
type ToolSource struct {
	ChunkID string `json:"chunk_id"`
	Title   string `json:"title"`
	Chunk   string `json:"chunk"`
}

// ToolResult is the payload of extension.middle_tier_tool_response.
type ToolResult struct {
	Sources []ToolSource `json:"sources"`
}

// DecodeToolResult parses and validates a tool_result string.
func DecodeToolResult(s string) (ToolResult, error) {
	var raw struct {
		Sources *[]ToolSource `json:"sources"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return ToolResult{}, badRequest("tool_result is not valid json", "tool_result")
	}
	if raw.Sources == nil {
		return ToolResult{}, badRequest("tool_result.sources is required", "sources")
	}
	for i, src := range *raw.Sources {
		if strings.TrimSpace(src.ChunkID) == "" {
			return ToolResult{}, badRequest(fmt.Sprintf("tool_result.sources[%d].chunk_id is required", i), "chunk_id")
		}
	}
	return ToolResult{Sources: *raw.Sources}, nil
}
