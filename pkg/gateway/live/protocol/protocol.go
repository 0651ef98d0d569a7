package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	AudioTransportBinary     = "binary"
	AudioTransportBase64JSON = "base64_json"
)

// Client → relay message types.
const (
	TypeStart      = "start"
	TypeStop       = "stop"
	TypeAudioChunk = "audio_chunk"
	TypeToolResult = "tool_result"
)

// Relay → client message types.
const (
	TypeSession      = "session"
	TypeStatus       = "status"
	TypeInterrupt    = "interrupt"
	TypeToolRequest  = "tool_request"
	TypeToolProgress = "tool_progress"
	TypeLog          = "log"
	TypeError        = "error"
	TypeWarning      = "warning"
)

// Log levels carried by ServerLog.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

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

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type ClientStart struct {
	Type           string `json:"type"`
	AudioTransport string `json:"audio_transport,omitempty"`
}

type ClientStop struct {
	Type string `json:"type"`
}

// ClientAudioChunk carries one base64 audio frame. The payload is forwarded
// upstream untouched.
type ClientAudioChunk struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type ClientToolResult struct {
	Type   string          `json:"type"`
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result"`
}

// ResultString renders the tool result as the string the upstream expects.
// JSON strings are unquoted, anything else is passed as its JSON text.
func (m ClientToolResult) ResultString() string {
	raw := strings.TrimSpace(string(m.Result))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	return raw
}

func DecodeClientMessage(data []byte) (any, error) {
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
	case TypeStart:
		var msg ClientStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start frame", "")
		}
		transport := strings.TrimSpace(msg.AudioTransport)
		switch transport {
		case "":
			msg.AudioTransport = AudioTransportBase64JSON
		case AudioTransportBinary, AudioTransportBase64JSON:
			msg.AudioTransport = transport
		default:
			return nil, unsupported("unsupported audio transport", "audio_transport")
		}
		return msg, nil
	case TypeStop:
		return ClientStop{Type: TypeStop}, nil
	case TypeAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk", "")
		}
		if strings.TrimSpace(msg.Audio) == "" {
			return nil, badRequest("audio_chunk.audio is required", "audio")
		}
		return msg, nil
	case TypeToolResult:
		var msg ClientToolResult
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid tool_result", "")
		}
		msg.CallID = strings.TrimSpace(msg.CallID)
		if msg.CallID == "" {
			return nil, badRequest("tool_result.call_id is required", "call_id")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

type ServerSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type ServerStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type ServerAudioChunk struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type ServerInterrupt struct {
	Type string `json:"type"`
}

type ServerToolRequest struct {
	Type   string         `json:"type"`
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
}

type ServerToolProgress struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Delta  string `json:"delta"`
}

type ServerLog struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
