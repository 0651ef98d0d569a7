package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Client → upstream event types.
const (
	EventSessionUpdate           = "session.update"
	EventInputAudioAppend        = "input_audio_buffer.append"
	EventInputAudioCommit        = "input_audio_buffer.commit"
	EventConversationItemCreate  = "conversation.item.create"
	EventResponseCreate          = "response.create"
	ItemTypeFunctionCallOutput   = "function_call_output"
	TurnDetectionServerVAD       = "server_vad"
	DefaultAudioFormat           = "audio/pcm"
	DefaultAudioSampleRate       = 24000
	DefaultVoice                 = "Ara"
	DefaultToolName              = "execute_skill"
	defaultToolDescription       = "Execute a named skill on the user's device and return its result."
	defaultToolParametersJSONRaw = `{"type":"object","properties":{"skill":{"type":"string","description":"Name of the skill to run."},"input":{"type":"object","description":"Skill-specific arguments."}},"required":["skill"]}`
)

// Upstream → client event types.
const (
	EventSessionCreated            = "session.created"
	EventSessionUpdated            = "session.updated"
	EventError                     = "error"
	EventSpeechStarted             = "input_audio_buffer.speech_started"
	EventSpeechStopped             = "input_audio_buffer.speech_stopped"
	EventInputAudioCommitted       = "input_audio_buffer.committed"
	EventOutputAudioDelta          = "response.output_audio.delta"
	EventAudioDeltaLegacy          = "response.audio.delta"
	EventFunctionCallArgsDelta     = "response.function_call_arguments.delta"
	EventFunctionCallArgsDone      = "response.function_call_arguments.done"
	EventResponseCreated           = "response.created"
	EventResponseDone              = "response.done"
	EventOutputAudioDone           = "response.output_audio.done"
	EventOutputAudioTranscriptDone = "response.output_audio_transcript.done"
)

// ClientEvent is an event written to the upstream socket.
type ClientEvent struct {
	Type    string            `json:"type"`
	Session *SessionConfig    `json:"session,omitempty"`
	Audio   string            `json:"audio,omitempty"`
	Item    *ConversationItem `json:"item,omitempty"`
}

// ConversationItem is the item carried by conversation.item.create.
type ConversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// SessionConfig is the body of session.update.
type SessionConfig struct {
	Voice         string         `json:"voice,omitempty"`
	Instructions  string         `json:"instructions,omitempty"`
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`
	Audio         *AudioConfig   `json:"audio,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
}

type TurnDetection struct {
	Type string `json:"type"`
}

type AudioConfig struct {
	Input  AudioDirection `json:"input"`
	Output AudioDirection `json:"output"`
}

type AudioDirection struct {
	Format AudioFormat `json:"format"`
}

type AudioFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate"`
}

// Tool is a function definition offered to the upstream model.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// SessionSettings is the relay-side description of the upstream session.
// It is fixed per process and injected into every Upstream.
type SessionSettings struct {
	Voice         string
	Instructions  string
	TurnDetection string
	AudioFormat   string
	SampleRate    int
	Tools         []Tool
}

// DefaultSessionSettings returns 24 kHz PCM audio, server VAD and the
// execute_skill tool.
func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		Voice:         DefaultVoice,
		TurnDetection: TurnDetectionServerVAD,
		AudioFormat:   DefaultAudioFormat,
		SampleRate:    DefaultAudioSampleRate,
		Tools:         []Tool{DefaultTool()},
	}
}

// DefaultTool is the generic skill-execution function.
func DefaultTool() Tool {
	return Tool{
		Type:        "function",
		Name:        DefaultToolName,
		Description: defaultToolDescription,
		Parameters:  json.RawMessage(defaultToolParametersJSONRaw),
	}
}

// ParseTools decodes a JSON array of tool definitions. Entries without a type
// default to "function".
func ParseTools(data []byte) ([]Tool, error) {
	var tools []Tool
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("decode tools: %w", err)
	}
	for i := range tools {
		tools[i].Name = strings.TrimSpace(tools[i].Name)
		if tools[i].Name == "" {
			return nil, fmt.Errorf("tools[%d].name is required", i)
		}
		if tools[i].Type == "" {
			tools[i].Type = "function"
		}
		if len(tools[i].Parameters) > 0 && !json.Valid(tools[i].Parameters) {
			return nil, fmt.Errorf("tools[%d].parameters is not valid JSON", i)
		}
	}
	return tools, nil
}

// SessionUpdate builds the configuration event sent right after the socket opens.
func SessionUpdate(s SessionSettings) ClientEvent {
	cfg := &SessionConfig{
		Voice:        s.Voice,
		Instructions: s.Instructions,
		Tools:        s.Tools,
	}
	if s.TurnDetection != "" {
		cfg.TurnDetection = &TurnDetection{Type: s.TurnDetection}
	}
	if s.AudioFormat != "" {
		format := AudioFormat{Type: s.AudioFormat, Rate: s.SampleRate}
		cfg.Audio = &AudioConfig{
			Input:  AudioDirection{Format: format},
			Output: AudioDirection{Format: format},
		}
	}
	return ClientEvent{Type: EventSessionUpdate, Session: cfg}
}

// InputAudioAppend forwards one opaque audio frame.
func InputAudioAppend(audio []byte) ClientEvent {
	return ClientEvent{Type: EventInputAudioAppend, Audio: base64.StdEncoding.EncodeToString(audio)}
}

// InputAudioAppendBase64 forwards a frame that is already base64 encoded.
func InputAudioAppendBase64(audio string) ClientEvent {
	return ClientEvent{Type: EventInputAudioAppend, Audio: audio}
}

func InputAudioCommit() ClientEvent {
	return ClientEvent{Type: EventInputAudioCommit}
}

// FunctionCallOutput carries a tool result back to the model.
func FunctionCallOutput(callID, output string) ClientEvent {
	return ClientEvent{
		Type: EventConversationItemCreate,
		Item: &ConversationItem{
			Type:   ItemTypeFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	}
}

func ResponseCreate() ClientEvent {
	return ClientEvent{Type: EventResponseCreate}
}

// ServerEvent is one decoded upstream event. Only the fields the relay
// routes on are decoded; Raw keeps the full payload.
type ServerEvent struct {
	Type      string          `json:"type"`
	EventID   string          `json:"event_id,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Error     *ServerError    `json:"error,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

type ServerError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
}

// DecodeServerEvent decodes one upstream text frame.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("decode upstream event: %w", err)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return ServerEvent{}, fmt.Errorf("decode upstream event: missing type")
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}
