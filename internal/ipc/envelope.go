// Package ipc defines the envelopes exchanged between Core and Brain and the
// bounded queues and transports that carry them.
package ipc

import (
	"github.com/google/uuid"
)

// MessageType is the envelope discriminator.
type MessageType string

const (
	TypeAudio     MessageType = "AUDIO"
	TypeText      MessageType = "TEXT"
	TypeInterrupt MessageType = "INTERRUPT"
	TypeShutdown  MessageType = "SHUTDOWN"
	TypeResult    MessageType = "RESULT"
	TypeLog       MessageType = "LOG"
)

// Log events Brain sends to Core.
const (
	EventTranscribed     = "transcribed"
	EventTTSStarted      = "tts_started"
	EventTTSFinished     = "tts_finished"
	EventTTSInterrupted  = "tts_interrupted"
	EventInterruptAck    = "interrupt_ack"
	EventHeartbeat       = "heartbeat"
	EventUnknownType     = "unknown_message_type"
	EventRequestError    = "request_error"
	EventCaptureArchived = "capture_archived"
)

// AudioPayload is a mono PCM16LE utterance.
type AudioPayload struct {
	PCM        []byte `json:"pcm"`
	SampleRate int    `json:"sample_rate"`
}

// RequestMeta carries routing and session flags from Core.
type RequestMeta struct {
	IsFollowup    bool   `json:"is_followup,omitempty"`
	FollowupChain int    `json:"followup_chain,omitempty"`
	Generation    uint64 `json:"generation"`
	// Session identifies the Core that sent the request. Generations are
	// only comparable within one session.
	Session string `json:"session,omitempty"`
}

// RequestEnvelope travels Core -> Brain. Treat it as immutable once sent.
type RequestEnvelope struct {
	Type  MessageType   `json:"type"`
	ID    string        `json:"id"`
	Text  string        `json:"text,omitempty"`
	Audio *AudioPayload `json:"audio,omitempty"`
	Meta  RequestMeta   `json:"meta"`
}

// NewAudioRequest wraps a captured utterance.
func NewAudioRequest(pcm []byte, sampleRate int, meta RequestMeta) RequestEnvelope {
	return RequestEnvelope{
		Type:  TypeAudio,
		ID:    uuid.NewString(),
		Audio: &AudioPayload{PCM: pcm, SampleRate: sampleRate},
		Meta:  meta,
	}
}

// NewTextRequest wraps a literal utterance.
func NewTextRequest(text string, meta RequestMeta) RequestEnvelope {
	return RequestEnvelope{Type: TypeText, ID: uuid.NewString(), Text: text, Meta: meta}
}

// NewInterrupt asks Brain to stop speaking and move to the given generation
// of session.
func NewInterrupt(session string, generation uint64) RequestEnvelope {
	return RequestEnvelope{
		Type: TypeInterrupt,
		ID:   uuid.NewString(),
		Meta: RequestMeta{Generation: generation, Session: session},
	}
}

// NewShutdown asks Brain to exit.
func NewShutdown() RequestEnvelope {
	return RequestEnvelope{Type: TypeShutdown, ID: uuid.NewString()}
}

// Timings are per-stage latencies in milliseconds.
type Timings struct {
	STTMs      int64 `json:"stt_ms"`
	LLMMs      int64 `json:"llm_ms"`
	ToolMs     int64 `json:"tool_ms"`
	TTSStartMs int64 `json:"tts_start_ms,omitempty"`
	TotalMs    int64 `json:"total_ms"`
}

// ToolError is the structured failure of one tool call.
type ToolError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToolCall reports one executed intent.
type ToolCall struct {
	Tool   string         `json:"tool"`
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result,omitempty"`
	Error  *ToolError     `json:"error,omitempty"`
}

// ResultMeta carries per-request state back to Core.
type ResultMeta struct {
	Timings            Timings `json:"timings"`
	CaptureValid       bool    `json:"capture_valid"`
	ShowFollowupPrompt bool    `json:"show_followup_prompt"`
	ExitSentinel       string  `json:"exit_sentinel,omitempty"`
	ConfirmationState  string  `json:"confirmation_state,omitempty"`
	Generation         uint64  `json:"generation"`
	SpeechSuppressed   bool    `json:"speech_suppressed,omitempty"`
	IsFollowup         bool    `json:"is_followup,omitempty"`
	FollowupChain      int     `json:"followup_chain,omitempty"`
	UserText           string  `json:"user_text,omitempty"`
	Route              string  `json:"route,omitempty"`
	Error              bool    `json:"error,omitempty"`
}

// ResultEnvelope travels Brain -> Core. Log envelopes use Level, Event and Fields.
type ResultEnvelope struct {
	Type       MessageType    `json:"type"`
	ID         string         `json:"id"`
	ReplyText  string         `json:"reply_text,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	SpeechText string         `json:"speech_text,omitempty"`
	Meta       ResultMeta     `json:"meta"`
	Level      string         `json:"level,omitempty"`
	Event      string         `json:"event,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// NewLog builds a Log envelope. id may be empty for events not tied to a request.
func NewLog(level, event, id string, fields map[string]any) ResultEnvelope {
	return ResultEnvelope{Type: TypeLog, ID: id, Level: level, Event: event, Fields: fields}
}
