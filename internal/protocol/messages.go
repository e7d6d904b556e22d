package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientText       MessageType = "client_text"
	TypeClientControl    MessageType = "client_control"

	TypeStateChanged        MessageType = "state_changed"
	TypeConversationTurn    MessageType = "conversation_turn"
	TypeAssistantDelta      MessageType = "assistant_text_delta"
	TypeSpeakingChanged     MessageType = "speaking_changed"
	TypeConversationCleared MessageType = "conversation_cleared"
	TypeSnapshot            MessageType = "snapshot"
	TypeErrorEvent          MessageType = "error_event"
)

// Client control actions.
const (
	ActionConnect           = "connect"
	ActionDisconnect        = "disconnect"
	ActionStartRecording    = "start_recording"
	ActionStopRecording     = "stop_recording"
	ActionClearError        = "clear_error"
	ActionClearConversation = "clear_conversation"
	ActionSnapshot          = "snapshot"
)

var ErrUnsupportedType = errors.New("unsupported message type")

var validActions = map[string]bool{
	ActionConnect:           true,
	ActionDisconnect:        true,
	ActionStartRecording:    true,
	ActionStopRecording:     true,
	ActionClearError:        true,
	ActionClearConversation: true,
	ActionSnapshot:          true,
}

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type StateChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Previous  string      `json:"previous,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type ConversationTurn struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	TSMs      int64       `json:"ts_ms"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TextDelta string      `json:"text_delta"`
}

type SpeakingChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Speaking  bool        `json:"speaking"`
	Visual    bool        `json:"visual"`
	Source    string      `json:"source,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type ConversationCleared struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type Snapshot struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Snapshot  any         `json:"snapshot"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// TS converts a timestamp to the wire millisecond form.
func TS(t time.Time) int64 {
	return t.UnixMilli()
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_text")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || !validActions[msg.Action] {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
