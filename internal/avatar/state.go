package avatar

import (
	"time"

	"github.com/ent0n29/avatarchat/internal/conversation"
)

// State is the visible conversation state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// Snapshot is the state exposed to the UI layer.
type Snapshot struct {
	State            State               `json:"state"`
	Connected        bool                `json:"connected"`
	Speaking         bool                `json:"speaking"`
	VisualSpeaking   bool                `json:"visual_speaking"`
	Recording        bool                `json:"recording"`
	TurnInFlight     bool                `json:"turn_in_flight"`
	AuthorityLatched bool                `json:"authority_latched"`
	Error            string              `json:"error,omitempty"`
	StreamID         string              `json:"stream_id,omitempty"`
	Turns            []conversation.Turn `json:"turns"`
}

type EventType string

const (
	EventStateChanged        EventType = "state_changed"
	EventTurnAppended        EventType = "conversation_turn"
	EventSpeakingChanged     EventType = "speaking_changed"
	EventAssistantDelta      EventType = "assistant_delta"
	EventConversationCleared EventType = "conversation_cleared"
	EventError               EventType = "error"
)

// Event is pushed to subscribers in the order the orchestrator applied it.
type Event struct {
	Type          EventType
	State         State
	PreviousState State
	Speaking      bool
	Visual        bool
	Source        string
	Turn          *conversation.Turn
	Delta         string
	Error         string
	At            time.Time
}
