package media

import "strings"

// ControlEvent is a lifecycle marker delivered over the control channel.
type ControlEvent int

const (
	ControlUnknown ControlEvent = iota
	ControlReady
	ControlSpeechStarted
	ControlSpeechDone
)

func (e ControlEvent) String() string {
	switch e {
	case ControlReady:
		return "ready"
	case ControlSpeechStarted:
		return "speech-started"
	case ControlSpeechDone:
		return "speech-done"
	default:
		return "unknown"
	}
}

// Provider markers. The provider wraps them in metadata, so they are matched
// by containment, never equality.
const (
	markerReady   = "stream/ready"
	markerStarted = "stream/started"
	markerDone    = "stream/done"
)

// ParseControlEvent classifies a raw control-channel message.
func ParseControlEvent(msg string) ControlEvent {
	switch {
	case strings.Contains(msg, markerReady):
		return ControlReady
	case strings.Contains(msg, markerStarted):
		return ControlSpeechStarted
	case strings.Contains(msg, markerDone):
		return ControlSpeechDone
	default:
		return ControlUnknown
	}
}
