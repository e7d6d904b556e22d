package avatar

import (
	"errors"
	"fmt"
)

var (
	ErrTurnInFlight     = errors.New("turn already in flight")
	ErrNotConnected     = errors.New("avatar session not connected")
	ErrAlreadyConnected = errors.New("avatar session already connected")
	ErrNotRecording     = errors.New("not recording")
	ErrEmptyMessage     = errors.New("message is empty")
	// ErrSuperseded is returned when a disconnect overtook the operation.
	ErrSuperseded = errors.New("superseded by disconnect")
)

type ErrorKind string

const (
	KindConfiguration    ErrorKind = "configuration"
	KindProvider         ErrorKind = "provider"
	KindMediaNegotiation ErrorKind = "media_negotiation"
	KindPipeline         ErrorKind = "pipeline"
	KindDevice           ErrorKind = "device"
)

// User-visible messages.
const (
	MsgConnectionFailed   = "Connection failed"
	MsgMicrophone         = "Failed to access microphone"
	MsgTranscription      = "Transcription failed"
	MsgChat               = "Chat request failed"
	MsgSpeak              = "Failed to make avatar speak"
	MsgInvalidOffer       = "Invalid SDP offer from D-ID"
	MsgCreateStreamFailed = "Failed to create stream"
)

// Error is a classified failure. Message is the short text shown to users.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the error ends the connection attempt.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindConfiguration, KindMediaNegotiation:
		return true
	case KindProvider:
		return e.Op == "connect"
	default:
		return false
	}
}

// KindOf returns the kind of an *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
