package media

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ent0n29/avatarchat/internal/signaling"
)

func TestSessionAnswersOfferAndEndsCandidates(t *testing.T) {
	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection() error = %v", err)
	}
	defer offerer.Close()
	if _, err := offerer.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	}); err != nil {
		t.Fatalf("AddTransceiverFromKind() error = %v", err)
	}
	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription() error = %v", err)
	}

	done := make(chan struct{})
	s, err := NewSession(Config{}, Handlers{
		OnCandidate: func(c *signaling.Candidate) {
			if c == nil {
				close(done)
			}
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	answer, err := s.Answer(signaling.SessionDescription{Type: "offer", SDP: offer.SDP})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer.Type != "answer" || answer.SDP == "" {
		t.Fatalf("answer = %+v, want non-empty answer", answer)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("end-of-candidates not forwarded")
	}

	if w, h := s.FrameSize(); w != 0 || h != 0 {
		t.Fatalf("FrameSize() = %dx%d, want 0x0", w, h)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := s.Answer(signaling.SessionDescription{SDP: offer.SDP}); err != ErrClosed {
		t.Fatalf("Answer() after close error = %v, want ErrClosed", err)
	}
}

// dialSession negotiates s against a local offerer that plays the provider.
func dialSession(t *testing.T, s *Session, offerer *webrtc.PeerConnection, candidates <-chan *signaling.Candidate) {
	t.Helper()
	gathered := webrtc.GatheringCompletePromise(offerer)
	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription() error = %v", err)
	}
	<-gathered

	answer, err := s.Answer(signaling.SessionDescription{Type: "offer", SDP: offerer.LocalDescription().SDP})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if err := offerer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		t.Fatalf("SetRemoteDescription() error = %v", err)
	}
	go func() {
		for c := range candidates {
			if c == nil {
				return
			}
			_ = offerer.AddICECandidate(webrtc.ICECandidateInit{
				Candidate:     c.Candidate,
				SDPMid:        c.SDPMid,
				SDPMLineIndex: c.SDPMLineIndex,
			})
		}
	}()
}

type controlMsg struct {
	event ControlEvent
	raw   string
}

func newLoopback(t *testing.T) (*Session, *webrtc.PeerConnection, <-chan controlMsg, <-chan *signaling.Candidate) {
	t.Helper()
	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection() error = %v", err)
	}
	t.Cleanup(func() { _ = offerer.Close() })

	controls := make(chan controlMsg, 16)
	candidates := make(chan *signaling.Candidate, 64)
	s, err := NewSession(Config{}, Handlers{
		OnCandidate: func(c *signaling.Candidate) { candidates <- c },
		OnControl: func(event ControlEvent, raw string) {
			controls <- controlMsg{event: event, raw: raw}
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, offerer, controls, candidates
}

func awaitControl(t *testing.T, controls <-chan controlMsg) controlMsg {
	t.Helper()
	select {
	case msg := <-controls:
		return msg
	case <-time.After(15 * time.Second):
		t.Fatalf("no control event delivered")
		return controlMsg{}
	}
}

func TestProviderOpenedChannelDeliversControlEvents(t *testing.T) {
	s, offerer, controls, candidates := newLoopback(t)

	provider, err := offerer.CreateDataChannel("provider-events", nil)
	if err != nil {
		t.Fatalf("CreateDataChannel() error = %v", err)
	}
	provider.OnOpen(func() {
		_ = provider.SendText("chat/partial:ignored")
		_ = provider.SendText("meta stream/started meta")
	})
	dialSession(t, s, offerer, candidates)

	msg := awaitControl(t, controls)
	if msg.event != ControlSpeechStarted || msg.raw != "meta stream/started meta" {
		t.Fatalf("control = %v %q, want speech-started with raw message", msg.event, msg.raw)
	}
}

func TestCallerCreatedChannelDeliversControlEvents(t *testing.T) {
	s, offerer, controls, candidates := newLoopback(t)

	// An application section in the offer is needed for SCTP; the provider
	// side never writes on this one.
	if _, err := offerer.CreateDataChannel("provider-idle", nil); err != nil {
		t.Fatalf("CreateDataChannel() error = %v", err)
	}
	offerer.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DefaultChannelLabel {
			return
		}
		dc.OnOpen(func() {
			_ = dc.SendText("stream/done:{\"videoId\":\"v1\"}")
		})
	})
	dialSession(t, s, offerer, candidates)

	msg := awaitControl(t, controls)
	if msg.event != ControlSpeechDone {
		t.Fatalf("control = %v %q, want speech-done", msg.event, msg.raw)
	}
}
