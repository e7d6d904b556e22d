package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/ent0n29/avatarchat/internal/signaling"
)

// DefaultChannelLabel is the label of the caller-created control channel.
const DefaultChannelLabel = "JanusDataChannel"

// ConnectionState mirrors the peer connection state names.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

var ErrClosed = errors.New("media session closed")

type Config struct {
	ICEServers   []signaling.ICEServer
	ChannelLabel string
	// Relay receives every inbound RTP packet. Optional; not closed by the session.
	Relay *Relay
}

// Handlers are invoked from pion goroutines.
type Handlers struct {
	// OnCandidate receives every local candidate; nil marks end-of-candidates.
	OnCandidate       func(*signaling.Candidate)
	OnControl         func(event ControlEvent, raw string)
	OnConnectionState func(ConnectionState)
	OnTrack           func(kind string)
}

// Session owns one peer connection with its control channels and inbound tracks.
type Session struct {
	pc       *webrtc.PeerConnection
	control  *webrtc.DataChannel
	handlers Handlers
	relay    *Relay
	probe    FrameProbe
	logger   *slog.Logger

	mu       sync.Mutex
	remoteDC []*webrtc.DataChannel
	closed   bool
	readers  sync.WaitGroup
}

func NewSession(cfg Config, handlers Handlers, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	label := cfg.ChannelLabel
	if label == "" {
		label = DefaultChannelLabel
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, srv := range cfg.ICEServers {
		if len(srv.URLs) == 0 {
			continue
		}
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       srv.URLs,
			Username:   srv.Username,
			Credential: srv.Credential,
		})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &Session{
		pc:       pc,
		handlers: handlers,
		relay:    cfg.Relay,
		logger:   logger.With("component", "media"),
	}

	control, err := pc.CreateDataChannel(label, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create control channel: %w", err)
	}
	s.control = control
	s.attachControl(control)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = dc.Close()
			return
		}
		s.remoteDC = append(s.remoteDC, dc)
		s.mu.Unlock()
		s.logger.Debug("provider opened control channel", "label", dc.Label())
		s.attachControl(dc)
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if s.handlers.OnCandidate == nil {
			return
		}
		if c == nil {
			s.handlers.OnCandidate(nil)
			return
		}
		init := c.ToJSON()
		s.handlers.OnCandidate(&signaling.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("peer connection state", "state", state.String())
		if s.handlers.OnConnectionState != nil {
			s.handlers.OnConnectionState(ConnectionState(state.String()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := track.Kind().String()
		s.logger.Info("remote track received", "kind", kind, "codec", track.Codec().MimeType)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.readers.Add(1)
		s.mu.Unlock()
		if s.handlers.OnTrack != nil {
			s.handlers.OnTrack(kind)
		}
		go s.readTrack(track)
	})

	return s, nil
}

func (s *Session) attachControl(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		raw := string(msg.Data)
		event := ParseControlEvent(raw)
		if event == ControlUnknown {
			return
		}
		if s.handlers.OnControl != nil {
			s.handlers.OnControl(event, raw)
		}
	})
}

func (s *Session) readTrack(track *webrtc.TrackRemote) {
	defer s.readers.Done()
	kind := track.Kind().String()
	mime := track.Codec().MimeType
	video := track.Kind() == webrtc.RTPCodecTypeVideo
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("track reader stopped", "kind", kind, "error", err)
			}
			return
		}
		if video {
			s.probe.Observe(mime, pkt.Payload)
		}
		if s.relay != nil {
			s.relay.Publish(Packet{Kind: kind, MimeType: mime, RTP: pkt})
		}
	}
}

// Answer applies the provider offer and returns the local answer.
func (s *Session) Answer(offer signaling.SessionDescription) (signaling.SessionDescription, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return signaling.SessionDescription{}, ErrClosed
	}
	if offer.SDP == "" {
		return signaling.SessionDescription{}, errors.New("empty offer")
	}

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return signaling.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return signaling.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// FrameSize reports the latest inbound video dimensions.
func (s *Session) FrameSize() (int, int) {
	return s.probe.Size()
}

// Close tears down channels and the peer connection. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	remote := s.remoteDC
	s.remoteDC = nil
	s.mu.Unlock()

	var errs []error
	if s.control != nil {
		if err := s.control.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close control channel: %w", err))
		}
	}
	for _, dc := range remote {
		if err := dc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close provider channel: %w", err))
		}
	}
	if err := s.pc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close peer connection: %w", err))
	}
	s.readers.Wait()
	return errors.Join(errs...)
}
