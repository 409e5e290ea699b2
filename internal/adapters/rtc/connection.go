// Package rtc negotiates mesh peer connections with pion/webrtc.
package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/collab/media"
	"github.com/dkeye/Studyroom/internal/collab/mesh"
	"github.com/dkeye/Studyroom/internal/domain"
)

var errUnexpectedSignal = errors.New("unexpected signal")

// Signal kinds carried in the opaque webrtc_signal payload.
const (
	kindOffer       = "offer"
	kindAnswer      = "answer"
	kindCandidate   = "candidate"
	kindRenegotiate = "renegotiate"
)

type wireSignal struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Configuration builds a pion configuration from STUN/TURN URLs.
func Configuration(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return cfg
}

type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

type Option func(*webrtc.SettingEngine)

// WithLoopback allows loopback candidates, for peers on one host.
func WithLoopback() Option {
	return func(se *webrtc.SettingEngine) { se.SetIncludeLoopbackCandidate(true) }
}

func NewFactory(cfg webrtc.Configuration, opts ...Option) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	for _, o := range opts {
		o(&se)
	}
	return &Factory{api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)), cfg: cfg}, nil
}

// New satisfies mesh.NegotiatorFactory.
func (f *Factory) New(remote domain.UserID, role mesh.Role, local *media.LocalStream, ev mesh.PeerEvents) (mesh.Negotiator, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{
		pc:      pc,
		role:    role,
		ev:      ev,
		senders: make(map[string]*webrtc.RTPSender),
		log:     log.With().Str("module", "webrtc").Str("peer", string(remote)).Stringer("role", role).Logger(),
	}
	c.wire()
	if local != nil {
		for _, t := range local.Tracks() {
			if err := c.AddTrack(t); err != nil {
				_ = pc.Close()
				return nil, err
			}
		}
	}
	if role == mesh.RoleInitiator {
		// the initiator owns the m-lines; offer audio and video both ways so
		// the answerer can start sending either one later
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if c.hasSender(kind) {
				continue
			}
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				_ = pc.Close()
				return nil, err
			}
		}
	}
	return c, nil
}

// WebRTCConnection is one negotiated peer connection. Only the initiator
// ever sends offers; the answerer asks for a new one when it needs it.
type WebRTCConnection struct {
	pc   *webrtc.PeerConnection
	role mesh.Role
	ev   mesh.PeerEvents
	log  zerolog.Logger

	mu         sync.Mutex
	started    bool
	closed     bool
	offerAgain bool
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	senders    map[string]*webrtc.RTPSender
}

func (c *WebRTCConnection) wire() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed {
			go c.ev.Failed(errors.New("peer connection failed"))
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.send(wireSignal{Type: kindCandidate, Candidate: &init})
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.ev.Track(remoteTrack{track})
	})

	c.pc.OnNegotiationNeeded(func() {
		// off pion's operation queue; c.mu may be held by a caller waiting on it
		go func() {
			c.mu.Lock()
			started, closed := c.started, c.closed
			c.mu.Unlock()
			if !started || closed {
				return
			}
			if c.role != mesh.RoleInitiator {
				c.send(wireSignal{Type: kindRenegotiate})
				return
			}
			if err := c.offer(); err != nil {
				c.log.Error().Err(err).Msg("renegotiation offer")
			}
		}()
	})
}

func (c *WebRTCConnection) send(s wireSignal) {
	data, err := json.Marshal(s)
	if err != nil {
		c.log.Error().Err(err).Msg("encode signal")
		return
	}
	c.ev.Signal(data)
}

func (c *WebRTCConnection) Start() error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	if c.role == mesh.RoleInitiator {
		return c.offer()
	}
	return nil
}

// offer creates and sends an offer, or remembers to once the current
// exchange is answered.
func (c *WebRTCConnection) offer() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.pc.SignalingState() != webrtc.SignalingStateStable {
		c.offerAgain = true
		return nil
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	c.send(wireSignal{Type: kindOffer, SDP: offer.SDP})
	return nil
}

func (c *WebRTCConnection) HandleSignal(payload json.RawMessage) error {
	var s wireSignal
	if err := json.Unmarshal(payload, &s); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}
	switch s.Type {
	case kindOffer:
		if c.role == mesh.RoleInitiator {
			return fmt.Errorf("%w: offer sent to initiator", errUnexpectedSignal)
		}
		return c.applyOfferAndAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.SDP})
	case kindAnswer:
		if c.role != mesh.RoleInitiator {
			return fmt.Errorf("%w: answer sent to answerer", errUnexpectedSignal)
		}
		return c.applyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.SDP})
	case kindCandidate:
		if s.Candidate == nil {
			return nil
		}
		return c.addCandidate(*s.Candidate)
	case kindRenegotiate:
		if c.role == mesh.RoleInitiator {
			return c.offer()
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnexpectedSignal, s.Type)
	}
}

func (c *WebRTCConnection) applyOfferAndAnswer(offer webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := c.flushLocked(); err != nil {
		return err
	}
	c.send(wireSignal{Type: kindAnswer, SDP: answer.SDP})
	return nil
}

func (c *WebRTCConnection) applyAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("set remote answer: %w", err)
	}
	err := c.flushLocked()
	again := c.offerAgain
	c.offerAgain = false
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if again {
		return c.offer()
	}
	return nil
}

// candidates that arrive before the remote description wait for it
func (c *WebRTCConnection) addCandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc.RemoteDescription() == nil {
		c.pending = append(c.pending, ci)
		return nil
	}
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) flushLocked() error {
	pending := c.pending
	c.pending = nil
	for _, ci := range pending {
		if err := c.pc.AddICECandidate(ci); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
	}
	return nil
}

func kindOf(t *media.LocalTrack) webrtc.RTPCodecType {
	if t.Kind() == media.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func (c *WebRTCConnection) hasSender(kind webrtc.RTPCodecType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.senders {
		if s.Track() != nil && s.Track().Kind() == kind {
			return true
		}
	}
	return false
}

// AddTrack attaches a local track; negotiation-needed follows from pion.
func (c *WebRTCConnection) AddTrack(t *media.LocalTrack) error {
	sender, err := c.pc.AddTrack(t.Local())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.senders[t.ID()] = sender
	c.mu.Unlock()

	// RTCP has to be read for the interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	c.log.Debug().Str("track_id", t.ID()).Str("kind", kindOf(t).String()).Msg("local track added")
	return nil
}

func (c *WebRTCConnection) RemoveTrack(t *media.LocalTrack) error {
	c.mu.Lock()
	sender, ok := c.senders[t.ID()]
	delete(c.senders, t.ID())
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.pc.RemoveTrack(sender)
}

func (c *WebRTCConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Info().Msg("closed")
	return nil
}

// remoteTrack adapts a pion track to a playback source.
type remoteTrack struct {
	t *webrtc.TrackRemote
}

func (r remoteTrack) ID() string { return r.t.ID() }

func (r remoteTrack) Kind() media.Kind {
	if r.t.Kind() == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

func (r remoteTrack) ReadRTP() (*rtp.Packet, error) {
	p, _, err := r.t.ReadRTP()
	return p, err
}
