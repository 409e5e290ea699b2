// Package mesh keeps one direct media connection to every other participant
// in the session's voice channel. The relay only carries signaling.
//
// For every pair exactly one side initiates: whoever joined the channel later
// sends the offers, everyone already there answers.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/collab/media"
	"github.com/dkeye/Studyroom/internal/collab/notify"
	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/protocol"
)

// Signaler is the part of the session transport the mesh uses.
type Signaler interface {
	Subscribe(typ protocol.Type, fn func(protocol.Event)) func()
	JoinVoice(cb func(protocol.VoiceJoinAck, error))
	LeaveVoice() error
	SendSignal(target, from domain.UserID, payload json.RawMessage) error
}

type Config struct {
	NegotiationTimeout time.Duration
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithNotifier(n notify.Notifier) Option { return func(m *Manager) { m.notify = n } }

// WithPeerObserver is called after every peer state change, outside the mesh lock.
func WithPeerObserver(fn func(PeerInfo)) Option { return func(m *Manager) { m.observe = fn } }

type phase int

const (
	phaseIdle phase = iota
	phaseJoining
	phaseJoined
)

type Manager struct {
	cfg      Config
	self     domain.Participant
	sig      Signaler
	factory  NegotiatorFactory
	capturer media.Capturer
	clock    clock.Clock
	notify   notify.Notifier
	observe  func(PeerInfo)
	log      zerolog.Logger

	mu       sync.Mutex
	phase    phase
	stream   *media.LocalStream
	peers    map[domain.UserID]*peer
	early    []protocol.Event
	offs     []func()
	muted    bool
	deafened bool
}

func New(cfg Config, self domain.Participant, sig Signaler, factory NegotiatorFactory, capturer media.Capturer, opts ...Option) *Manager {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 30 * time.Second
	}
	m := &Manager{
		cfg:      cfg,
		self:     self,
		sig:      sig,
		factory:  factory,
		capturer: capturer,
		clock:    clock.New(),
		notify:   notify.Log{},
		log:      log.With().Str("module", "collab.mesh").Str("user", string(self.UserID)).Logger(),
		peers:    make(map[domain.UserID]*peer),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Join captures the microphone and enters the voice channel. It blocks until
// the relay answers, so it must not be called from a transport subscriber.
func (m *Manager) Join(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != phaseIdle {
		m.mu.Unlock()
		return nil
	}
	m.phase = phaseJoining
	m.mu.Unlock()

	stream := media.NewLocalStream()
	audio, err := m.capturer.Audio(context.WithoutCancel(ctx), stream.ID())
	if err != nil {
		m.reset()
		m.log.Warn().Err(err).Msg("microphone capture failed")
		m.notify.Persistent(media.UserMessage(err))
		return err
	}
	stream.Add(audio)

	m.mu.Lock()
	m.stream = stream
	stream.SetAudioEnabled(!m.muted)
	m.offs = []func(){
		m.sig.Subscribe(protocol.TypePeerJoined, m.handle),
		m.sig.Subscribe(protocol.TypePeerLeft, m.handle),
		m.sig.Subscribe(protocol.TypeSignal, m.handle),
		m.sig.Subscribe(protocol.TypeSessionJoined, m.handle),
	}
	m.mu.Unlock()

	done := make(chan error, 1)
	m.sig.JoinVoice(func(ack protocol.VoiceJoinAck, err error) { done <- m.onJoinAck(ack, err) })

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		m.Leave()
		return ctx.Err()
	}
}

func (m *Manager) onJoinAck(ack protocol.VoiceJoinAck, err error) error {
	if err == nil && !ack.Success {
		err = fmt.Errorf("%w: %s", ErrVoiceJoinRejected, ack.Error)
	}
	m.mu.Lock()
	if m.phase != phaseJoining {
		m.mu.Unlock()
		return ErrNotInVoice
	}
	if err != nil {
		m.mu.Unlock()
		m.reset()
		m.log.Error().Err(err).Msg("voice join failed")
		m.notify.Persistent(fmt.Sprintf("Failed to join voice channel: %v", err))
		return err
	}
	m.phase = phaseJoined
	var created []*peer
	listed := make(map[domain.UserID]bool, len(ack.Peers))
	for _, p := range ack.Peers {
		if p.UserID == m.self.UserID || p.UserID == "" {
			continue
		}
		listed[p.UserID] = true
		created = append(created, m.trackLocked(p, RoleInitiator))
	}
	early := m.early
	m.early = nil
	m.mu.Unlock()

	m.log.Info().Int("peers", len(created)).Int("early_events", len(early)).Msg("joined voice")
	for _, p := range created {
		m.startPeer(p)
	}
	m.replay(early, listed)
	return nil
}

// replay applies what arrived while the join was in flight. A peer_joined for
// someone the ack listed is stale; anyone else joined after us and initiates.
func (m *Manager) replay(early []protocol.Event, listed map[domain.UserID]bool) {
	for _, ev := range early {
		switch e := ev.(type) {
		case protocol.PeerJoined:
			if listed[e.UserID] {
				continue
			}
			m.onPeerJoined(domain.Participant{UserID: e.UserID, UserName: e.UserName})
		case protocol.PeerLeft:
			delete(listed, e.UserID)
			m.onPeerLeft(e.UserID)
		case protocol.Signal:
			m.onSignal(e)
		}
	}
}

// reset drops everything Join set up.
func (m *Manager) reset() {
	m.mu.Lock()
	offs := m.offs
	m.offs = nil
	stream := m.stream
	m.stream = nil
	negs := m.releaseAllLocked()
	m.phase = phaseIdle
	m.early = nil
	m.mu.Unlock()

	for _, off := range offs {
		off()
	}
	m.closeAll(negs)
	if stream != nil {
		stream.Stop()
	}
}

// Leave tears down every connection, releases local devices and tells the relay.
func (m *Manager) Leave() {
	m.mu.Lock()
	wasIn := m.phase != phaseIdle
	m.mu.Unlock()
	if !wasIn {
		return
	}
	m.reset()
	if err := m.sig.LeaveVoice(); err != nil {
		m.log.Debug().Err(err).Msg("leave not delivered")
	}
	m.log.Info().Msg("left voice")
}

func (m *Manager) releaseAllLocked() []Negotiator {
	var negs []Negotiator
	for id, p := range m.peers {
		p.state = StateClosed
		if neg := p.release(); neg != nil {
			negs = append(negs, neg)
		}
		delete(m.peers, id)
	}
	return negs
}

func (m *Manager) closeAll(negs []Negotiator) {
	for _, n := range negs {
		if err := n.Close(); err != nil {
			m.log.Debug().Err(err).Msg("close negotiator")
		}
	}
}

// trackLocked replaces any entry for p with a fresh one in role.
func (m *Manager) trackLocked(p domain.Participant, role Role) *peer {
	if old, ok := m.peers[p.UserID]; ok {
		old.state = StateClosed
		if neg := old.release(); neg != nil {
			go func() { _ = neg.Close() }()
		}
	}
	np := &peer{id: p.UserID, name: p.UserName, role: role}
	m.peers[p.UserID] = np
	return np
}

// startPeer builds the negotiator and starts it, outside the lock.
func (m *Manager) startPeer(p *peer) {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()

	neg, err := m.factory(p.id, p.role, stream, m.events(p))
	if err != nil {
		m.fail(p, fmt.Errorf("create connection: %w", err))
		return
	}

	m.mu.Lock()
	if m.peers[p.id] != p || p.state != StateNone {
		m.mu.Unlock()
		_ = neg.Close()
		return
	}
	p.neg = neg
	_ = p.to(StateNegotiating)
	p.timer = m.clock.AfterFunc(m.cfg.NegotiationTimeout, func() {
		m.mu.Lock()
		stalled := m.peers[p.id] == p && p.state == StateNegotiating
		m.mu.Unlock()
		if stalled {
			m.fail(p, ErrNegotiationTimeout)
		}
	})
	info := p.info()
	m.mu.Unlock()
	m.changed(info)

	m.log.Debug().Str("peer", string(p.id)).Stringer("role", p.role).Msg("negotiating")
	if err := neg.Start(); err != nil {
		m.fail(p, fmt.Errorf("start negotiation: %w", err))
	}
}

func (m *Manager) events(p *peer) PeerEvents {
	return PeerEvents{
		Signal: func(payload json.RawMessage) {
			if err := m.sig.SendSignal(p.id, m.self.UserID, payload); err != nil {
				m.log.Warn().Err(err).Str("peer", string(p.id)).Msg("signal not sent")
			}
		},
		Track:  func(t media.RemoteTrack) { m.onTrack(p, t) },
		Failed: func(err error) { m.fail(p, err) },
	}
}

func (m *Manager) onTrack(p *peer, t media.RemoteTrack) {
	m.mu.Lock()
	if m.peers[p.id] != p || p.state == StateClosed {
		m.mu.Unlock()
		return
	}
	if p.state == StateNegotiating {
		_ = p.to(StateConnected)
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
	vol := 1.0
	if m.deafened {
		vol = 0
	}
	sink := media.NewSink(t, vol)
	p.sinks = append(p.sinks, sink)
	sink.Start()
	info := p.info()
	m.mu.Unlock()

	m.log.Info().Str("peer", string(p.id)).Str("track", t.ID()).Str("kind", string(t.Kind())).Msg("remote track attached")
	m.changed(info)
}

// fail abandons one connection; the others are not touched.
func (m *Manager) fail(p *peer, err error) {
	m.mu.Lock()
	if m.peers[p.id] != p || p.state == StateClosed {
		m.mu.Unlock()
		return
	}
	_ = p.to(StateClosed)
	neg := p.release()
	info := p.info()
	m.mu.Unlock()

	if neg != nil {
		_ = neg.Close()
	}
	m.log.Warn().Err(err).Str("peer", string(p.id)).Msg("peer connection failed")
	m.notify.Error(fmt.Sprintf("Connection to %s failed.", displayName(p.name, p.id)))
	m.changed(info)
}

func (m *Manager) changed(info PeerInfo) {
	if m.observe != nil {
		m.observe(info)
	}
}

func (m *Manager) handle(ev protocol.Event) {
	if ev.Type() != protocol.TypeSessionJoined {
		m.mu.Lock()
		if m.phase == phaseJoining {
			// held until the join ack tells us who was here first
			m.early = append(m.early, ev)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
	}
	switch e := ev.(type) {
	case protocol.PeerJoined:
		m.onPeerJoined(domain.Participant{UserID: e.UserID, UserName: e.UserName})
	case protocol.PeerLeft:
		m.onPeerLeft(e.UserID)
	case protocol.Signal:
		m.onSignal(e)
	case protocol.SessionJoined:
		if e.Reconnect {
			m.rejoin()
		}
	}
}

// onPeerJoined answers a newcomer. Only a joined mesh reacts; anything
// earlier went through replay.
func (m *Manager) onPeerJoined(p domain.Participant) {
	if p.UserID == m.self.UserID || p.UserID == "" {
		return
	}
	m.mu.Lock()
	if m.phase != phaseJoined {
		m.mu.Unlock()
		return
	}
	np := m.trackLocked(p, RoleAnswerer)
	m.mu.Unlock()
	m.startPeer(np)
}

func (m *Manager) onPeerLeft(uid domain.UserID) {
	m.mu.Lock()
	p, ok := m.peers[uid]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.peers, uid)
	p.state = StateClosed
	neg := p.release()
	info := p.info()
	m.mu.Unlock()

	if neg != nil {
		_ = neg.Close()
	}
	m.log.Info().Str("peer", string(uid)).Msg("peer left")
	m.changed(info)
}

func (m *Manager) onSignal(e protocol.Signal) {
	if e.TargetUserID != "" && e.TargetUserID != m.self.UserID {
		return
	}
	m.mu.Lock()
	p, ok := m.peers[e.FromUserID]
	var neg Negotiator
	if ok && p.state != StateClosed {
		neg = p.neg
	}
	joined := m.phase == phaseJoined
	m.mu.Unlock()

	if !joined || neg == nil {
		m.log.Warn().Str("from", string(e.FromUserID)).Bool("in_voice", joined).Msg("signal for unknown peer dropped")
		return
	}
	if err := neg.HandleSignal(e.Signal); err != nil {
		m.fail(p, fmt.Errorf("handle signal: %w", err))
	}
}

// rejoin runs after the transport reconnected: the relay forgot our voice
// membership, so every connection is rebuilt as the newest arrival.
func (m *Manager) rejoin() {
	m.mu.Lock()
	if m.phase != phaseJoined {
		m.mu.Unlock()
		return
	}
	m.phase = phaseJoining
	negs := m.releaseAllLocked()
	m.mu.Unlock()

	m.closeAll(negs)
	m.log.Info().Msg("rejoining voice after reconnect")
	m.sig.JoinVoice(func(ack protocol.VoiceJoinAck, err error) { _ = m.onJoinAck(ack, err) })
}

func (m *Manager) InVoice() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == phaseJoined
}

// Peers lists tracked connections by user id.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.info())
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b PeerInfo) int { return strings.Compare(string(a.UserID), string(b.UserID)) })
	return out
}

func (m *Manager) Peer(uid domain.UserID) (PeerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[uid]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

func displayName(name string, id domain.UserID) string {
	if name != "" {
		return name
	}
	return string(id)
}
