package mesh

import (
	"encoding/json"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/dkeye/Studyroom/internal/collab/media"
	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/protocol"
)

// hub is an in-memory voice relay with the same ordering as the real one:
// each client gets its events on one goroutine, in the order the hub sent them.
// Acks of users in hold stay in held until releaseAck, so whatever the hub
// sends meanwhile overtakes them.
type hub struct {
	mu      sync.Mutex
	voice   []domain.Participant
	clients map[domain.UserID]*fakeSig
	hold    map[domain.UserID]bool
	held    map[domain.UserID]func()
}

func newHub() *hub {
	return &hub{
		clients: map[domain.UserID]*fakeSig{},
		hold:    map[domain.UserID]bool{},
		held:    map[domain.UserID]func(){},
	}
}

func (h *hub) holdAck(uid domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hold[uid] = true
}

func (h *hub) releaseAck(uid domain.UserID) {
	h.mu.Lock()
	fn, ok := h.held[uid]
	delete(h.held, uid)
	delete(h.hold, uid)
	c := h.clients[uid]
	h.mu.Unlock()
	if ok {
		c.queue <- fn
	}
}

func (h *hub) client(self domain.Participant) *fakeSig {
	s := &fakeSig{hub: h, self: self, queue: make(chan func(), 256), subs: map[protocol.Type][]*func(protocol.Event){}}
	go func() {
		for fn := range s.queue {
			fn()
		}
	}()
	h.mu.Lock()
	h.clients[self.UserID] = s
	h.mu.Unlock()
	return s
}

func (h *hub) removeLocked(uid domain.UserID) bool {
	n := len(h.voice)
	h.voice = slices.DeleteFunc(h.voice, func(p domain.Participant) bool { return p.UserID == uid })
	return len(h.voice) != n
}

func (h *hub) broadcastLocked(from domain.UserID, ev protocol.Event) {
	for id, c := range h.clients {
		if id != from {
			c.emit(ev)
		}
	}
}

// drop is a client's connection dying: the others see peer_left.
func (h *hub) drop(uid domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removeLocked(uid) {
		h.broadcastLocked(uid, protocol.PeerLeft{UserID: uid})
	}
}

func (h *hub) inVoice(uid domain.UserID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.ContainsFunc(h.voice, func(p domain.Participant) bool { return p.UserID == uid })
}

type fakeSig struct {
	hub   *hub
	self  domain.Participant
	queue chan func()

	mu     sync.Mutex
	subs   map[protocol.Type][]*func(protocol.Event)
	leaves int
}

func (s *fakeSig) Subscribe(typ protocol.Type, fn func(protocol.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &fn
	s.subs[typ] = append(s.subs[typ], p)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs[typ] = slices.DeleteFunc(s.subs[typ], func(x *func(protocol.Event)) bool { return x == p })
	}
}

func (s *fakeSig) emit(ev protocol.Event) {
	s.queue <- func() {
		s.mu.Lock()
		subs := slices.Clone(s.subs[ev.Type()])
		s.mu.Unlock()
		for _, fn := range subs {
			(*fn)(ev)
		}
	}
}

func (s *fakeSig) JoinVoice(cb func(protocol.VoiceJoinAck, error)) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s.self.UserID)
	peers := slices.Clone(h.voice)
	h.voice = append(h.voice, s.self)
	ack := func() { cb(protocol.VoiceJoinAck{Result: protocol.OK(), Peers: peers}, nil) }
	if h.hold[s.self.UserID] {
		h.held[s.self.UserID] = ack
	} else {
		s.queue <- ack
	}
	h.broadcastLocked(s.self.UserID, protocol.PeerJoined{UserID: s.self.UserID, UserName: s.self.UserName})
}

func (s *fakeSig) LeaveVoice() error {
	s.mu.Lock()
	s.leaves++
	s.mu.Unlock()
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removeLocked(s.self.UserID) {
		h.broadcastLocked(s.self.UserID, protocol.PeerLeft{UserID: s.self.UserID})
	}
	return nil
}

func (s *fakeSig) SendSignal(target, from domain.UserID, payload json.RawMessage) error {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[target]
	if !ok {
		return errors.New("target peer not found")
	}
	c.emit(protocol.Signal{FromUserID: from, TargetUserID: target, Signal: payload})
	return nil
}

// remoteTrack yields an empty packet every few milliseconds until closed.
type remoteTrack struct {
	id     string
	kind   media.Kind
	closed chan struct{}
}

func (r *remoteTrack) ID() string       { return r.id }
func (r *remoteTrack) Kind() media.Kind { return r.kind }
func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	select {
	case <-r.closed:
		return nil, io.EOF
	case <-time.After(2 * time.Millisecond):
		return &rtp.Packet{}, nil
	}
}

type sdp struct {
	Type string `json:"type"`
}

// fakeNeg is an offer/answer exchange without media. Two initiators of a pair
// fail with glare, two answerers never connect.
type fakeNeg struct {
	local  domain.UserID
	remote domain.UserID
	role   Role
	ev     PeerEvents
	silent bool
	broken bool

	mu      sync.Mutex
	closed  bool
	tracks  []*media.LocalTrack
	inbound *remoteTrack
}

func (n *fakeNeg) Start() error {
	if n.role == RoleInitiator && !n.silent {
		n.ev.Signal(json.RawMessage(`{"type":"offer"}`))
	}
	return nil
}

func (n *fakeNeg) HandleSignal(payload json.RawMessage) error {
	if n.broken {
		return errors.New("malformed sdp")
	}
	var s sdp
	if err := json.Unmarshal(payload, &s); err != nil {
		return err
	}
	switch s.Type {
	case "offer":
		if n.role == RoleInitiator {
			return errors.New("glare: offer received by initiator")
		}
		n.ev.Signal(json.RawMessage(`{"type":"answer"}`))
	case "answer":
		if n.role == RoleAnswerer {
			return errors.New("answer received by answerer")
		}
	default:
		return errors.New("unknown sdp type")
	}
	n.mu.Lock()
	n.inbound = &remoteTrack{id: "audio-" + string(n.remote), kind: media.KindAudio, closed: make(chan struct{})}
	rt := n.inbound
	n.mu.Unlock()
	n.ev.Track(rt)
	return nil
}

func (n *fakeNeg) AddTrack(t *media.LocalTrack) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tracks = append(n.tracks, t)
	return nil
}

func (n *fakeNeg) RemoveTrack(t *media.LocalTrack) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tracks = slices.DeleteFunc(n.tracks, func(x *media.LocalTrack) bool { return x == t })
	return nil
}

func (n *fakeNeg) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		if n.inbound != nil {
			close(n.inbound.closed)
		}
	}
	return nil
}

func (n *fakeNeg) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *fakeNeg) trackKinds() []media.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []media.Kind
	for _, t := range n.tracks {
		out = append(out, t.Kind())
	}
	return out
}

// factory builds fakeNegs and remembers every one of them.
type factory struct {
	local  domain.UserID
	silent map[domain.UserID]bool
	broken map[domain.UserID]bool

	mu   sync.Mutex
	negs []*fakeNeg
}

func (f *factory) build(remote domain.UserID, role Role, local *media.LocalStream, ev PeerEvents) (Negotiator, error) {
	n := &fakeNeg{local: f.local, remote: remote, role: role, ev: ev, silent: f.silent[remote], broken: f.broken[remote]}
	if local != nil {
		n.tracks = local.Tracks()
	}
	f.mu.Lock()
	f.negs = append(f.negs, n)
	f.mu.Unlock()
	return n, nil
}

// latest is the newest negotiator built toward remote.
func (f *factory) latest(remote domain.UserID) *fakeNeg {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.negs) - 1; i >= 0; i-- {
		if f.negs[i].remote == remote {
			return f.negs[i]
		}
	}
	return nil
}

func (f *factory) all() []*fakeNeg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.negs)
}
