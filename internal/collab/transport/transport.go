// Package transport is the client side of the session relay: one websocket per
// session view, carrying presence, chat, whiteboard and signaling frames.
//
// Inbound events, acknowledgment callbacks and the transport's own
// connection_state/session_joined events are delivered on a single dispatch
// goroutine in arrival order. Subscribers must not block and must not call
// Connect.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/collab/notify"
	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/protocol"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrAckTimeout   = errors.New("ack timeout")
	ErrJoinRejected = errors.New("join rejected")
)

type Config struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	AckTimeout        time.Duration
	PingPeriod        time.Duration
	SendBuffer        int
	Role              domain.Role
}

func (c Config) withDefaults() Config {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 54 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

type Option func(*Transport)

func WithClock(c clock.Clock) Option { return func(t *Transport) { t.clock = c } }

func WithNotifier(n notify.Notifier) Option { return func(t *Transport) { t.notify = n } }

func WithDialer(d *websocket.Dialer) Option { return func(t *Transport) { t.dialer = d } }

type identity struct {
	session domain.SessionID
	user    domain.UserID
	name    string
}

type pendingFn func(protocol.Frame, error)

type Transport struct {
	cfg    Config
	clock  clock.Clock
	notify notify.Notifier
	dialer *websocket.Dialer

	mu      sync.Mutex
	id      identity
	state   protocol.State
	link    *link
	lastAck *protocol.JoinAck
	disp    *dispatcher
	life    context.Context
	stop    context.CancelFunc
	pending map[uint64]pendingFn
	nextAck uint64
	subs    map[protocol.Type][]subscription
	nextSub uint64
}

func New(cfg Config, opts ...Option) *Transport {
	t := &Transport{
		cfg:     cfg.withDefaults(),
		clock:   clock.New(),
		notify:  notify.Log{},
		dialer:  websocket.DefaultDialer,
		pending: make(map[uint64]pendingFn),
		subs:    make(map[protocol.Type][]subscription),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) State() protocol.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Connected() bool { return t.State() == protocol.StateConnected }

// Identity is what the transport joins with.
func (t *Transport) Identity() (domain.SessionID, domain.UserID, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id.session, t.id.user, t.id.name
}

// Connect joins the session and returns the relay's roster baseline.
// It does nothing until all three identity values are known, and returns the
// current baseline when already connected with the same identity.
func (t *Transport) Connect(ctx context.Context, sid domain.SessionID, uid domain.UserID, name string) (*protocol.JoinAck, error) {
	if sid == "" || uid == "" || name == "" {
		log.Debug().Str("module", "collab.transport").Msg("connect deferred: identity incomplete")
		return nil, nil
	}
	id := identity{session: sid, user: uid, name: name}

	t.mu.Lock()
	if t.state == protocol.StateConnected && t.id == id && t.lastAck != nil {
		ack := *t.lastAck
		t.mu.Unlock()
		return &ack, nil
	}
	if t.stop != nil {
		t.stop()
	}
	if t.link != nil {
		t.link.close()
		t.link = nil
	}
	t.id = id
	t.life, t.stop = context.WithCancel(context.Background())
	if t.disp == nil {
		t.disp = newDispatcher()
		go t.disp.run()
	}
	t.mu.Unlock()

	t.setState(protocol.StateConnecting, nil)
	ack, err := t.dialAndJoin(ctx, false)
	if err != nil {
		t.setState(protocol.StateDisconnected, err)
		t.notify.Persistent(fmt.Sprintf("Failed to join session: %v", err))
		return nil, err
	}
	return ack, nil
}

// Disconnect is always safe. It stops reconnecting, closes the socket, drops
// every subscription and fails pending acknowledgments with ErrNotConnected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
	l := t.link
	t.link = nil
	pending := t.pending
	t.pending = make(map[uint64]pendingFn)
	t.subs = make(map[protocol.Type][]subscription)
	t.lastAck = nil
	wasConnected := t.state != protocol.StateDisconnected
	t.state = protocol.StateDisconnected
	d := t.disp
	t.disp = nil
	t.mu.Unlock()

	if l != nil {
		l.close()
	}
	if d != nil {
		for _, fn := range pending {
			fn := fn
			d.post(func() { fn(protocol.Frame{}, ErrNotConnected) })
		}
		d.shutdown()
	}
	if wasConnected {
		log.Info().Str("module", "collab.transport").Msg("disconnected")
	}
}

func (t *Transport) setState(s protocol.State, err error) {
	t.mu.Lock()
	t.state = s
	d := t.disp
	t.mu.Unlock()
	if d != nil {
		d.post(func() { t.dispatch(protocol.ConnectionState{State: s, Err: err}) })
	}
}

// dialAndJoin opens a socket and sends join_session. The ack is handled on the
// dispatch goroutine, which also flips the state and emits session_joined, so
// the baseline is ordered before anything the relay sends after it.
func (t *Transport) dialAndJoin(ctx context.Context, reconnect bool) (*protocol.JoinAck, error) {
	ws, _, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	l := newLink(ws, t.cfg.SendBuffer)

	t.mu.Lock()
	if t.life == nil || t.life.Err() != nil {
		t.mu.Unlock()
		l.close()
		return nil, ErrNotConnected
	}
	t.link = l
	id := t.id
	life := t.life
	t.mu.Unlock()

	go t.writePump(l)
	go t.readPump(l)

	type result struct {
		ack *protocol.JoinAck
		err error
	}
	done := make(chan result, 1)
	join := protocol.JoinSession{SessionID: id.session, UserID: id.user, UserName: id.name, Role: t.cfg.Role}
	ackID, err := t.request(l, join, func(f protocol.Frame, err error) {
		if err != nil {
			done <- result{err: err}
			return
		}
		var ack protocol.JoinAck
		if err := json.Unmarshal(f.Payload, &ack); err != nil {
			done <- result{err: fmt.Errorf("decode join ack: %w", err)}
			return
		}
		if !ack.Success {
			done <- result{err: fmt.Errorf("%w: %s", ErrJoinRejected, ack.Error)}
			return
		}
		t.mu.Lock()
		if t.link != l {
			t.mu.Unlock()
			done <- result{err: ErrNotConnected}
			return
		}
		t.state = protocol.StateConnected
		t.lastAck = &ack
		t.mu.Unlock()
		t.dispatch(protocol.ConnectionState{State: protocol.StateConnected})
		t.dispatch(protocol.SessionJoined{Ack: ack, Reconnect: reconnect})
		done <- result{ack: &ack}
	})
	if err != nil {
		l.close()
		return nil, err
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.dropLink(l)
			return nil, r.err
		}
		log.Info().Str("module", "collab.transport").Str("session", string(id.session)).Str("user", string(id.user)).
			Int("participants", len(r.ack.Participants)).Bool("reconnect", reconnect).Msg("joined session")
		return r.ack, nil
	case <-ctx.Done():
		t.takePending(ackID)
		t.dropLink(l)
		return nil, ctx.Err()
	case <-life.Done():
		t.takePending(ackID)
		t.dropLink(l)
		return nil, ErrNotConnected
	}
}

func (t *Transport) dropLink(l *link) {
	t.mu.Lock()
	if t.link == l {
		t.link = nil
	}
	t.mu.Unlock()
	l.close()
}
