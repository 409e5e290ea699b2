// Package session wires one participant's view of a session: transport,
// roster, chat log, whiteboard bridge and voice mesh.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Studyroom/internal/collab/chatlog"
	"github.com/dkeye/Studyroom/internal/collab/media"
	"github.com/dkeye/Studyroom/internal/collab/mesh"
	"github.com/dkeye/Studyroom/internal/collab/notify"
	"github.com/dkeye/Studyroom/internal/collab/roster"
	"github.com/dkeye/Studyroom/internal/collab/transport"
	"github.com/dkeye/Studyroom/internal/collab/whiteboard"
	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/protocol"
)

var (
	ErrAccessDenied       = errors.New("not enrolled in this session")
	ErrClosed             = errors.New("session view closed")
	ErrIncompleteIdentity = errors.New("session, user id and user name are required")
)

// Backend is the REST collaborator the view reads from and saves to.
type Backend interface {
	roster.EnrollmentFetcher
	chatlog.HistoryFetcher
	whiteboard.SnapshotStore
}

type Config struct {
	SessionID    domain.SessionID
	Self         domain.Participant
	HistoryLimit int
	FetchTimeout time.Duration
	Transport    transport.Config
	Whiteboard   whiteboard.Config
	Mesh         mesh.Config
}

type Option func(*options)

type options struct {
	clock  clock.Clock
	notify notify.Notifier
}

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithNotifier(n notify.Notifier) Option { return func(o *options) { o.notify = n } }

type View struct {
	cfg     Config
	backend Backend
	notify  notify.Notifier
	log     zerolog.Logger

	Transport *transport.Transport
	Roster    *roster.Roster
	Chat      *chatlog.Log
	Board     *whiteboard.Bridge
	Mesh      *mesh.Manager

	mu     sync.Mutex
	opened bool
	closed bool
	offs   []func()
}

func New(cfg Config, be Backend, surface whiteboard.Surface, factory mesh.NegotiatorFactory, capturer media.Capturer, opts ...Option) *View {
	o := options{clock: clock.New(), notify: notify.Log{}}
	for _, fn := range opts {
		fn(&o)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	cfg.Transport.Role = cfg.Self.Role

	tr := transport.New(cfg.Transport, transport.WithClock(o.clock), transport.WithNotifier(o.notify))
	return &View{
		cfg:       cfg,
		backend:   be,
		notify:    o.notify,
		log:       log.With().Str("module", "collab.session").Str("session", string(cfg.SessionID)).Str("user", string(cfg.Self.UserID)).Logger(),
		Transport: tr,
		Roster:    roster.New(cfg.Self.UserID, o.notify),
		Chat:      chatlog.New(cfg.SessionID, cfg.Self, o.clock),
		Board:     whiteboard.New(cfg.Whiteboard, cfg.SessionID, cfg.Self.UserID, surface, be, tr, whiteboard.WithClock(o.clock)),
		Mesh: mesh.New(cfg.Mesh, cfg.Self, tr, factory, capturer,
			mesh.WithClock(o.clock), mesh.WithNotifier(o.notify)),
	}
}

// Open loads enrollment and history, checks access, joins the relay and
// starts the whiteboard. Nothing is connected when access is denied or the
// identity is incomplete.
func (v *View) Open(ctx context.Context) error {
	self := v.cfg.Self
	if v.cfg.SessionID == "" || self.UserID == "" || self.UserName == "" {
		return ErrIncompleteIdentity
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if v.opened {
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()

	if err := v.fetch(ctx); err != nil {
		v.notify.Persistent(fmt.Sprintf("Failed to load session: %v", err))
		return err
	}
	if !v.Roster.CanAccess(v.cfg.Self.UserID) {
		v.log.Warn().Msg("access denied")
		v.notify.Persistent("You are not enrolled in this session.")
		return ErrAccessDenied
	}

	offs := []func(){
		v.Roster.Attach(v.Transport),
		v.Chat.Attach(v.Transport),
		v.Board.Attach(v.Transport),
		transport.On(v.Transport, v.onJoined),
	}
	v.mu.Lock()
	v.offs = offs
	v.mu.Unlock()

	ack, err := v.Transport.Connect(ctx, v.cfg.SessionID, v.cfg.Self.UserID, v.cfg.Self.UserName)
	if err != nil {
		v.detach()
		return err
	}
	if ack == nil {
		v.detach()
		return ErrIncompleteIdentity
	}
	v.Board.Start(ctx)

	v.mu.Lock()
	v.opened = true
	v.mu.Unlock()
	v.log.Info().Int("present", len(ack.Participants)).Int("messages", v.Chat.Len()).Msg("session opened")
	return nil
}

// fetch reads enrollment and chat history together. History is best effort.
func (v *View) fetch(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := v.Roster.Reconcile(gctx, v.cfg.SessionID, v.backend)
		return err
	})
	g.Go(func() error {
		if err := v.Chat.Refresh(gctx, v.backend, v.cfg.HistoryLimit); err != nil {
			v.log.Warn().Err(err).Msg("chat history unavailable")
		}
		return nil
	})
	return g.Wait()
}

// onJoined runs on the transport's dispatch goroutine, so the re-fetch is
// handed off.
func (v *View) onJoined(e protocol.SessionJoined) {
	if !e.Reconnect {
		return
	}
	go func() {
		if err := v.fetch(context.Background()); err != nil {
			v.log.Warn().Err(err).Msg("re-fetch after reconnect failed")
			return
		}
		v.log.Info().Msg("state re-fetched after reconnect")
	}()
}

func (v *View) detach() {
	v.mu.Lock()
	offs := v.offs
	v.offs = nil
	v.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

func (v *View) JoinVoice(ctx context.Context) error { return v.Mesh.Join(ctx) }

func (v *View) LeaveVoice() { v.Mesh.Leave() }

func (v *View) SendChat(content string) (domain.ChatMessage, error) {
	return v.Chat.Send(v.Transport, content)
}

// Close leaves voice, saves the whiteboard one last time and disconnects.
func (v *View) Close(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	opened := v.opened
	v.mu.Unlock()

	v.Mesh.Leave()
	var saveErr error
	if opened {
		if saveErr = v.Board.Save(ctx); saveErr != nil {
			v.log.Warn().Err(saveErr).Msg("final whiteboard save failed")
		}
		_ = v.Board.Stop()
	}
	v.detach()
	v.Transport.Disconnect()
	v.Roster.Clear()
	v.log.Info().Msg("session closed")
	return saveErr
}
