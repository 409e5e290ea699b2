// Package whiteboard keeps a local drawing surface in step with the rest of
// the session: local edits are sampled, debounced and broadcast; remote
// scenes are applied without being echoed back; snapshots are saved on a timer.
//
// Concurrent edits resolve last-write-wins.
package whiteboard

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/protocol"
)

var ErrNotStarted = errors.New("whiteboard bridge not started")

//go:generate mockgen -destination=mock_store_test.go -package=whiteboard . SnapshotStore

// SnapshotStore loads and persists the session's whiteboard.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, sid domain.SessionID) (domain.Snapshot, error)
	SaveSnapshot(ctx context.Context, sid domain.SessionID, snap domain.Snapshot) error
}

// Publisher broadcasts a local scene to the other participants.
type Publisher interface {
	SendWhiteboardUpdate(elements []domain.Element, app domain.AppState) error
}

type Source interface {
	Subscribe(typ protocol.Type, fn func(protocol.Event)) func()
}

type Config struct {
	PollInterval     time.Duration
	Debounce         time.Duration
	RemoteSettle     time.Duration
	AutosaveInterval time.Duration
	SaveTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.RemoteSettle <= 0 {
		c.RemoteSettle = 100 * time.Millisecond
	}
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = 30 * time.Second
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 10 * time.Second
	}
	return c
}

// Fingerprint hashes the (id, version) pairs of elements in order.
func Fingerprint(elements []domain.Element) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, e := range elements {
		_, _ = d.WriteString(e.ID)
		binary.LittleEndian.PutUint64(buf[:], uint64(e.Version))
		_, _ = d.Write([]byte{0})
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

type Bridge struct {
	cfg     Config
	sid     domain.SessionID
	self    domain.UserID
	surface Surface
	store   SnapshotStore
	pub     Publisher
	clock   clock.Clock
	log     zerolog.Logger

	mu       sync.Mutex
	running  bool
	applying bool
	gen      uint64
	sampled  uint64
	known    uint64
	debounce *clock.Timer
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type Option func(*Bridge)

func WithClock(c clock.Clock) Option { return func(b *Bridge) { b.clock = c } }

func New(cfg Config, sid domain.SessionID, self domain.UserID, surface Surface, store SnapshotStore, pub Publisher, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:     cfg.withDefaults(),
		sid:     sid,
		self:    self,
		surface: surface,
		store:   store,
		pub:     pub,
		clock:   clock.New(),
		log:     log.With().Str("module", "collab.whiteboard").Str("session", string(sid)).Logger(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start seeds the surface from the last snapshot and starts polling and
// auto-save. A missing or unreadable snapshot leaves the surface empty.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	snap, err := b.store.LoadSnapshot(ctx, b.sid)
	switch {
	case err != nil:
		b.log.Info().Err(err).Msg("no snapshot loaded, starting empty")
	case !snap.IsEmpty():
		b.surface.Apply(snap.Elements, snap.AppState)
		b.log.Info().Int("elements", len(snap.Elements)).Msg("snapshot loaded")
	}

	fp := Fingerprint(b.surface.Elements())
	loopCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.sampled, b.known = fp, fp
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(2)
	go b.every(loopCtx, b.clock.Ticker(b.cfg.PollInterval), b.poll)
	go b.every(loopCtx, b.clock.Ticker(b.cfg.AutosaveInterval), b.autosave)
}

func (b *Bridge) every(ctx context.Context, ticker *clock.Ticker, fn func()) {
	defer b.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// poll samples the surface; a moved fingerprint (re)arms the debounce timer.
func (b *Bridge) poll() {
	fp := Fingerprint(b.surface.Elements())
	b.mu.Lock()
	defer b.mu.Unlock()
	if fp == b.sampled {
		return
	}
	b.sampled = fp
	b.armLocked()
}

func (b *Bridge) armLocked() {
	if b.debounce != nil {
		b.debounce.Stop()
	}
	b.debounce = b.clock.AfterFunc(b.cfg.Debounce, b.flush)
}

func (b *Bridge) flush() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	if b.applying {
		// look again once the remote scene has settled
		b.armLocked()
		b.mu.Unlock()
		return
	}
	elements, app := b.surface.Elements(), b.surface.AppState()
	fp := Fingerprint(elements)
	if fp == b.known {
		b.mu.Unlock()
		return
	}
	b.known = fp
	b.mu.Unlock()

	if err := b.pub.SendWhiteboardUpdate(elements, app); err != nil {
		b.log.Warn().Err(err).Msg("broadcast failed")
		return
	}
	b.log.Debug().Int("elements", len(elements)).Msg("broadcast")
}

// ApplyRemote lands another participant's scene. Local sampling ignores the
// change, and nothing is broadcast until RemoteSettle after the last apply.
func (b *Bridge) ApplyRemote(elements []domain.Element, app domain.AppState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applying = true
	b.gen++
	gen := b.gen
	if b.debounce != nil {
		b.debounce.Stop()
		b.debounce = nil
	}

	b.surface.Apply(elements, app)
	fp := Fingerprint(elements)
	b.known, b.sampled = fp, fp

	b.clock.AfterFunc(b.cfg.RemoteSettle, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.gen == gen {
			b.applying = false
		}
	})
}

// Applying reports whether a remote scene is still settling.
func (b *Bridge) Applying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applying
}

// Attach applies whiteboard_changed events from other users.
func (b *Bridge) Attach(src Source) func() {
	return src.Subscribe(protocol.TypeWhiteboardChanged, func(ev protocol.Event) {
		e, ok := ev.(protocol.WhiteboardChanged)
		if !ok || (e.UserID != "" && e.UserID == b.self) {
			return
		}
		b.ApplyRemote(e.Elements, e.AppState)
	})
}

// Save persists the current scene.
func (b *Bridge) Save(ctx context.Context) error {
	snap := domain.Snapshot{Elements: b.surface.Elements(), AppState: b.surface.AppState()}
	if snap.Elements == nil {
		snap.Elements = []domain.Element{}
	}
	return b.store.SaveSnapshot(ctx, b.sid, snap)
}

// autosave failures wait for the next tick.
func (b *Bridge) autosave() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SaveTimeout)
	defer cancel()
	if err := b.Save(ctx); err != nil {
		b.log.Warn().Err(err).Msg("auto-save failed, retrying next tick")
		return
	}
	b.log.Debug().Msg("auto-saved")
}

// Stop ends polling and auto-save. A pending debounced broadcast is dropped.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return ErrNotStarted
	}
	b.running = false
	if b.debounce != nil {
		b.debounce.Stop()
		b.debounce = nil
	}
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	return nil
}
