package transport

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/protocol"
)

// dispatcher runs queued work one item at a time.
type dispatcher struct {
	queue   chan func()
	stopped chan struct{}
	once    sync.Once
}

func newDispatcher() *dispatcher {
	return &dispatcher{queue: make(chan func(), 1024), stopped: make(chan struct{})}
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for fn := range d.queue {
		if fn == nil {
			return
		}
		fn()
	}
}

func (d *dispatcher) post(fn func()) {
	select {
	case d.queue <- fn:
	case <-d.stopped:
	}
}

// shutdown lets already queued work finish, then stops.
func (d *dispatcher) shutdown() {
	d.once.Do(func() { d.post(nil) })
}

func (t *Transport) post(fn func()) {
	t.mu.Lock()
	d := t.disp
	t.mu.Unlock()
	if d != nil {
		d.post(fn)
	}
}

type subscription struct {
	id uint64
	fn func(protocol.Event)
}

// Subscribe registers fn for events of type typ. The returned func removes it
// and may be called any number of times.
func (t *Transport) Subscribe(typ protocol.Type, fn func(protocol.Event)) func() {
	t.mu.Lock()
	t.nextSub++
	id := t.nextSub
	t.subs[typ] = append(t.subs[typ], subscription{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.subs[typ] = slices.DeleteFunc(t.subs[typ], func(s subscription) bool { return s.id == id })
		})
	}
}

// On is the typed form of Subscribe.
func On[E protocol.Event](t *Transport, fn func(E)) func() {
	var zero E
	return t.Subscribe(zero.Type(), func(ev protocol.Event) {
		if e, ok := ev.(E); ok {
			fn(e)
		}
	})
}

func (t *Transport) dispatch(ev protocol.Event) {
	t.mu.Lock()
	subs := slices.Clone(t.subs[ev.Type()])
	t.mu.Unlock()
	if len(subs) == 0 {
		log.Debug().Str("module", "collab.transport").Str("type", string(ev.Type())).Msg("no subscriber")
		return
	}
	for _, s := range subs {
		s.fn(ev)
	}
}
