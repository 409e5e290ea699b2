package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/protocol"
)

var errBackpressure = errors.New("send buffer full")

const writeWait = 5 * time.Second

// link is one websocket connection. A reconnect replaces the link, never reuses it.
type link struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newLink(ws *websocket.Conn, buf int) *link {
	return &link{ws: ws, send: make(chan []byte, buf), done: make(chan struct{})}
}

func (l *link) trySend(data []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrNotConnected
	}
	select {
	case l.send <- data:
		return nil
	default:
		return errBackpressure
	}
}

func (l *link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
	_ = l.ws.Close()
}

func (t *Transport) writePump(l *link) {
	ticker := t.clock.Ticker(t.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case data := <-l.send:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "collab.transport").Msg("write failed")
				l.close()
				return
			}
		case <-ticker.C:
			if err := l.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "collab.transport").Msg("ping failed")
				l.close()
				return
			}
		}
	}
}

func (t *Transport) readPump(l *link) {
	pongWait := t.cfg.PingPeriod * 10 / 9
	_ = l.ws.SetReadDeadline(time.Now().Add(pongWait))
	l.ws.SetPongHandler(func(string) error {
		return l.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			l.close()
			t.onLinkLost(l, err)
			return
		}
		_ = l.ws.SetReadDeadline(time.Now().Add(pongWait))

		f, err := protocol.ParseFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "collab.transport").Msg("bad frame")
			continue
		}
		if f.Type == protocol.TypeAck {
			if fn := t.takePending(f.Ack); fn != nil {
				t.post(func() { fn(f, nil) })
			}
			continue
		}
		ev, err := protocol.Decode(f)
		if err != nil {
			log.Warn().Err(err).Str("module", "collab.transport").Str("type", string(f.Type)).Msg("undecodable frame")
			continue
		}
		t.post(func() { t.dispatch(ev) })
	}
}

// request sends ev with a fresh ack id; fn runs on the dispatch goroutine with
// the ack frame, or with an error on timeout or disconnect.
func (t *Transport) request(l *link, ev protocol.Event, fn pendingFn) (uint64, error) {
	t.mu.Lock()
	t.nextAck++
	id := t.nextAck
	t.pending[id] = fn
	t.mu.Unlock()

	data, err := protocol.Encode(ev, id)
	if err == nil {
		err = l.trySend(data)
	}
	if err != nil {
		t.takePending(id)
		return 0, err
	}

	t.clock.AfterFunc(t.cfg.AckTimeout, func() {
		if fn := t.takePending(id); fn != nil {
			log.Warn().Str("module", "collab.transport").Str("type", string(ev.Type())).Msg("ack timeout")
			t.post(func() { fn(protocol.Frame{}, ErrAckTimeout) })
		}
	})
	go func() {
		<-l.done
		if fn := t.takePending(id); fn != nil {
			t.post(func() { fn(protocol.Frame{}, ErrNotConnected) })
		}
	}()
	return id, nil
}

func (t *Transport) takePending(id uint64) pendingFn {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return fn
}
