package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/protocol"
)

var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// onLinkLost runs when a link's read side dies. Only the loss of the live link
// of a connected transport starts a reconnect; anything else is a link that was
// already replaced or a join that is failing on its own.
func (t *Transport) onLinkLost(l *link, cause error) {
	t.mu.Lock()
	if t.link != l || t.state != protocol.StateConnected {
		t.mu.Unlock()
		return
	}
	t.link = nil
	t.state = protocol.StateReconnecting
	life := t.life
	t.mu.Unlock()

	log.Warn().Err(cause).Str("module", "collab.transport").Msg("connection lost, reconnecting")
	t.post(func() { t.dispatch(protocol.ConnectionState{State: protocol.StateReconnecting, Err: cause}) })
	go t.reconnectLoop(life)
}

func (t *Transport) reconnectLoop(life context.Context) {
	var last error
	for attempt := 1; attempt <= t.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-life.Done():
			return
		case <-t.clock.After(t.cfg.ReconnectDelay):
		}

		_, err := t.dialAndJoin(life, true)
		if err == nil {
			t.notify.Success("Reconnected")
			return
		}
		last = err
		log.Warn().Err(err).Str("module", "collab.transport").Int("attempt", attempt).Msg("reconnect failed")
	}

	t.mu.Lock()
	if life.Err() != nil {
		t.mu.Unlock()
		return
	}
	t.state = protocol.StateFailed
	t.mu.Unlock()

	err := fmt.Errorf("%w: %w", ErrReconnectExhausted, last)
	log.Error().Err(err).Str("module", "collab.transport").Msg("giving up")
	t.post(func() { t.dispatch(protocol.ConnectionState{State: protocol.StateFailed, Err: err}) })
	t.notify.Persistent("Connection lost. Reload to rejoin the session.")
}
