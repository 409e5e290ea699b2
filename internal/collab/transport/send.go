package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/protocol"
)

func (t *Transport) current() (*link, identity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != protocol.StateConnected || t.link == nil {
		return nil, t.id, false
	}
	return t.link, t.id, true
}

func (t *Transport) notConnected(what protocol.Type) error {
	log.Warn().Str("module", "collab.transport").Str("type", string(what)).Msg("not connected, dropped")
	t.notify.Error(fmt.Sprintf("Not connected: %s was not sent.", what))
	return ErrNotConnected
}

func (t *Transport) fire(build func(identity) protocol.Event) error {
	l, id, ok := t.current()
	ev := build(id)
	if !ok {
		return t.notConnected(ev.Type())
	}
	data, err := protocol.Encode(ev, 0)
	if err != nil {
		log.Error().Err(err).Str("module", "collab.transport").Str("type", string(ev.Type())).Msg("encode")
		return err
	}
	if err := l.trySend(data); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return t.notConnected(ev.Type())
		}
		log.Warn().Err(err).Str("module", "collab.transport").Str("type", string(ev.Type())).Msg("send dropped")
		t.notify.Error(fmt.Sprintf("Could not send %s, connection is congested.", ev.Type()))
		return err
	}
	return nil
}

func (t *Transport) SendChat(msg domain.ChatMessage) error {
	return t.fire(func(id identity) protocol.Event {
		return protocol.SendMessage{SessionID: id.session, Message: msg}
	})
}

func (t *Transport) SendWhiteboardUpdate(elements []domain.Element, app domain.AppState) error {
	return t.fire(func(id identity) protocol.Event {
		return protocol.WhiteboardUpdate{SessionID: id.session, UserID: id.user, Elements: elements, AppState: app}
	})
}

func (t *Transport) SendSignal(target, from domain.UserID, payload json.RawMessage) error {
	return t.fire(func(id identity) protocol.Event {
		return protocol.Signal{SessionID: id.session, FromUserID: from, TargetUserID: target, Signal: payload}
	})
}

func (t *Transport) LeaveVoice() error {
	return t.fire(func(id identity) protocol.Event {
		return protocol.VoiceLeave{SessionID: id.session, UserID: id.user}
	})
}

// JoinVoice asks to enter the voice channel. cb runs on the dispatch goroutine
// with the peers already present, or with the failure.
func (t *Transport) JoinVoice(cb func(protocol.VoiceJoinAck, error)) {
	l, id, ok := t.current()
	if !ok {
		err := t.notConnected(protocol.TypeVoiceJoin)
		t.postOrGo(func() { cb(protocol.VoiceJoinAck{Result: protocol.Fail(err.Error())}, err) })
		return
	}
	ev := protocol.VoiceJoin{SessionID: id.session, UserID: id.user, UserName: id.name}
	_, err := t.request(l, ev, func(f protocol.Frame, err error) {
		if err != nil {
			cb(protocol.VoiceJoinAck{Result: protocol.Fail(err.Error())}, err)
			return
		}
		var ack protocol.VoiceJoinAck
		if err := json.Unmarshal(f.Payload, &ack); err != nil {
			cb(protocol.VoiceJoinAck{Result: protocol.Fail("bad ack")}, fmt.Errorf("decode voice ack: %w", err))
			return
		}
		cb(ack, nil)
	})
	if err != nil {
		t.postOrGo(func() { cb(protocol.VoiceJoinAck{Result: protocol.Fail(err.Error())}, err) })
	}
}

// postOrGo keeps callbacks off the caller's stack even without a dispatcher.
func (t *Transport) postOrGo(fn func()) {
	t.mu.Lock()
	d := t.disp
	t.mu.Unlock()
	if d == nil {
		go fn()
		return
	}
	d.post(fn)
}
