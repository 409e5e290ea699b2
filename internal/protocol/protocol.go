// Package protocol defines the frames exchanged between a session view and the relay.
//
// Every websocket text message is one Frame. The payload is decoded into a typed
// Event, one concrete type per event name, so dispatch is a single type switch.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeJoinSession Type = "join_session"
	TypeUserJoined  Type = "user_joined"
	TypeUserLeft    Type = "user_left"

	TypeSendMessage Type = "send_message"
	TypeNewMessage  Type = "new_message"

	TypeWhiteboardUpdate  Type = "whiteboard_update"
	TypeWhiteboardChanged Type = "whiteboard_changed"

	TypeVoiceJoin  Type = "webrtc_join"
	TypeVoiceLeave Type = "webrtc_leave"
	TypePeerJoined Type = "peer_joined"
	TypePeerLeft   Type = "peer_left"
	TypeSignal     Type = "webrtc_signal"

	TypePing  Type = "ping"
	TypePong  Type = "pong"
	TypeAck   Type = "ack"
	TypeError Type = "error"

	// Local-only events produced by the client transport.
	TypeSessionJoined   Type = "session_joined"
	TypeConnectionState Type = "connection_state"
)

type Channel int

const (
	ChannelControl Channel = iota
	ChannelPresence
	ChannelChat
	ChannelWhiteboard
	ChannelSignal
)

func (c Channel) String() string {
	switch c {
	case ChannelPresence:
		return "presence"
	case ChannelChat:
		return "chat"
	case ChannelWhiteboard:
		return "whiteboard"
	case ChannelSignal:
		return "signal"
	default:
		return "control"
	}
}

var (
	ErrUnknownType  = errors.New("unknown frame type")
	ErrEmptyPayload = errors.New("empty payload")
)

// Frame is the envelope of every message on the socket.
// Ack is non-zero on requests that expect an acknowledgment and on the ack itself.
type Frame struct {
	Type    Type            `json:"type"`
	Ack     uint64          `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is implemented by every concrete payload type.
type Event interface {
	Type() Type
	Channel() Channel
}

// Encode wraps ev into a frame and marshals it.
func Encode(ev Event, ack uint64) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type(), err)
	}
	return json.Marshal(Frame{Type: ev.Type(), Ack: ack, Payload: payload})
}

// EncodeAck answers request ack with body.
func EncodeAck(ack uint64, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode ack: %w", err)
	}
	return json.Marshal(Frame{Type: TypeAck, Ack: ack, Payload: payload})
}

// ParseFrame reads only the envelope.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("parse frame: %w", err)
	}
	return f, nil
}

// Decode turns a frame into its typed event. Ack frames are not events;
// their payload is read by whoever waits for them.
func Decode(f Frame) (Event, error) {
	var ev Event
	switch f.Type {
	case TypeJoinSession:
		ev = &JoinSession{}
	case TypeUserJoined:
		ev = &UserJoined{}
	case TypeUserLeft:
		ev = &UserLeft{}
	case TypeSendMessage:
		ev = &SendMessage{}
	case TypeNewMessage:
		ev = &NewMessage{}
	case TypeWhiteboardUpdate:
		ev = &WhiteboardUpdate{}
	case TypeWhiteboardChanged:
		ev = &WhiteboardChanged{}
	case TypeVoiceJoin:
		ev = &VoiceJoin{}
	case TypeVoiceLeave:
		ev = &VoiceLeave{}
	case TypePeerJoined:
		ev = &PeerJoined{}
	case TypePeerLeft:
		ev = &PeerLeft{}
	case TypeSignal:
		ev = &Signal{}
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeError:
		ev = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	if len(f.Payload) == 0 {
		return nil, fmt.Errorf("%s: %w", f.Type, ErrEmptyPayload)
	}
	if err := json.Unmarshal(f.Payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Type, err)
	}
	return deref(ev), nil
}

// deref hands out values so subscribers cannot mutate a shared event.
func deref(ev Event) Event {
	switch e := ev.(type) {
	case *JoinSession:
		return *e
	case *UserJoined:
		return *e
	case *UserLeft:
		return *e
	case *SendMessage:
		return *e
	case *NewMessage:
		return *e
	case *WhiteboardUpdate:
		return *e
	case *WhiteboardChanged:
		return *e
	case *VoiceJoin:
		return *e
	case *VoiceLeave:
		return *e
	case *PeerJoined:
		return *e
	case *PeerLeft:
		return *e
	case *Signal:
		return *e
	case *ErrorEvent:
		return *e
	}
	return ev
}
