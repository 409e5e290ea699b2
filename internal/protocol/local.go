package protocol

// Events below never cross the wire; the client transport emits them
// to its own subscribers.

// SessionJoined is emitted after every successful join, including rejoins after reconnect.
type SessionJoined struct {
	Ack       JoinAck
	Reconnect bool
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

type ConnectionState struct {
	State State
	Err   error
}

func (SessionJoined) Type() Type       { return TypeSessionJoined }
func (SessionJoined) Channel() Channel { return ChannelPresence }

func (ConnectionState) Type() Type       { return TypeConnectionState }
func (ConnectionState) Channel() Channel { return ChannelControl }
