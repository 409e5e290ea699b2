package protocol

import (
	"encoding/json"

	"github.com/dkeye/Studyroom/internal/domain"
)

// presence

type JoinSession struct {
	SessionID domain.SessionID `json:"session_id"`
	UserID    domain.UserID    `json:"user_id"`
	UserName  string           `json:"user_name"`
	Role      domain.Role      `json:"role,omitempty"`
}

type UserJoined struct {
	SessionID domain.SessionID `json:"session_id"`
	UserID    domain.UserID    `json:"user_id"`
	UserName  string           `json:"user_name"`
	Role      domain.Role      `json:"role,omitempty"`
}

func (e UserJoined) Participant() domain.Participant {
	return domain.Participant{UserID: e.UserID, UserName: e.UserName, Role: e.Role}
}

type UserLeft struct {
	SessionID domain.SessionID `json:"session_id"`
	UserID    domain.UserID    `json:"user_id"`
}

// chat

type SendMessage struct {
	SessionID domain.SessionID   `json:"session_id"`
	Message   domain.ChatMessage `json:"message"`
}

type NewMessage struct {
	domain.ChatMessage
}

// whiteboard

type WhiteboardUpdate struct {
	SessionID domain.SessionID `json:"session_id"`
	UserID    domain.UserID    `json:"user_id"`
	Elements  []domain.Element `json:"elements"`
	AppState  domain.AppState  `json:"app_state"`
}

type WhiteboardChanged struct {
	UserID   domain.UserID    `json:"user_id"`
	Elements []domain.Element `json:"elements"`
	AppState domain.AppState  `json:"app_state"`
}

// signal

type VoiceJoin struct {
	SessionID domain.SessionID `json:"session_id"`
	UserID    domain.UserID    `json:"user_id"`
	UserName  string           `json:"user_name"`
}

type VoiceLeave struct {
	SessionID domain.SessionID `json:"session_id"`
	UserID    domain.UserID    `json:"user_id"`
}

type PeerJoined struct {
	UserID   domain.UserID `json:"user_id"`
	UserName string        `json:"user_name"`
}

type PeerLeft struct {
	UserID domain.UserID `json:"user_id"`
}

type Signal struct {
	SessionID    domain.SessionID `json:"session_id,omitempty"`
	FromUserID   domain.UserID    `json:"from_user_id"`
	TargetUserID domain.UserID    `json:"target_user_id,omitempty"`
	Signal       json.RawMessage  `json:"signal"`
}

func (e Signal) Envelope() domain.SignalEnvelope {
	return domain.SignalEnvelope{
		SessionID:    e.SessionID,
		FromUserID:   e.FromUserID,
		TargetUserID: e.TargetUserID,
		Payload:      e.Signal,
	}
}

// control

type Ping struct{}

type Pong struct{}

type ErrorEvent struct {
	Error string `json:"error"`
}

func (JoinSession) Type() Type       { return TypeJoinSession }
func (UserJoined) Type() Type        { return TypeUserJoined }
func (UserLeft) Type() Type          { return TypeUserLeft }
func (SendMessage) Type() Type       { return TypeSendMessage }
func (NewMessage) Type() Type        { return TypeNewMessage }
func (WhiteboardUpdate) Type() Type  { return TypeWhiteboardUpdate }
func (WhiteboardChanged) Type() Type { return TypeWhiteboardChanged }
func (VoiceJoin) Type() Type         { return TypeVoiceJoin }
func (VoiceLeave) Type() Type        { return TypeVoiceLeave }
func (PeerJoined) Type() Type        { return TypePeerJoined }
func (PeerLeft) Type() Type          { return TypePeerLeft }
func (Signal) Type() Type            { return TypeSignal }
func (Ping) Type() Type              { return TypePing }
func (Pong) Type() Type              { return TypePong }
func (ErrorEvent) Type() Type        { return TypeError }

func (JoinSession) Channel() Channel       { return ChannelPresence }
func (UserJoined) Channel() Channel        { return ChannelPresence }
func (UserLeft) Channel() Channel          { return ChannelPresence }
func (SendMessage) Channel() Channel       { return ChannelChat }
func (NewMessage) Channel() Channel        { return ChannelChat }
func (WhiteboardUpdate) Channel() Channel  { return ChannelWhiteboard }
func (WhiteboardChanged) Channel() Channel { return ChannelWhiteboard }
func (VoiceJoin) Channel() Channel         { return ChannelSignal }
func (VoiceLeave) Channel() Channel        { return ChannelSignal }
func (PeerJoined) Channel() Channel        { return ChannelSignal }
func (PeerLeft) Channel() Channel          { return ChannelSignal }
func (Signal) Channel() Channel            { return ChannelSignal }
func (Ping) Channel() Channel              { return ChannelControl }
func (Pong) Channel() Channel              { return ChannelControl }
func (ErrorEvent) Channel() Channel        { return ChannelControl }
