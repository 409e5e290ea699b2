package protocol

import "github.com/dkeye/Studyroom/internal/domain"

// Result is the common part of every acknowledgment.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// JoinAck answers join_session. Participants include the joiner.
type JoinAck struct {
	Result
	Participants []domain.Participant `json:"participants,omitempty"`
	Peers        []domain.UserID      `json:"peers,omitempty"`
}

// VoiceJoinAck answers webrtc_join. Peers exclude the joiner.
type VoiceJoinAck struct {
	Result
	Peers []domain.Participant `json:"peers,omitempty"`
}

func OK() Result { return Result{Success: true} }

func Fail(msg string) Result { return Result{Error: msg} }

// Acknowledgement is any ack body; the outcome is what fire-and-forget senders get reported.
type Acknowledgement interface {
	Outcome() Result
}

func (r Result) Outcome() Result { return r }
