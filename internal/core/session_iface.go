package core

import "github.com/dkeye/Studyroom/internal/domain"

// ConnID identifies one websocket connection.
type ConnID string

// Frame is one encoded protocol message.
type Frame []byte

// SignalConnection is the adapter-owned outbound side of a connection.
// Sessions only TrySend; the adapter closes it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// MemberSession binds domain.Member and its transport endpoint.
// This is what a live session stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
}

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// SessionService is the core-facing API of one live session.
// It owns the presence and voice sets but never touches transport resources.
type SessionService interface {
	Session() *domain.Session
	MemberCount() int
	MembersSnapshot() []domain.Participant
	Member(uid domain.UserID) (ConnID, MemberSession, bool)

	// AddMember binds uid to cid; a previous binding of the same user is returned.
	AddMember(cid ConnID, ms MemberSession) (prev ConnID, replaced bool)
	// RemoveMember drops cid only if it is still the current binding of its user.
	RemoveMember(cid ConnID) (domain.UserID, bool)

	JoinVoice(uid domain.UserID) ([]domain.Participant, bool)
	LeaveVoice(uid domain.UserID) bool
	InVoice(uid domain.UserID) bool
	VoiceSnapshot() []domain.UserID

	Broadcast(from ConnID, data Frame) PublishResult
	SendTo(uid domain.UserID, data Frame) error

	// Exclusive runs fn with every other Exclusive call of this session held
	// off. Membership changes use it so that a change, its ack and its
	// announcement reach each connection as one step.
	Exclusive(fn func())
}

type SessionInfo struct {
	ID          domain.SessionID `json:"id"`
	MemberCount int              `json:"client_count"`
	VoiceCount  int              `json:"voice_count"`
}

type SessionManager interface {
	GetOrCreate(id domain.SessionID) SessionService
	Get(id domain.SessionID) (SessionService, bool)
	List() []SessionInfo
	StopSession(id domain.SessionID)
}
