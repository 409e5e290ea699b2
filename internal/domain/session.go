package domain

type SessionID string

type SessionKind string

const (
	KindAITutor SessionKind = "ai_tutor"
	KindPeer    SessionKind = "peer"
)

type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// Session is the backend-owned description of a collaboration room.
type Session struct {
	ID      SessionID     `json:"id"`
	Kind    SessionKind   `json:"kind"`
	Status  SessionStatus `json:"status"`
	OwnerID UserID        `json:"owner_id"`
	Title   string        `json:"title,omitempty"`
}

// Enrollment is the backend-authoritative access list of a session.
type Enrollment struct {
	Session  Session  `json:"session"`
	Enrolled []UserID `json:"enrolled"`
}
