package domain

// Participant is one connected browser instance as seen by a roster.
type Participant struct {
	UserID   UserID `json:"user_id"`
	UserName string `json:"user_name"`
	Role     Role   `json:"role,omitempty"`
}

// Member represents user's participation meta for a live session.
// No transport or lifecycle logic here.
type Member struct {
	User    *User
	InVoice bool
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User) *Member {
	return &Member{User: user}
}
