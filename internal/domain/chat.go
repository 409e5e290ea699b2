package domain

import (
	"time"

	"github.com/google/uuid"
)

type MessageID string

// ChatMessage is immutable once created.
type ChatMessage struct {
	ID         MessageID `json:"id"`
	SessionID  SessionID `json:"session_id"`
	SenderID   UserID    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	SenderRole Role      `json:"sender_role,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewChatMessage(sid SessionID, from Participant, content string, now time.Time) ChatMessage {
	return ChatMessage{
		ID:         MessageID(uuid.NewString()),
		SessionID:  sid,
		SenderID:   from.UserID,
		SenderName: from.UserName,
		SenderRole: from.Role,
		Content:    content,
		CreatedAt:  now.UTC(),
	}
}
