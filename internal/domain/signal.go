package domain

import "encoding/json"

// SignalEnvelope carries one opaque negotiation payload between two mesh managers.
// It is never persisted.
type SignalEnvelope struct {
	SessionID    SessionID       `json:"session_id"`
	FromUserID   UserID          `json:"from_user_id"`
	TargetUserID UserID          `json:"target_user_id"`
	Payload      json.RawMessage `json:"signal"`
}
