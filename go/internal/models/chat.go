package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatStatus tracks delivery of a chat message.
type ChatStatus string

const (
	ChatStatusPending  ChatStatus = "PENDING"
	ChatStatusSent     ChatStatus = "SENT"
	ChatStatusFailed   ChatStatus = "FAILED"
	ChatStatusReceived ChatStatus = "RECEIVED"
)

// ChatMessage is a text message scoped to a session.
type ChatMessage struct {
	ID        uuid.UUID          `json:"id"`
	SessionID uuid.UUID          `json:"session_id"`
	SenderID  uuid.UUID          `json:"sender_id"`
	Seq       uint64             `json:"seq"`
	Text      string             `json:"text"`
	SentAt    time.Time          `json:"sent_at"`
	AckedBy   map[uuid.UUID]bool `json:"acked_by,omitempty"`
	Status    ChatStatus         `json:"status"`
	Attempts  int                `json:"attempts,omitempty"`
}
