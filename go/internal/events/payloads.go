package events

import (
	"time"

	"github.com/mcdev12/lanride/go/internal/models"
)

// SessionStatePayload is the payload for a SessionStateChanged event
type SessionStatePayload struct {
	SessionID string              `json:"session_id,omitempty"`
	State     models.SessionState `json:"state"`
	HostID    string              `json:"host_id,omitempty"`
	WorldID   string              `json:"world_id,omitempty"`
}

// ParticipantPayload is the payload for participant roster and metric events
type ParticipantPayload struct {
	Participant models.Participant `json:"participant"`
}

// SessionEndedPayload is the payload for a SessionEnded event
type SessionEndedPayload struct {
	SessionID    string               `json:"session_id"`
	EndedAt      time.Time            `json:"ended_at"`
	Participants []models.Participant `json:"participants"`
}

// ChatPayload is the payload for chat events
type ChatPayload struct {
	Message models.ChatMessage `json:"message"`
}

// RacePayload is the payload for race events
type RacePayload struct {
	Race             models.RaceEvent `json:"race"`
	RiderID          string           `json:"rider_id,omitempty"`
	SecondsRemaining int              `json:"seconds_remaining,omitempty"`
}

// ClockPayload reports a peer's clock offset estimate
type ClockPayload struct {
	PeerID   string        `json:"peer_id"`
	Offset   time.Duration `json:"offset"`
	RTT      time.Duration `json:"rtt"`
	Samples  int           `json:"samples"`
	Degraded bool          `json:"degraded"`
}

// PeerPayload is the payload for discovery and liveness events
type PeerPayload struct {
	Peer     models.Peer `json:"peer"`
	LastSeen time.Time   `json:"last_seen,omitempty"`
}

// StatusPayload carries a human readable status line
type StatusPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// HistoryPayload reports which sinks stored a finished session
type HistoryPayload struct {
	SessionID string   `json:"session_id"`
	Sinks     []string `json:"sinks"`
}
