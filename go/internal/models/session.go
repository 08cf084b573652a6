package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the local node's view of a group ride lifecycle.
type SessionState string

const (
	SessionStateIdle    SessionState = "IDLE"
	SessionStateHosting SessionState = "HOSTING"
	SessionStateJoining SessionState = "JOINING"
	SessionStateActive  SessionState = "ACTIVE"
	SessionStateEnded   SessionState = "ENDED"
)

// Session represents an active or past group ride.
type Session struct {
	ID          uuid.UUID    `json:"id"`
	HostRiderID uuid.UUID    `json:"host_rider_id"`
	HostName    string       `json:"host_name"`
	WorldID     string       `json:"world_id"`
	State       SessionState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
}

// Metrics is one snapshot of a rider's live data.
type Metrics struct {
	Power     uint32    `json:"power"`      // watts
	Cadence   uint32    `json:"cadence"`    // rpm
	HeartRate uint32    `json:"heart_rate"` // bpm
	Position  float64   `json:"position"`   // meters along the route
	SentAt    time.Time `json:"sent_at"`
}

// Participant is a rider's membership in a session. A rejoin creates a new entry.
type Participant struct {
	RiderID       uuid.UUID  `json:"rider_id"`
	DisplayName   string     `json:"display_name"`
	SessionID     uuid.UUID  `json:"session_id"`
	JoinedAt      time.Time  `json:"joined_at"`
	LeftAt        *time.Time `json:"left_at,omitempty"`
	LastMetrics   *Metrics   `json:"last_metrics,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Connected     bool       `json:"connected"`
}

// Active reports whether the participant is still on the roster.
func (p *Participant) Active() bool {
	return p.LeftAt == nil
}
