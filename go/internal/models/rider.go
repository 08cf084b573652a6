package models

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// Rider is the local identity of a human participant.
type Rider struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
}

// Peer is a node discovered on the LAN.
type Peer struct {
	RiderID         uuid.UUID      `json:"rider_id"`
	DisplayName     string         `json:"display_name"`
	Addr            netip.AddrPort `json:"addr"`
	SessionID       uuid.UUID      `json:"session_id,omitempty"`
	ProtocolVersion int            `json:"protocol_version"`
	LastSeen        time.Time      `json:"last_seen"`
	ClockOffset     time.Duration  `json:"clock_offset"`
	RoundTrip       time.Duration  `json:"round_trip"`
}

// HasSession reports whether the peer advertises an active session.
func (p Peer) HasSession() bool {
	return p.SessionID != uuid.Nil
}
