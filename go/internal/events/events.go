package events

import (
	"encoding/json"
	"time"
)

// Event is the envelope for everything the engine reports to its UI and sinks.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type Type string

const (
	TypeSessionStateChanged     Type = "SessionStateChanged"
	TypeParticipantJoined       Type = "ParticipantJoined"
	TypeParticipantLeft         Type = "ParticipantLeft"
	TypeParticipantDisconnected Type = "ParticipantDisconnected"
	TypeParticipantRecovered    Type = "ParticipantRecovered"
	TypeParticipantMetrics      Type = "ParticipantMetrics"
	TypeSessionEnded            Type = "SessionEnded"

	TypeChatMessageReceived Type = "ChatMessageReceived"
	TypeChatStatusChanged   Type = "ChatStatusChanged"

	TypeRaceCreated       Type = "RaceCreated"
	TypeRacerJoined       Type = "RacerJoined"
	TypeRaceCountdown     Type = "RaceCountdown"
	TypeRaceStarted       Type = "RaceStarted"
	TypeRacerFinished     Type = "RacerFinished"
	TypeRacerDNF          Type = "RacerDNF"
	TypeRaceFinished      Type = "RaceFinished"
	TypeRaceCancelled     Type = "RaceCancelled"
	TypeOffsetUpdated     Type = "OffsetUpdated"
	TypeClockSyncDegraded Type = "ClockSyncDegraded"

	TypePeerAppeared      Type = "PeerAppeared"
	TypePeerUpdated       Type = "PeerUpdated"
	TypePeerVanished      Type = "PeerVanished"
	TypePeerUnreachable   Type = "PeerUnreachable"
	TypePeerReachable     Type = "PeerReachable"
	TypeDiscoveryDisabled Type = "DiscoveryDisabled"
	TypeHistoryStored     Type = "HistoryStored"
)

// ParsePayload decodes ev.Data into the payload struct for its type.
// Unknown types return nil without error.
func ParsePayload(ev *Event) (any, error) {
	var payload any
	switch ev.Type {
	case TypeSessionStateChanged:
		payload = &SessionStatePayload{}
	case TypeParticipantJoined, TypeParticipantLeft, TypeParticipantDisconnected, TypeParticipantRecovered, TypeParticipantMetrics:
		payload = &ParticipantPayload{}
	case TypeSessionEnded:
		payload = &SessionEndedPayload{}
	case TypeChatMessageReceived, TypeChatStatusChanged:
		payload = &ChatPayload{}
	case TypeRaceCreated, TypeRacerJoined, TypeRaceCountdown, TypeRaceStarted,
		TypeRacerFinished, TypeRacerDNF, TypeRaceFinished, TypeRaceCancelled:
		payload = &RacePayload{}
	case TypeOffsetUpdated, TypeClockSyncDegraded:
		payload = &ClockPayload{}
	case TypePeerAppeared, TypePeerUpdated, TypePeerVanished, TypePeerUnreachable, TypePeerReachable:
		payload = &PeerPayload{}
	case TypeDiscoveryDisabled:
		payload = &StatusPayload{}
	case TypeHistoryStored:
		payload = &HistoryPayload{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(ev.Data, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
