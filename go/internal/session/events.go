package session

import "github.com/mcdev12/lanride/go/internal/models"

type EventType string

const (
	EventStateChanged            EventType = "SessionStateChanged"
	EventParticipantJoined       EventType = "ParticipantJoined"
	EventParticipantLeft         EventType = "ParticipantLeft"
	EventParticipantDisconnected EventType = "ParticipantDisconnected"
	EventParticipantRecovered    EventType = "ParticipantRecovered"
	EventMetrics                 EventType = "ParticipantMetrics"
	EventEnded                   EventType = "SessionEnded"
)

// Event is emitted by the manager for the UI and the rest of the engine.
type Event struct {
	Type    EventType
	Session models.Session
	// Participant is set for participant and metric events.
	Participant *models.Participant
	// Participants is the final roster, set on EventEnded.
	Participants []models.Participant
}
