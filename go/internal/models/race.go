package models

import (
	"time"

	"github.com/google/uuid"
)

// RaceStatus defines the status of a race.
type RaceStatus string

const (
	RaceStatusScheduled  RaceStatus = "SCHEDULED"
	RaceStatusCountdown  RaceStatus = "COUNTDOWN"
	RaceStatusInProgress RaceStatus = "IN_PROGRESS"
	RaceStatusFinished   RaceStatus = "FINISHED"
	RaceStatusCancelled  RaceStatus = "CANCELLED"
)

// Terminal reports whether the race is archived.
func (s RaceStatus) Terminal() bool {
	return s == RaceStatusFinished || s == RaceStatusCancelled
}

// RacerStatus is a rider's standing within a race.
type RacerStatus string

const (
	RacerStatusRegistered RacerStatus = "REGISTERED"
	RacerStatusRacing     RacerStatus = "RACING"
	RacerStatusFinished   RacerStatus = "FINISHED"
	RacerStatusDNF        RacerStatus = "DNF"
)

// Terminal reports whether no further transition is allowed.
func (s RacerStatus) Terminal() bool {
	return s == RacerStatusFinished || s == RacerStatusDNF
}

// RaceEvent is a scheduled competitive event. ScheduledStart is on the organizer's clock.
type RaceEvent struct {
	ID             uuid.UUID                      `json:"id"`
	SessionID      uuid.UUID                      `json:"session_id"`
	OrganizerID    uuid.UUID                      `json:"organizer_id"`
	ScheduledStart time.Time                      `json:"scheduled_start"`
	Countdown      time.Duration                  `json:"countdown"`
	CourseLength   float64                        `json:"course_length"` // meters
	Status         RaceStatus                     `json:"status"`
	StartedAt      *time.Time                     `json:"started_at,omitempty"`
	EndedAt        *time.Time                     `json:"ended_at,omitempty"`
	Participants   map[uuid.UUID]*RaceParticipant `json:"participants"`
}

// RaceParticipant is a rider's standing within a RaceEvent.
type RaceParticipant struct {
	RiderID           uuid.UUID     `json:"rider_id"`
	DisplayName       string        `json:"display_name"`
	Status            RacerStatus   `json:"status"`
	Distance          float64       `json:"distance"`
	Elapsed           time.Duration `json:"elapsed"`
	FinishTime        *time.Time    `json:"finish_time,omitempty"`
	FinishRank        *int          `json:"finish_rank,omitempty"`
	DisconnectedSince *time.Time    `json:"disconnected_since,omitempty"`
}
