package models

// SessionHistory is the record handed to the persistence sink when a session ends.
type SessionHistory struct {
	Session      Session       `json:"session"`
	Participants []Participant `json:"participants"`
	Chat         []ChatMessage `json:"chat"`
	Races        []RaceEvent   `json:"races"`
}
