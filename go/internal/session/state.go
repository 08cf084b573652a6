package session

import (
	"errors"
	"fmt"

	"github.com/mcdev12/lanride/go/internal/models"
)

var (
	ErrInvalidState    = errors.New("invalid session state transition")
	ErrNotInSession    = errors.New("not in an active session")
	ErrNotHost         = errors.New("only the host can do this")
	ErrJoinTimeout     = errors.New("join timed out")
	ErrJoinRejected    = errors.New("join rejected")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFull     = errors.New("session full")
	ErrDuplicateJoin   = errors.New("duplicate join")
)

// Reject reasons carried in SessionReject.
const (
	ReasonUnknownSession = "unknown session"
	ReasonDuplicateJoin  = "duplicate join"
	ReasonSessionFull    = "session full"
)

var transitions = map[models.SessionState][]models.SessionState{
	models.SessionStateIdle:    {models.SessionStateHosting, models.SessionStateJoining},
	models.SessionStateHosting: {models.SessionStateActive, models.SessionStateIdle},
	models.SessionStateJoining: {models.SessionStateActive, models.SessionStateIdle},
	models.SessionStateActive:  {models.SessionStateEnded},
	models.SessionStateEnded:   {models.SessionStateIdle},
}

func canTransition(from, to models.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func invalid(from, to models.SessionState) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
}

func rejectError(reason string) error {
	switch reason {
	case ReasonUnknownSession:
		return fmt.Errorf("%w: %w", ErrJoinRejected, ErrSessionNotFound)
	case ReasonDuplicateJoin:
		return fmt.Errorf("%w: %w", ErrJoinRejected, ErrDuplicateJoin)
	case ReasonSessionFull:
		return fmt.Errorf("%w: %w", ErrJoinRejected, ErrSessionFull)
	}
	return fmt.Errorf("%w: %s", ErrJoinRejected, reason)
}
