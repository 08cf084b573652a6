// Package history hands finished sessions to persistence sinks.
package history

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcdev12/lanride/go/internal/models"
)

var ErrNotFound = errors.New("session history not found")

// Sink persists or forwards a finished session.
type Sink interface {
	Name() string
	Store(ctx context.Context, h models.SessionHistory) error
}

// Reader looks up stored sessions.
type Reader interface {
	Get(ctx context.Context, sessionID uuid.UUID) (models.SessionHistory, error)
	List(ctx context.Context) ([]models.SessionHistory, error)
}
