package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcdev12/lanride/go/internal/clocksync"
	"github.com/mcdev12/lanride/go/internal/discovery"
	"github.com/mcdev12/lanride/go/internal/events"
	"github.com/mcdev12/lanride/go/internal/history"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/race"
	"github.com/mcdev12/lanride/go/internal/session"
	"github.com/mcdev12/lanride/go/internal/transport"
	"github.com/mcdev12/lanride/go/internal/wire"
)

// Subscribe streams engine events. The returned func unsubscribes.
func (e *Engine) Subscribe(name string, buffer int) (<-chan events.Event, func()) {
	return e.bus.Subscribe(name, buffer)
}

// HostSession opens a new group ride hosted by this rider.
func (e *Engine) HostSession(ctx context.Context) (models.Session, error) {
	if e.sessions == nil {
		return models.Session{}, ErrNetworkUnavailable
	}
	return e.sessions.Host(ctx, e.opts.WorldID)
}

// JoinSession joins a session seen through discovery or its announcements.
func (e *Engine) JoinSession(ctx context.Context, sessionID uuid.UUID) (models.Session, error) {
	if e.sessions == nil {
		return models.Session{}, ErrNetworkUnavailable
	}
	return e.sessions.Join(ctx, sessionID)
}

func (e *Engine) LeaveSession(ctx context.Context) error {
	if e.sessions == nil {
		return ErrNetworkUnavailable
	}
	return e.sessions.Leave(ctx)
}

// EndSession closes the session for every participant. Host only.
func (e *Engine) EndSession(ctx context.Context) error {
	if e.sessions == nil {
		return ErrNetworkUnavailable
	}
	return e.sessions.End(ctx)
}

func (e *Engine) State(ctx context.Context) (models.SessionState, error) {
	if e.sessions == nil {
		return models.SessionStateIdle, nil
	}
	return e.sessions.State(ctx)
}

func (e *Engine) Session(ctx context.Context) (models.Session, error) {
	if e.sessions == nil {
		return models.Session{}, ErrNetworkUnavailable
	}
	return e.sessions.Current(ctx)
}

func (e *Engine) Participants(ctx context.Context) ([]models.Participant, error) {
	if e.sessions == nil {
		return nil, ErrNetworkUnavailable
	}
	return e.sessions.Participants(ctx)
}

// BroadcastMetrics multicasts one local sample to the session and feeds its
// position to any race this rider is in. Samples above the configured rate
// return transport.ErrRateLimited.
func (e *Engine) BroadcastMetrics(ctx context.Context, m models.Metrics) error {
	if e.sessions == nil {
		return ErrNetworkUnavailable
	}
	state, err := e.sessions.State(ctx)
	if err != nil {
		return err
	}
	if state != models.SessionStateActive {
		return session.ErrNotInSession
	}

	err = e.tr.BroadcastMetrics(ctx, wire.MetricUpdate{
		Power:     m.Power,
		Cadence:   m.Cadence,
		HeartRate: m.HeartRate,
		Position:  m.Position,
	})
	if err != nil {
		return err
	}
	return e.races.ReportPosition(ctx, m.Position)
}

func (e *Engine) SendChat(ctx context.Context, text string) (models.ChatMessage, error) {
	if e.chat == nil {
		return models.ChatMessage{}, ErrNetworkUnavailable
	}
	return e.chat.Send(ctx, text)
}

func (e *Engine) ChatLog(ctx context.Context) ([]models.ChatMessage, error) {
	if e.chat == nil {
		return nil, ErrNetworkUnavailable
	}
	return e.chat.Log(ctx)
}

// CreateRace schedules a race in the current session with this rider as organizer.
func (e *Engine) CreateRace(ctx context.Context, in race.CreateRaceInput) (models.RaceEvent, error) {
	if e.races == nil {
		return models.RaceEvent{}, ErrNetworkUnavailable
	}
	return e.races.Create(ctx, in)
}

func (e *Engine) JoinRace(ctx context.Context, raceID uuid.UUID) error {
	if e.races == nil {
		return ErrNetworkUnavailable
	}
	return e.races.Join(ctx, raceID)
}

func (e *Engine) EndRace(ctx context.Context, raceID uuid.UUID) error {
	if e.races == nil {
		return ErrNetworkUnavailable
	}
	return e.races.ForceEnd(ctx, raceID)
}

func (e *Engine) CancelRace(ctx context.Context, raceID uuid.UUID) error {
	if e.races == nil {
		return ErrNetworkUnavailable
	}
	return e.races.Cancel(ctx, raceID)
}

func (e *Engine) Standings(ctx context.Context, raceID uuid.UUID) ([]models.RaceParticipant, error) {
	if e.races == nil {
		return nil, ErrNetworkUnavailable
	}
	return e.races.Standings(ctx, raceID)
}

func (e *Engine) Races(ctx context.Context) ([]models.RaceEvent, error) {
	if e.races == nil {
		return nil, ErrNetworkUnavailable
	}
	return e.races.Races(ctx)
}

// Peers returns the discovery peer table; empty without discovery.
func (e *Engine) Peers(ctx context.Context) ([]models.Peer, error) {
	if e.disc == nil {
		return []models.Peer{}, nil
	}
	return e.disc.Peers(ctx)
}

// Sessions lists sessions advertised over mDNS and through SessionAnnounce.
func (e *Engine) Sessions(ctx context.Context) ([]discovery.SessionSummary, error) {
	if e.sessions == nil {
		return nil, ErrNetworkUnavailable
	}

	var out []discovery.SessionSummary
	seen := make(map[uuid.UUID]bool)
	if e.disc != nil {
		advertised, err := e.disc.Sessions(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range advertised {
			seen[s.ID] = true
			out = append(out, s)
		}
	}

	announced, err := e.sessions.Announcements(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range announced {
		if seen[a.SessionID] {
			continue
		}
		seen[a.SessionID] = true
		out = append(out, discovery.SessionSummary{ID: a.SessionID, HostID: a.HostID, HostName: a.HostName})
	}
	return out, nil
}

func (e *Engine) ClockEstimates(ctx context.Context) ([]clocksync.Estimate, error) {
	if e.clk == nil {
		return nil, ErrNetworkUnavailable
	}
	return e.clk.Estimates(ctx)
}

func (e *Engine) Stats() (transport.Stats, error) {
	if e.tr == nil {
		return transport.Stats{}, ErrNetworkUnavailable
	}
	return e.tr.Stats(), nil
}

// History returns past sessions from the first sink that can read them back.
func (e *Engine) History(ctx context.Context) ([]models.SessionHistory, error) {
	for _, s := range e.opts.Sinks {
		if r, ok := s.(history.Reader); ok {
			return r.List(ctx)
		}
	}
	return nil, ErrNoHistory
}
