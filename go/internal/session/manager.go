// Package session runs the group ride lifecycle: hosting, joining, the roster,
// leaving and reconnection.
package session

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/common/mailbox"
	"github.com/mcdev12/lanride/go/internal/discovery"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/transport"
	"github.com/mcdev12/lanride/go/internal/wire"
	"github.com/rs/zerolog/log"
)

const (
	DefaultJoinTimeout      = 5 * time.Second
	DefaultJoinRetry        = time.Second
	DefaultAnnounceInterval = 2 * time.Second
	DefaultMaxParticipants  = 10
)

type Config struct {
	JoinTimeout      time.Duration
	JoinRetry        time.Duration
	AnnounceInterval time.Duration
	MaxParticipants  int
}

func (c Config) withDefaults() Config {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.JoinRetry <= 0 {
		c.JoinRetry = DefaultJoinRetry
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = DefaultMaxParticipants
	}
	return c
}

// Transport is what the manager needs from the transport.
type Transport interface {
	Self() models.Rider
	Send(ctx context.Context, rider uuid.UUID, p wire.Payload) error
	Multicast(ctx context.Context, p wire.Payload) error
	SetSession(id uuid.UUID)
	LearnPeer(rider uuid.UUID, addr netip.AddrPort)
	PeerAddr(rider uuid.UUID) (netip.AddrPort, bool)
}

// Directory is the discovery view of sessions on the LAN.
type Directory interface {
	Sessions(ctx context.Context) ([]discovery.SessionSummary, error)
	SetSession(ctx context.Context, id uuid.UUID, host bool) error
}

// Announcement is a session seen through SessionAnnounce.
type Announcement struct {
	SessionID uuid.UUID `json:"session_id"`
	HostID    uuid.UUID `json:"host_id"`
	HostName  string    `json:"host_name"`
	WorldID   string    `json:"world_id"`
	SeenAt    time.Time `json:"seen_at"`
}

type joinResult struct {
	session models.Session
	err     error
}

type joinAttempt struct {
	sessionID uuid.UUID
	hostID    uuid.UUID
	requestID uuid.UUID
	result    chan joinResult
	timeout   clockwork.Timer
	retry     clockwork.Timer
}

// Manager owns the session state inside its mailbox loop.
type Manager struct {
	cfg      Config
	clock    clockwork.Clock
	tr       Transport
	dir      Directory
	inbound  <-chan transport.Inbound
	liveness <-chan transport.LivenessEvent
	box      *mailbox.Mailbox
	events   chan Event

	self         models.Rider
	state        models.SessionState
	session      models.Session
	roster       *Roster
	join         *joinAttempt
	lastRequest  map[uuid.UUID]uuid.UUID
	disconnected map[uuid.UUID]bool
	metrics      map[uuid.UUID]*models.Metrics
	heartbeats   map[uuid.UUID]time.Time
	announced    map[uuid.UUID]Announcement
	lastBackfill time.Time
}

// NewManager creates a manager. inbound must carry wire.SessionTags.
func NewManager(
	tr Transport,
	dir Directory,
	inbound <-chan transport.Inbound,
	liveness <-chan transport.LivenessEvent,
	clock clockwork.Clock,
	cfg Config,
) *Manager {
	m := &Manager{
		cfg:       cfg.withDefaults(),
		clock:     clock,
		tr:        tr,
		dir:       dir,
		inbound:   inbound,
		liveness:  liveness,
		box:       mailbox.New(256),
		events:    make(chan Event, 512),
		self:      tr.Self(),
		state:     models.SessionStateIdle,
		announced: make(map[uuid.UUID]Announcement),
	}
	m.resetSession()
	return m
}

func (m *Manager) Events() <-chan Event {
	return m.events
}

// Run processes session traffic and liveness changes until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	go m.box.Run(ctx)

	ticker := m.clock.NewTicker(m.cfg.AnnounceInterval)
	defer ticker.Stop()

	inbound, liveness := m.inbound, m.liveness
	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			err = m.box.Do(ctx, func() { m.handle(ctx, in) })
		case ev, ok := <-liveness:
			if !ok {
				liveness = nil
				continue
			}
			err = m.box.Do(ctx, func() { m.handleLiveness(ev) })
		case <-ticker.Chan():
			err = m.box.Do(ctx, func() { m.announce(ctx) })
		}
		if err != nil {
			return nil
		}
	}
}

// Host opens a new session with this rider as host.
func (m *Manager) Host(ctx context.Context, worldID string) (models.Session, error) {
	return mailbox.Call(ctx, m.box, func() (models.Session, error) {
		m.resetIfEnded()
		if !canTransition(m.state, models.SessionStateHosting) {
			return models.Session{}, invalid(m.state, models.SessionStateHosting)
		}
		m.setState(models.SessionStateHosting)

		now := m.clock.Now()
		m.session = models.Session{
			ID:          uuid.New(),
			HostRiderID: m.self.ID,
			HostName:    m.self.DisplayName,
			WorldID:     worldID,
			CreatedAt:   now,
		}
		m.roster = NewRoster(m.session.ID)
		m.roster.Join(m.self.ID, m.self.DisplayName, now)
		m.bindSession(ctx, true)
		m.setState(models.SessionStateActive)
		m.announce(ctx)

		log.Info().
			Str("session_id", m.session.ID.String()).
			Str("world_id", worldID).
			Msg("hosting session")
		return m.session, nil
	})
}

// Join asks the host of sessionID to admit this rider and waits for the answer.
func (m *Manager) Join(ctx context.Context, sessionID uuid.UUID) (models.Session, error) {
	ch, err := mailbox.Call(ctx, m.box, func() (chan joinResult, error) {
		return m.startJoin(ctx, sessionID)
	})
	if err != nil {
		return models.Session{}, err
	}

	select {
	case res := <-ch:
		return res.session, res.err
	case <-ctx.Done():
		m.box.Post(func() {
			if m.join != nil && m.join.result == ch {
				m.failJoin(m.join, ctx.Err())
			}
		})
		return models.Session{}, ctx.Err()
	case <-m.box.Done():
		return models.Session{}, mailbox.ErrClosed
	}
}

// Leave announces our departure to every participant and ends the session locally.
func (m *Manager) Leave(ctx context.Context) error {
	var err error
	doErr := m.box.Do(ctx, func() {
		if m.state != models.SessionStateActive {
			err = invalid(m.state, models.SessionStateEnded)
			return
		}
		at := m.clock.Now()
		leave := &wire.SessionLeave{SessionID: m.session.ID, RiderID: m.self.ID, At: at.UnixNano()}
		for _, rider := range m.others() {
			m.send(ctx, rider, leave)
		}
		m.roster.Leave(m.self.ID, at)
		log.Info().Str("session_id", m.session.ID.String()).Msg("left session")
		m.endLocal(ctx, at)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// End closes the session for everyone. Host only.
func (m *Manager) End(ctx context.Context) error {
	var err error
	doErr := m.box.Do(ctx, func() {
		if m.state != models.SessionStateActive {
			err = invalid(m.state, models.SessionStateEnded)
			return
		}
		if m.session.HostRiderID != m.self.ID {
			err = ErrNotHost
			return
		}
		at := m.clock.Now()
		end := &wire.SessionEnd{SessionID: m.session.ID, At: at.UnixNano()}
		for _, rider := range m.others() {
			m.send(ctx, rider, end)
		}
		m.leaveAll(at)
		log.Info().Str("session_id", m.session.ID.String()).Msg("ended session")
		m.endLocal(ctx, at)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// State returns the current lifecycle state.
func (m *Manager) State(ctx context.Context) (models.SessionState, error) {
	return mailbox.Call(ctx, m.box, func() (models.SessionState, error) { return m.state, nil })
}

// Current returns the current or most recent session.
func (m *Manager) Current(ctx context.Context) (models.Session, error) {
	return mailbox.Call(ctx, m.box, func() (models.Session, error) {
		if m.session.ID == uuid.Nil {
			return models.Session{}, ErrNotInSession
		}
		return m.session, nil
	})
}

// Participants returns every roster entry with live data attached.
func (m *Manager) Participants(ctx context.Context) ([]models.Participant, error) {
	return mailbox.Call(ctx, m.box, func() ([]models.Participant, error) {
		return m.participants(), nil
	})
}

// Members returns the other riders currently active in the session.
func (m *Manager) Members(ctx context.Context) ([]uuid.UUID, error) {
	return mailbox.Call(ctx, m.box, func() ([]uuid.UUID, error) {
		if m.state != models.SessionStateActive {
			return nil, ErrNotInSession
		}
		return m.others(), nil
	})
}

// Announcements returns the sessions seen through SessionAnnounce.
func (m *Manager) Announcements(ctx context.Context) ([]Announcement, error) {
	return mailbox.Call(ctx, m.box, func() ([]Announcement, error) {
		out := make([]Announcement, 0, len(m.announced))
		for _, a := range m.announced {
			out = append(out, a)
		}
		return out, nil
	})
}

func (m *Manager) startJoin(ctx context.Context, sessionID uuid.UUID) (chan joinResult, error) {
	m.resetIfEnded()
	if !canTransition(m.state, models.SessionStateJoining) {
		return nil, invalid(m.state, models.SessionStateJoining)
	}

	hostID, err := m.lookupHost(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.setState(models.SessionStateJoining)
	attempt := &joinAttempt{
		sessionID: sessionID,
		hostID:    hostID,
		requestID: uuid.New(),
		result:    make(chan joinResult, 1),
	}
	m.join = attempt
	m.sendJoin(ctx, attempt)
	m.scheduleJoinRetry(ctx, attempt)
	attempt.timeout = m.clock.AfterFunc(m.cfg.JoinTimeout, func() {
		m.box.Post(func() { m.failJoin(attempt, ErrJoinTimeout) })
	})

	log.Info().
		Str("session_id", sessionID.String()).
		Str("host_id", hostID.String()).
		Str("request_id", attempt.requestID.String()).
		Msg("joining session")
	return attempt.result, nil
}

func (m *Manager) lookupHost(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error) {
	hostID := uuid.Nil
	if a, ok := m.announced[sessionID]; ok {
		hostID = a.HostID
	} else if m.dir != nil {
		sessions, err := m.dir.Sessions(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read discovered sessions")
		}
		for _, s := range sessions {
			if s.ID == sessionID && s.HostID != uuid.Nil {
				hostID = s.HostID
				break
			}
		}
	}
	if hostID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if _, ok := m.tr.PeerAddr(hostID); !ok {
		return uuid.Nil, fmt.Errorf("%w: host %s unreachable", ErrSessionNotFound, hostID)
	}
	return hostID, nil
}

func (m *Manager) sendJoin(ctx context.Context, a *joinAttempt) {
	m.send(ctx, a.hostID, &wire.SessionJoin{
		SessionID:   a.sessionID,
		RiderID:     m.self.ID,
		RequestID:   a.requestID,
		DisplayName: m.self.DisplayName,
		At:          m.clock.Now().UnixNano(),
	})
}

// scheduleJoinRetry resends the join until it is answered or times out.
func (m *Manager) scheduleJoinRetry(ctx context.Context, a *joinAttempt) {
	a.retry = m.clock.AfterFunc(m.cfg.JoinRetry, func() {
		m.box.Post(func() {
			if m.join != a {
				return
			}
			m.sendJoin(ctx, a)
			m.scheduleJoinRetry(ctx, a)
		})
	})
}

func (m *Manager) stopJoin(a *joinAttempt) {
	if a.timeout != nil {
		a.timeout.Stop()
	}
	if a.retry != nil {
		a.retry.Stop()
	}
	m.join = nil
}

func (m *Manager) failJoin(a *joinAttempt, err error) {
	if m.join != a {
		return
	}
	m.stopJoin(a)
	m.setState(models.SessionStateIdle)
	log.Warn().Err(err).Str("session_id", a.sessionID.String()).Msg("join failed")
	a.result <- joinResult{err: err}
}

func (m *Manager) completeJoin(ctx context.Context, in transport.Inbound, p *wire.SessionAccept) {
	a := m.join
	m.stopJoin(a)

	m.session = models.Session{
		ID:          p.SessionID,
		HostRiderID: in.Msg.Sender,
		HostName:    p.HostName,
		WorldID:     p.WorldID,
		CreatedAt:   remoteTime(in, p.CreatedAt),
	}
	m.roster = NewRoster(p.SessionID)
	m.roster.Merge(p.Roster, clockShift(in))
	if !m.roster.Active(m.self.ID) {
		m.roster.Join(m.self.ID, m.self.DisplayName, m.clock.Now())
	}
	m.tr.LearnPeer(in.Msg.Sender, in.From)
	m.bindSession(ctx, false)
	m.setState(models.SessionStateActive)

	for _, rider := range m.roster.ActiveRiders() {
		if rider != m.self.ID {
			m.emitParticipant(EventParticipantJoined, rider)
		}
	}
	log.Info().
		Str("session_id", m.session.ID.String()).
		Int("participants", m.roster.ActiveCount()).
		Msg("joined session")
	a.result <- joinResult{session: m.session}
}

// bindSession points transport heartbeats and the discovery TXT at the current session.
func (m *Manager) bindSession(ctx context.Context, host bool) {
	m.tr.SetSession(m.session.ID)
	if m.dir == nil {
		return
	}
	if err := m.dir.SetSession(ctx, m.session.ID, host); err != nil {
		log.Warn().Err(err).Msg("failed to advertise session")
	}
}

func (m *Manager) endLocal(ctx context.Context, at time.Time) {
	m.session.EndedAt = &at
	m.setState(models.SessionStateEnded)
	m.tr.SetSession(uuid.Nil)
	if m.dir != nil {
		if err := m.dir.SetSession(ctx, uuid.Nil, false); err != nil {
			log.Warn().Err(err).Msg("failed to clear advertised session")
		}
	}
	m.publish(Event{Type: EventEnded, Session: m.session, Participants: m.participants()})
}

func (m *Manager) leaveAll(at time.Time) {
	for _, rider := range m.roster.ActiveRiders() {
		m.leave(rider, at)
	}
}

// leave closes rider's open entry at at, or at its join instant when at would
// sort before it. Remote clock estimates can be off by the LAN latency.
func (m *Manager) leave(rider uuid.UUID, at time.Time) bool {
	if p, ok := m.roster.Current(rider); ok && p.Active() && at.Before(p.JoinedAt) {
		at = p.JoinedAt
	}
	return m.roster.Leave(rider, at)
}

func (m *Manager) resetIfEnded() {
	if m.state != models.SessionStateEnded {
		return
	}
	m.setState(models.SessionStateIdle)
	m.resetSession()
}

func (m *Manager) resetSession() {
	m.session = models.Session{}
	m.roster = NewRoster(uuid.Nil)
	m.lastRequest = make(map[uuid.UUID]uuid.UUID)
	m.disconnected = make(map[uuid.UUID]bool)
	m.metrics = make(map[uuid.UUID]*models.Metrics)
	m.heartbeats = make(map[uuid.UUID]time.Time)
}

func (m *Manager) setState(s models.SessionState) {
	if m.state == s {
		return
	}
	log.Debug().Str("from", string(m.state)).Str("to", string(s)).Msg("session state changed")
	m.state = s
	m.session.State = s
	m.publish(Event{Type: EventStateChanged, Session: m.session})
}

func (m *Manager) isHost() bool {
	return m.state == models.SessionStateActive && m.session.HostRiderID == m.self.ID
}

func (m *Manager) others() []uuid.UUID {
	var out []uuid.UUID
	for _, rider := range m.roster.ActiveRiders() {
		if rider != m.self.ID {
			out = append(out, rider)
		}
	}
	return out
}

func (m *Manager) participants() []models.Participant {
	parts := m.roster.Participants()
	for i := range parts {
		p := &parts[i]
		if !p.Active() {
			continue
		}
		p.LastMetrics = m.metrics[p.RiderID]
		p.LastHeartbeat = m.heartbeats[p.RiderID]
		p.Connected = !m.disconnected[p.RiderID]
	}
	return parts
}

func (m *Manager) emitParticipant(t EventType, rider uuid.UUID) {
	p, ok := m.roster.Current(rider)
	if !ok {
		return
	}
	if p.Active() {
		p.LastMetrics = m.metrics[rider]
		p.LastHeartbeat = m.heartbeats[rider]
		p.Connected = !m.disconnected[rider]
	}
	m.publish(Event{Type: t, Session: m.session, Participant: &p})
}

func (m *Manager) send(ctx context.Context, rider uuid.UUID, p wire.Payload) {
	if err := m.tr.Send(ctx, rider, p); err != nil {
		log.Debug().Err(err).Str("rider_id", rider.String()).Str("tag", p.Tag().String()).Msg("session send failed")
	}
}

func (m *Manager) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("session event dropped")
	}
}
