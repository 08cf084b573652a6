package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/transport"
	"github.com/mcdev12/lanride/go/internal/wire"
	"github.com/rs/zerolog/log"
)

// handle routes one inbound message by tag.
func (m *Manager) handle(ctx context.Context, in transport.Inbound) {
	switch p := in.Msg.Payload.(type) {
	case *wire.SessionAnnounce:
		m.handleAnnounce(ctx, in, p)
	case *wire.SessionJoin:
		m.handleJoin(ctx, in, p)
	case *wire.SessionAccept:
		m.handleAccept(ctx, in, p)
	case *wire.SessionReject:
		m.handleReject(in, p)
	case *wire.SessionLeave:
		m.handleLeave(ctx, in, p)
	case *wire.SessionEnd:
		m.handleEnd(ctx, in, p)
	case *wire.Heartbeat:
		m.handleHeartbeat(ctx, in, p)
	case *wire.MetricUpdate:
		m.handleMetrics(in, p)
	default:
		log.Warn().Str("tag", in.Msg.Tag.String()).Msg("session: unexpected message")
	}
}

func (m *Manager) inSession(id uuid.UUID) bool {
	return m.state == models.SessionStateActive && id == m.session.ID
}

func (m *Manager) handleAnnounce(ctx context.Context, in transport.Inbound, p *wire.SessionAnnounce) {
	sender := in.Msg.Sender
	m.tr.LearnPeer(sender, in.From)

	if !m.inSession(p.SessionID) {
		m.announced[p.SessionID] = Announcement{
			SessionID: p.SessionID,
			HostID:    sender,
			HostName:  p.HostName,
			WorldID:   p.WorldID,
			SeenAt:    in.ReceivedAt,
		}
		return
	}

	switch {
	case m.isHost():
		// A member re-announcing after an outage wants our roster.
		if m.disconnected[sender] {
			m.recover(ctx, sender)
			return
		}
		if m.roster.Active(sender) {
			m.sendSnapshot(ctx, sender, uuid.Nil)
		}
	case sender == m.session.HostRiderID:
		if m.disconnected[sender] {
			m.recover(ctx, sender)
		}
	}
}

func (m *Manager) handleJoin(ctx context.Context, in transport.Inbound, p *wire.SessionJoin) {
	sender := in.Msg.Sender

	switch {
	case m.inSession(p.SessionID) && m.isHost():
		m.admit(ctx, in, p)
	case m.inSession(p.SessionID) && sender == m.session.HostRiderID:
		if p.RiderID == m.self.ID {
			return
		}
		if m.roster.Join(p.RiderID, p.DisplayName, remoteTime(in, p.At)) && m.roster.Active(p.RiderID) {
			delete(m.disconnected, p.RiderID)
			m.emitParticipant(EventParticipantJoined, p.RiderID)
		}
	case m.inSession(p.SessionID):
		log.Debug().Str("rider_id", sender.String()).Msg("ignoring join sent to non-host")
	case p.RiderID == sender:
		m.tr.LearnPeer(sender, in.From)
		m.send(ctx, sender, &wire.SessionReject{SessionID: p.SessionID, RequestID: p.RequestID, Reason: ReasonUnknownSession})
	}
}

// admit runs on the host for a join request.
func (m *Manager) admit(ctx context.Context, in transport.Inbound, p *wire.SessionJoin) {
	rider := in.Msg.Sender
	m.tr.LearnPeer(rider, in.From)

	reject := func(reason string) {
		log.Info().Str("rider_id", rider.String()).Str("reason", reason).Msg("rejecting join")
		m.send(ctx, rider, &wire.SessionReject{SessionID: p.SessionID, RequestID: p.RequestID, Reason: reason})
	}

	if m.roster.Active(rider) {
		if m.lastRequest[rider] == p.RequestID {
			m.sendSnapshot(ctx, rider, p.RequestID)
			return
		}
		reject(ReasonDuplicateJoin)
		return
	}
	if m.roster.ActiveCount() >= m.cfg.MaxParticipants {
		reject(ReasonSessionFull)
		return
	}

	at := m.clock.Now()
	m.roster.Join(rider, p.DisplayName, at)
	m.lastRequest[rider] = p.RequestID
	delete(m.disconnected, rider)
	m.sendSnapshot(ctx, rider, p.RequestID)

	relay := &wire.SessionJoin{
		SessionID:   p.SessionID,
		RiderID:     rider,
		RequestID:   p.RequestID,
		DisplayName: p.DisplayName,
		At:          at.UnixNano(),
	}
	for _, other := range m.others() {
		if other != rider {
			m.send(ctx, other, relay)
		}
	}

	log.Info().
		Str("session_id", m.session.ID.String()).
		Str("rider_id", rider.String()).
		Str("name", p.DisplayName).
		Msg("participant joined")
	m.emitParticipant(EventParticipantJoined, rider)
}

func (m *Manager) sendSnapshot(ctx context.Context, rider, requestID uuid.UUID) {
	m.send(ctx, rider, &wire.SessionAccept{
		SessionID: m.session.ID,
		RequestID: requestID,
		HostName:  m.session.HostName,
		WorldID:   m.session.WorldID,
		CreatedAt: m.session.CreatedAt.UnixNano(),
		Roster:    m.roster.Snapshot(),
	})
}

func (m *Manager) handleAccept(ctx context.Context, in transport.Inbound, p *wire.SessionAccept) {
	if a := m.join; a != nil && p.RequestID == a.requestID && p.SessionID == a.sessionID {
		m.completeJoin(ctx, in, p)
		return
	}
	if !m.inSession(p.SessionID) || in.Msg.Sender != m.session.HostRiderID {
		return
	}

	// Backfill after an outage.
	for _, rider := range m.roster.Merge(p.Roster, clockShift(in)) {
		if rider == m.self.ID {
			continue
		}
		if m.roster.Active(rider) {
			delete(m.disconnected, rider)
			m.emitParticipant(EventParticipantJoined, rider)
		} else {
			m.emitParticipant(EventParticipantLeft, rider)
		}
	}
}

func (m *Manager) handleReject(in transport.Inbound, p *wire.SessionReject) {
	a := m.join
	if a == nil || p.RequestID != a.requestID || in.Msg.Sender != a.hostID {
		return
	}
	m.failJoin(a, rejectError(p.Reason))
}

func (m *Manager) handleLeave(ctx context.Context, in transport.Inbound, p *wire.SessionLeave) {
	if !m.inSession(p.SessionID) {
		return
	}
	rider := p.RiderID
	if rider == uuid.Nil {
		rider = in.Msg.Sender
	}
	if in.Msg.Sender != rider && in.Msg.Sender != m.session.HostRiderID {
		return
	}
	if rider == m.self.ID {
		return
	}

	at := remoteTime(in, p.At)
	if !m.leave(rider, at) {
		return
	}
	delete(m.disconnected, rider)
	log.Info().Str("rider_id", rider.String()).Msg("participant left")
	m.emitParticipant(EventParticipantLeft, rider)

	if m.isHost() {
		relay := &wire.SessionLeave{SessionID: p.SessionID, RiderID: rider, At: at.UnixNano()}
		for _, other := range m.others() {
			m.send(ctx, other, relay)
		}
		return
	}

	// Without a host nobody can join; the last rider standing closes the session.
	if !m.roster.Active(m.session.HostRiderID) && len(m.others()) == 0 {
		at := m.clock.Now()
		m.roster.Leave(m.self.ID, at)
		m.endLocal(ctx, at)
	}
}

func (m *Manager) handleEnd(ctx context.Context, in transport.Inbound, p *wire.SessionEnd) {
	if !m.inSession(p.SessionID) || in.Msg.Sender != m.session.HostRiderID {
		return
	}
	at := remoteTime(in, p.At)
	m.leaveAll(at)
	log.Info().Str("session_id", p.SessionID.String()).Msg("host ended session")
	m.endLocal(ctx, at)
}

func (m *Manager) handleHeartbeat(ctx context.Context, in transport.Inbound, p *wire.Heartbeat) {
	if !m.inSession(p.SessionID) {
		return
	}
	sender := in.Msg.Sender

	switch {
	case m.roster.Active(sender):
		m.heartbeats[sender] = in.ReceivedAt
	case m.disconnected[sender]:
		m.recover(ctx, sender)
		m.heartbeats[sender] = in.ReceivedAt
	case !m.roster.Known(sender):
		// Someone in our session we never heard join; ask the host for the roster.
		m.requestBackfill(ctx)
	}
}

func (m *Manager) handleMetrics(in transport.Inbound, p *wire.MetricUpdate) {
	if !m.inSession(p.SessionID) {
		return
	}
	sender := in.Msg.Sender
	if !m.roster.Active(sender) {
		return
	}

	sentAt := in.Msg.Time()
	if prev := m.metrics[sender]; prev != nil && !sentAt.After(prev.SentAt) {
		return
	}
	m.metrics[sender] = &models.Metrics{
		Power:     p.Power,
		Cadence:   p.Cadence,
		HeartRate: p.HeartRate,
		Position:  p.Position,
		SentAt:    sentAt,
	}
	m.emitParticipant(EventMetrics, sender)
}

func (m *Manager) handleLiveness(ev transport.LivenessEvent) {
	if ev.Up || m.state != models.SessionStateActive || ev.Rider == m.self.ID {
		return
	}
	if !m.roster.Active(ev.Rider) {
		return
	}
	m.leave(ev.Rider, ev.LastSeen)
	m.disconnected[ev.Rider] = true
	log.Warn().
		Str("rider_id", ev.Rider.String()).
		Time("last_seen", ev.LastSeen).
		Msg("participant disconnected")
	m.emitParticipant(EventParticipantDisconnected, ev.Rider)
}

// recover reinstates a rider that went silent, as a new roster entry.
func (m *Manager) recover(ctx context.Context, rider uuid.UUID) {
	name := ""
	if p, ok := m.roster.Current(rider); ok {
		name = p.DisplayName
	}
	m.roster.Join(rider, name, m.clock.Now())
	delete(m.disconnected, rider)
	log.Info().Str("rider_id", rider.String()).Msg("participant recovered")
	m.emitParticipant(EventParticipantRecovered, rider)

	switch {
	case m.isHost():
		m.sendSnapshot(ctx, rider, uuid.Nil)
	case rider == m.session.HostRiderID:
		m.lastBackfill = time.Time{}
		m.requestBackfill(ctx)
	}
}

// requestBackfill re-announces to the host, which answers with its roster.
func (m *Manager) requestBackfill(ctx context.Context) {
	if m.isHost() {
		return
	}
	now := m.clock.Now()
	if !m.lastBackfill.IsZero() && now.Sub(m.lastBackfill) < m.cfg.AnnounceInterval {
		return
	}
	m.lastBackfill = now
	m.send(ctx, m.session.HostRiderID, &wire.SessionAnnounce{
		SessionID: m.session.ID,
		HostName:  m.session.HostName,
		WorldID:   m.session.WorldID,
	})
}

// announce multicasts the session while we host it.
func (m *Manager) announce(ctx context.Context) {
	if !m.isHost() {
		return
	}
	err := m.tr.Multicast(ctx, &wire.SessionAnnounce{
		SessionID: m.session.ID,
		HostName:  m.session.HostName,
		WorldID:   m.session.WorldID,
	})
	if err != nil {
		log.Debug().Err(err).Msg("session announce failed")
	}
}

// clockShift is how far the sender's clock trails ours, taken from the send
// instant in the header. LAN latency is folded into it.
func clockShift(in transport.Inbound) time.Duration {
	return in.ReceivedAt.Sub(in.Msg.Time())
}

// remoteTime maps an instant stamped by the sender onto our clock. It never
// lies after the receive instant.
func remoteTime(in transport.Inbound, at int64) time.Time {
	t := time.Unix(0, at).Add(clockShift(in))
	if t.After(in.ReceivedAt) {
		return in.ReceivedAt
	}
	return t
}
