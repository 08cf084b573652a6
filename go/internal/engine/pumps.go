package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcdev12/lanride/go/internal/chat"
	"github.com/mcdev12/lanride/go/internal/discovery"
	"github.com/mcdev12/lanride/go/internal/events"
	"github.com/mcdev12/lanride/go/internal/history"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/session"
	"github.com/mcdev12/lanride/go/internal/transport"
	"github.com/rs/zerolog/log"
)

func (e *Engine) pumpSession(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.sessions.Events():
			e.handleSession(ctx, ev)
		}
	}
}

func (e *Engine) handleSession(ctx context.Context, ev session.Event) {
	id := ev.Session.ID
	switch ev.Type {
	case session.EventStateChanged:
		if ev.Session.State == models.SessionStateActive {
			e.openSession(ctx, ev.Session)
		}
		e.publish(events.TypeSessionStateChanged, id, events.SessionStatePayload{
			SessionID: idString(id),
			State:     ev.Session.State,
			HostID:    idString(ev.Session.HostRiderID),
			WorldID:   ev.Session.WorldID,
		})
	case session.EventParticipantJoined, session.EventParticipantLeft,
		session.EventParticipantDisconnected, session.EventParticipantRecovered, session.EventMetrics:
		if ev.Participant == nil {
			return
		}
		e.publish(events.Type(ev.Type), id, events.ParticipantPayload{Participant: *ev.Participant})
	case session.EventEnded:
		e.finishSession(ctx, ev)
	}
}

// openSession scopes chat and races to the session that just became active.
func (e *Engine) openSession(ctx context.Context, sess models.Session) {
	id := sess.ID
	e.mu.Lock()
	if e.open == id {
		e.mu.Unlock()
		return
	}
	e.open = id
	e.openDone = make(chan struct{})
	e.mu.Unlock()

	// A joiner arrives after the host and others may already have chatted.
	midSession := sess.HostRiderID != e.opts.Self.ID
	if err := e.chat.Open(ctx, id, midSession); err != nil {
		log.Error().Err(err).Str("session_id", id.String()).Msg("failed to open chat")
	}
	if err := e.races.Open(ctx, id); err != nil {
		log.Error().Err(err).Str("session_id", id.String()).Msg("failed to open races")
	}
}

// finishSession closes chat and races and hands the session record to the sinks.
func (e *Engine) finishSession(ctx context.Context, ev session.Event) {
	h := models.SessionHistory{Session: ev.Session, Participants: ev.Participants}

	msgs, err := e.chat.Close(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to close chat")
	}
	h.Chat = msgs

	races, err := e.races.Close(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to close races")
	}
	h.Races = races

	endedAt := e.clock.Now()
	if ev.Session.EndedAt != nil {
		endedAt = *ev.Session.EndedAt
	}
	e.publish(events.TypeSessionEnded, ev.Session.ID, events.SessionEndedPayload{
		SessionID:    ev.Session.ID.String(),
		EndedAt:      endedAt,
		Participants: ev.Participants,
	})

	if len(e.opts.Sinks) > 0 {
		if err := e.history.Submit(h); err != nil {
			log.Error().Err(err).Str("session_id", ev.Session.ID.String()).Msg("failed to queue session history")
		}
	}

	e.mu.Lock()
	if e.openDone != nil {
		close(e.openDone)
	}
	e.open = uuid.Nil
	e.openDone = nil
	e.mu.Unlock()
}

func (e *Engine) historyDone(res history.Result) {
	id := res.History.Session.ID
	for sink, err := range res.Failed {
		log.Error().Err(err).Str("sink", sink).Str("session_id", id.String()).Msg("session history lost")
	}
	e.publish(events.TypeHistoryStored, id, events.HistoryPayload{SessionID: id.String(), Sinks: res.Stored})
}

func (e *Engine) pumpChat(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.chat.Events():
			t := events.TypeChatMessageReceived
			if ev.Type == chat.EventStatusChanged {
				t = events.TypeChatStatusChanged
			}
			e.publish(t, ev.Message.SessionID, events.ChatPayload{Message: ev.Message})
		}
	}
}

func (e *Engine) pumpRace(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.races.Events():
			e.publish(events.Type(ev.Type), ev.Race.SessionID, events.RacePayload{
				Race:             ev.Race,
				RiderID:          idString(ev.Rider),
				SecondsRemaining: ev.SecondsRemaining,
			})
		}
	}
}

func (e *Engine) pumpClock(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-e.clk.Updates():
			t := events.TypeOffsetUpdated
			if u.Degraded {
				t = events.TypeClockSyncDegraded
			}
			e.publish(t, e.currentSession(), events.ClockPayload{
				PeerID:   u.Peer.String(),
				Offset:   u.Offset,
				RTT:      u.RTT,
				Samples:  u.Samples,
				Degraded: u.Degraded,
			})
		}
	}
}

// pumpLiveness refreshes discovery from transport traffic and reports reachability.
func (e *Engine) pumpLiveness(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-e.liveness:
			if !ok {
				<-ctx.Done()
				return nil
			}
			e.handleLiveness(ev)
		}
	}
}

func (e *Engine) handleLiveness(ev transport.LivenessEvent) {
	peer := models.Peer{RiderID: ev.Rider, Addr: ev.Addr, LastSeen: ev.LastSeen}
	if !ev.Up {
		e.publish(events.TypePeerUnreachable, e.currentSession(), events.PeerPayload{Peer: peer, LastSeen: ev.LastSeen})
		return
	}
	if e.disc != nil {
		e.disc.Touch(ev.Rider, ev.Addr)
	}
	e.publish(events.TypePeerReachable, e.currentSession(), events.PeerPayload{Peer: peer, LastSeen: ev.LastSeen})
}

// pumpDiscovery hands peer addresses to the transport.
func (e *Engine) pumpDiscovery(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.disc.Events():
			switch ev.Type {
			case discovery.PeerAppeared, discovery.PeerUpdated:
				if ev.Peer.Addr.IsValid() {
					e.tr.LearnPeer(ev.Peer.RiderID, ev.Peer.Addr)
				}
			case discovery.Disabled:
				e.publish(events.TypeDiscoveryDisabled, uuid.Nil, events.StatusPayload{
					Status: "discovery disabled",
					Reason: "no interface supports multicast",
				})
				continue
			}
			e.publish(events.Type(ev.Type), e.currentSession(), events.PeerPayload{Peer: ev.Peer, LastSeen: ev.Peer.LastSeen})
		}
	}
}

// pumpMetrics broadcasts samples from the metrics source while a session is active.
func (e *Engine) pumpMetrics(ctx context.Context) error {
	for {
		m, err := e.opts.Source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = e.BroadcastMetrics(ctx, m)
		switch {
		case err == nil, errors.Is(err, session.ErrNotInSession), errors.Is(err, transport.ErrRateLimited):
		case ctx.Err() != nil:
			return nil
		default:
			log.Debug().Err(err).Msg("metric sample not sent")
		}
	}
}

func (e *Engine) publish(t events.Type, sessionID uuid.UUID, payload any) {
	if _, err := e.bus.Publish(t, sessionID, payload); err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("failed to publish event")
	}
}

func (e *Engine) currentSession() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

func idString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
