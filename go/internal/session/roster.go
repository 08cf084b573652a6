package session

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/wire"
)

type eventKind uint8

const (
	kindJoin eventKind = iota
	kindLeave
)

type rosterEvent struct {
	kind eventKind
	at   time.Time
	name string
	seq  uint64
}

// Roster is a per-rider log of join and leave events. The participant list is
// derived by replaying each log in (at, kind, seq) order, so the result does not
// depend on the order events were delivered in.
type Roster struct {
	sessionID uuid.UUID
	logs      map[uuid.UUID][]rosterEvent
	seq       uint64
}

func NewRoster(sessionID uuid.UUID) *Roster {
	return &Roster{sessionID: sessionID, logs: make(map[uuid.UUID][]rosterEvent)}
}

// Join records rider joining at at. Duplicate events are ignored.
func (r *Roster) Join(rider uuid.UUID, name string, at time.Time) bool {
	return r.add(rider, rosterEvent{kind: kindJoin, at: at, name: name})
}

// Leave records rider leaving at at. Duplicate events are ignored.
func (r *Roster) Leave(rider uuid.UUID, at time.Time) bool {
	return r.add(rider, rosterEvent{kind: kindLeave, at: at})
}

func (r *Roster) add(rider uuid.UUID, ev rosterEvent) bool {
	for _, e := range r.logs[rider] {
		if e.kind == ev.kind && e.at.Equal(ev.at) {
			return false
		}
	}
	r.seq++
	ev.seq = r.seq
	log := append(r.logs[rider], ev)
	sort.SliceStable(log, func(i, j int) bool {
		a, b := log[i], log[j]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		return a.seq < b.seq
	})
	r.logs[rider] = log
	return true
}

// near reports whether rider's log already holds a kind event within mergeTolerance of at.
func (r *Roster) near(rider uuid.UUID, kind eventKind, at time.Time) bool {
	for _, e := range r.logs[rider] {
		if e.kind != kind {
			continue
		}
		if d := e.at.Sub(at); d < mergeTolerance && d > -mergeTolerance {
			return true
		}
	}
	return false
}

// replay derives rider's participant entries. A join while active and a leave
// while inactive are no-ops; every join after a leave opens a new entry.
func (r *Roster) replay(rider uuid.UUID) []models.Participant {
	var (
		out    []models.Participant
		active bool
		name   string
	)
	for _, e := range r.logs[rider] {
		if e.name != "" {
			name = e.name
		}
		switch e.kind {
		case kindJoin:
			if active {
				continue
			}
			active = true
			out = append(out, models.Participant{
				RiderID:   rider,
				SessionID: r.sessionID,
				JoinedAt:  e.at,
			})
		case kindLeave:
			if !active {
				continue
			}
			active = false
			left := e.at
			out[len(out)-1].LeftAt = &left
		}
	}
	for i := range out {
		out[i].DisplayName = name
	}
	return out
}

// Participants returns every entry, ordered by join time then rider id.
func (r *Roster) Participants() []models.Participant {
	var out []models.Participant
	for rider := range r.logs {
		out = append(out, r.replay(rider)...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].RiderID.String() < out[j].RiderID.String()
	})
	return out
}

// Current returns rider's latest entry.
func (r *Roster) Current(rider uuid.UUID) (models.Participant, bool) {
	entries := r.replay(rider)
	if len(entries) == 0 {
		return models.Participant{}, false
	}
	return entries[len(entries)-1], true
}

func (r *Roster) Active(rider uuid.UUID) bool {
	p, ok := r.Current(rider)
	return ok && p.Active()
}

// Known reports whether rider has ever been in the session.
func (r *Roster) Known(rider uuid.UUID) bool {
	return len(r.logs[rider]) > 0
}

// ActiveRiders returns riders with an open entry, sorted by id.
func (r *Roster) ActiveRiders() []uuid.UUID {
	var out []uuid.UUID
	for rider := range r.logs {
		if r.Active(rider) {
			out = append(out, rider)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (r *Roster) ActiveCount() int {
	return len(r.ActiveRiders())
}

// Snapshot encodes every entry for a SessionAccept.
func (r *Roster) Snapshot() []wire.RosterEntry {
	parts := r.Participants()
	out := make([]wire.RosterEntry, 0, len(parts))
	for _, p := range parts {
		e := wire.RosterEntry{RiderID: p.RiderID, DisplayName: p.DisplayName, JoinedAt: p.JoinedAt.UnixNano()}
		if p.LeftAt != nil {
			e.LeftAt = p.LeftAt.UnixNano()
		}
		out = append(out, e)
	}
	return out
}

// mergeTolerance absorbs the jitter in shifting the same snapshot entry twice.
const mergeTolerance = 250 * time.Millisecond

// Merge folds a snapshot into the log and returns the riders whose log changed.
// shift moves the sender's timestamps onto the local clock.
func (r *Roster) Merge(entries []wire.RosterEntry, shift time.Duration) []uuid.UUID {
	changed := make(map[uuid.UUID]bool)
	for _, e := range entries {
		joined := time.Unix(0, e.JoinedAt).Add(shift)
		if !r.near(e.RiderID, kindJoin, joined) && r.Join(e.RiderID, e.DisplayName, joined) {
			changed[e.RiderID] = true
		}
		if e.LeftAt == 0 {
			continue
		}
		left := time.Unix(0, e.LeftAt).Add(shift)
		if !r.near(e.RiderID, kindLeave, left) && r.Leave(e.RiderID, left) {
			changed[e.RiderID] = true
		}
	}
	out := make([]uuid.UUID, 0, len(changed))
	for id := range changed {
		out = append(out, id)
	}
	return out
}
