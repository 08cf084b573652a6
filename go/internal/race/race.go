package race

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/lanride/go/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid race transition")
	ErrRaceNotFound      = errors.New("race not found")
	ErrNotOrganizer      = errors.New("only the organizer can do this")
	ErrNotRegistered     = errors.New("rider is not registered for the race")
	ErrRegistrationOver  = errors.New("race already started")
)

var allowedRaceTransitions = map[models.RaceStatus][]models.RaceStatus{
	models.RaceStatusScheduled:  {models.RaceStatusCountdown, models.RaceStatusInProgress, models.RaceStatusCancelled},
	models.RaceStatusCountdown:  {models.RaceStatusInProgress, models.RaceStatusCancelled},
	models.RaceStatusInProgress: {models.RaceStatusFinished, models.RaceStatusCancelled},
	models.RaceStatusFinished:   {},
	models.RaceStatusCancelled:  {},
}

func validateTransition(from, to models.RaceStatus) error {
	for _, allowed := range allowedRaceTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}

// ChangeType names what a Tick or an update did to a race.
type ChangeType string

const (
	ChangeCreated       ChangeType = "RaceCreated"
	ChangeRacerJoined   ChangeType = "RacerJoined"
	ChangeCountdown     ChangeType = "RaceCountdown"
	ChangeStarted       ChangeType = "RaceStarted"
	ChangeRacerFinished ChangeType = "RacerFinished"
	ChangeRacerDNF      ChangeType = "RacerDNF"
	ChangeFinished      ChangeType = "RaceFinished"
	ChangeCancelled     ChangeType = "RaceCancelled"
)

type Change struct {
	Type             ChangeType
	Rider            uuid.UUID
	SecondsRemaining int
}

// Race is the state machine of one race. All instants passed as "now" are
// corrected to the organizer's clock; disconnect bookkeeping uses the local clock.
type Race struct {
	ev    models.RaceEvent
	grace time.Duration

	// seconds remaining last reported while counting down
	lastSecond int
}

// NewRace creates a race in the Scheduled state.
func NewRace(ev models.RaceEvent, grace time.Duration) *Race {
	ev.Status = models.RaceStatusScheduled
	if ev.Participants == nil {
		ev.Participants = make(map[uuid.UUID]*models.RaceParticipant)
	}
	return &Race{ev: ev, grace: grace, lastSecond: -1}
}

func (r *Race) ID() uuid.UUID { return r.ev.ID }

func (r *Race) Status() models.RaceStatus { return r.ev.Status }

func (r *Race) Organizer() uuid.UUID { return r.ev.OrganizerID }

func (r *Race) Participant(rider uuid.UUID) (models.RaceParticipant, bool) {
	p, ok := r.ev.Participants[rider]
	if !ok {
		return models.RaceParticipant{}, false
	}
	return cloneParticipant(p), true
}

// Event returns a deep copy of the race.
func (r *Race) Event() models.RaceEvent {
	out := r.ev
	out.Participants = make(map[uuid.UUID]*models.RaceParticipant, len(r.ev.Participants))
	for id, p := range r.ev.Participants {
		cp := cloneParticipant(p)
		out.Participants[id] = &cp
	}
	return out
}

// Register adds rider before the start. Registering twice is a no-op.
func (r *Race) Register(rider uuid.UUID, name string) error {
	if _, ok := r.ev.Participants[rider]; ok {
		return nil
	}
	switch r.ev.Status {
	case models.RaceStatusScheduled, models.RaceStatusCountdown:
	default:
		return fmt.Errorf("%w: race is %s", ErrRegistrationOver, r.ev.Status)
	}
	r.ev.Participants[rider] = &models.RaceParticipant{
		RiderID:     rider,
		DisplayName: name,
		Status:      models.RacerStatusRegistered,
	}
	return nil
}

// Tick advances the schedule and applies the grace period.
func (r *Race) Tick(localNow, now time.Time) []Change {
	var changes []Change

	if r.ev.Status == models.RaceStatusScheduled && !now.Before(r.ev.ScheduledStart.Add(-r.ev.Countdown)) {
		if now.Before(r.ev.ScheduledStart) {
			r.ev.Status = models.RaceStatusCountdown
		}
	}
	if r.ev.Status == models.RaceStatusCountdown {
		remaining := int(math.Ceil(r.ev.ScheduledStart.Sub(now).Seconds()))
		if remaining > 0 && remaining != r.lastSecond {
			r.lastSecond = remaining
			changes = append(changes, Change{Type: ChangeCountdown, SecondsRemaining: remaining})
		}
	}
	if (r.ev.Status == models.RaceStatusScheduled || r.ev.Status == models.RaceStatusCountdown) &&
		!now.Before(r.ev.ScheduledStart) {
		r.start()
		changes = append(changes, Change{Type: ChangeStarted})
	}

	if r.ev.Status != models.RaceStatusInProgress {
		return changes
	}

	for _, id := range r.riderIDs() {
		p := r.ev.Participants[id]
		if p.Status.Terminal() || p.DisconnectedSince == nil {
			continue
		}
		if localNow.Sub(*p.DisconnectedSince) >= r.grace {
			p.Status = models.RacerStatusDNF
			changes = append(changes, Change{Type: ChangeRacerDNF, Rider: id})
		}
	}

	if r.allDone() {
		r.finish(now)
		changes = append(changes, Change{Type: ChangeFinished})
	}
	return changes
}

// start puts registered racers on course. A racer disconnected during the
// countdown keeps its DisconnectedSince, so the grace period runs on.
func (r *Race) start() {
	r.ev.Status = models.RaceStatusInProgress
	started := r.ev.ScheduledStart
	r.ev.StartedAt = &started
	for _, p := range r.ev.Participants {
		if p.Status == models.RacerStatusRegistered {
			p.Status = models.RacerStatusRacing
		}
	}
}

func (r *Race) allDone() bool {
	if len(r.ev.Participants) == 0 {
		return false
	}
	for _, p := range r.ev.Participants {
		if !p.Status.Terminal() {
			return false
		}
	}
	return true
}

func (r *Race) finish(at time.Time) {
	r.ev.Status = models.RaceStatusFinished
	r.ev.EndedAt = &at
}

// Position records a racer's progress. It returns true if the racer came back from a disconnect.
func (r *Race) Position(rider uuid.UUID, distance float64, elapsed time.Duration) (bool, error) {
	p, ok := r.ev.Participants[rider]
	if !ok {
		return false, ErrNotRegistered
	}
	if r.ev.Status != models.RaceStatusInProgress || p.Status != models.RacerStatusRacing {
		return false, fmt.Errorf("%w: position for %s racer in %s race", ErrInvalidTransition, p.Status, r.ev.Status)
	}
	if distance > p.Distance {
		p.Distance = distance
	}
	if elapsed > p.Elapsed {
		p.Elapsed = elapsed
	}
	resumed := p.DisconnectedSince != nil
	p.DisconnectedSince = nil
	return resumed, nil
}

// Finish records a finish at the given corrected instant and re-ranks all finishers.
func (r *Race) Finish(rider uuid.UUID, at time.Time) error {
	p, ok := r.ev.Participants[rider]
	if !ok {
		return ErrNotRegistered
	}
	if r.ev.Status != models.RaceStatusInProgress {
		return fmt.Errorf("%w: finish in %s race", ErrInvalidTransition, r.ev.Status)
	}
	if p.Status.Terminal() {
		return fmt.Errorf("%w: racer already %s", ErrInvalidTransition, p.Status)
	}
	p.Status = models.RacerStatusFinished
	p.FinishTime = &at
	p.DisconnectedSince = nil
	if d := r.ev.CourseLength; d > p.Distance {
		p.Distance = d
	}
	if r.ev.StartedAt != nil {
		p.Elapsed = at.Sub(*r.ev.StartedAt)
	}
	r.rank()
	return nil
}

// rank orders finishers by finish time, ties broken by rider id.
func (r *Race) rank() {
	var finished []*models.RaceParticipant
	for _, p := range r.ev.Participants {
		if p.Status == models.RacerStatusFinished {
			finished = append(finished, p)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		a, b := finished[i], finished[j]
		if !a.FinishTime.Equal(*b.FinishTime) {
			return a.FinishTime.Before(*b.FinishTime)
		}
		return bytes.Compare(a.RiderID[:], b.RiderID[:]) < 0
	})
	for i, p := range finished {
		rank := i + 1
		p.FinishRank = &rank
	}
}

// Disconnect starts the grace period at lastSeen (local clock).
func (r *Race) Disconnect(rider uuid.UUID, lastSeen time.Time) bool {
	p, ok := r.ev.Participants[rider]
	if !ok || p.Status.Terminal() || p.DisconnectedSince != nil || r.ev.Status.Terminal() {
		return false
	}
	p.DisconnectedSince = &lastSeen
	return true
}

// Resume ends a grace period. A rider already marked DNF stays DNF.
func (r *Race) Resume(rider uuid.UUID) error {
	p, ok := r.ev.Participants[rider]
	if !ok {
		return ErrNotRegistered
	}
	if p.Status == models.RacerStatusDNF {
		return fmt.Errorf("%w: racer is DNF", ErrInvalidTransition)
	}
	p.DisconnectedSince = nil
	return nil
}

// Cancel aborts a race that has not ended.
func (r *Race) Cancel(at time.Time) error {
	if err := validateTransition(r.ev.Status, models.RaceStatusCancelled); err != nil {
		return err
	}
	r.ev.Status = models.RaceStatusCancelled
	r.ev.EndedAt = &at
	return nil
}

// ForceEnd freezes the results. Racers still on course are marked DNF.
func (r *Race) ForceEnd(at time.Time) ([]uuid.UUID, error) {
	if err := validateTransition(r.ev.Status, models.RaceStatusFinished); err != nil {
		return nil, err
	}
	var dnf []uuid.UUID
	for _, id := range r.riderIDs() {
		p := r.ev.Participants[id]
		if !p.Status.Terminal() {
			p.Status = models.RacerStatusDNF
			dnf = append(dnf, id)
		}
	}
	r.finish(at)
	return dnf, nil
}

// Standings lists finishers by rank, then racers by distance, then DNFs.
func (r *Race) Standings() []models.RaceParticipant {
	out := make([]models.RaceParticipant, 0, len(r.ev.Participants))
	for _, p := range r.ev.Participants {
		out = append(out, cloneParticipant(p))
	}
	order := map[models.RacerStatus]int{
		models.RacerStatusFinished:   0,
		models.RacerStatusRacing:     1,
		models.RacerStatusRegistered: 2,
		models.RacerStatusDNF:        3,
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if order[a.Status] != order[b.Status] {
			return order[a.Status] < order[b.Status]
		}
		if a.Status == models.RacerStatusFinished {
			return *a.FinishRank < *b.FinishRank
		}
		if a.Distance != b.Distance {
			return a.Distance > b.Distance
		}
		return bytes.Compare(a.RiderID[:], b.RiderID[:]) < 0
	})
	return out
}

func (r *Race) riderIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.ev.Participants))
	for id := range r.ev.Participants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

func cloneParticipant(p *models.RaceParticipant) models.RaceParticipant {
	out := *p
	if p.FinishTime != nil {
		t := *p.FinishTime
		out.FinishTime = &t
	}
	if p.FinishRank != nil {
		r := *p.FinishRank
		out.FinishRank = &r
	}
	if p.DisconnectedSince != nil {
		t := *p.DisconnectedSince
		out.DisconnectedSince = &t
	}
	return out
}
