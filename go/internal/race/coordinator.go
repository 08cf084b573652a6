// Package race schedules and scores races between riders of a session.
//
// The organizer's clock is the time base. Every node converts its local time with
// the clock offset of the organizer, so countdowns and the start line up across
// machines whose wall clocks disagree.
package race

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/common/mailbox"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/transport"
	"github.com/mcdev12/lanride/go/internal/wire"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultGracePeriod  = 60 * time.Second
	DefaultCountdown    = 10 * time.Second
	resendInterval      = time.Second
)

var (
	ErrNotOpen         = errors.New("race coordinator is not open for a session")
	ErrInvalidSchedule = errors.New("invalid race schedule")
)

type Config struct {
	TickInterval time.Duration
	GracePeriod  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	return c
}

type Transport interface {
	Self() models.Rider
	Send(ctx context.Context, rider uuid.UUID, p wire.Payload) error
	Multicast(ctx context.Context, p wire.Payload) error
}

// Offsets reports how far a peer's clock is ahead of ours.
type Offsets interface {
	Offset(ctx context.Context, rider uuid.UUID) (time.Duration, error)
}

type CreateRaceInput struct {
	ScheduledStart time.Time // organizer clock; zero means now + Countdown
	Countdown      time.Duration
	CourseLength   float64
}

type Event struct {
	Type             ChangeType
	Race             models.RaceEvent
	Rider            uuid.UUID
	SecondsRemaining int
}

type tracked struct {
	race     *Race
	offset   time.Duration
	resendAt time.Time
}

// Coordinator runs every race of the current session inside one loop.
type Coordinator struct {
	cfg      Config
	clock    clockwork.Clock
	tr       Transport
	offsets  Offsets
	inbound  <-chan transport.Inbound
	liveness <-chan transport.LivenessEvent
	box      *mailbox.Mailbox
	events   chan Event

	sessionID uuid.UUID
	races     map[uuid.UUID]*tracked
	order     []uuid.UUID
}

// New creates the coordinator. inbound must carry the race tags.
func New(
	tr Transport,
	offsets Offsets,
	inbound <-chan transport.Inbound,
	liveness <-chan transport.LivenessEvent,
	clock clockwork.Clock,
	cfg Config,
) *Coordinator {
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		tr:       tr,
		offsets:  offsets,
		inbound:  inbound,
		liveness: liveness,
		box:      mailbox.New(256),
		events:   make(chan Event, 256),
		races:    make(map[uuid.UUID]*tracked),
	}
}

func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// Run ticks every race and handles race traffic until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	go c.box.Run(ctx)

	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	inbound, liveness := c.inbound, c.liveness
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
			err = c.box.Do(ctx, func() { c.handle(ctx, in) })
		case ev, ok := <-liveness:
			if !ok {
				liveness = nil
				continue
			}
			err = c.box.Do(ctx, func() { c.handleLiveness(ev) })
		case <-ticker.Chan():
			err = c.box.Do(ctx, func() { c.tick(ctx) })
		}
		if err != nil {
			return nil
		}
	}
}

// Open scopes races to sessionID.
func (c *Coordinator) Open(ctx context.Context, sessionID uuid.UUID) error {
	return c.box.Do(ctx, func() {
		if c.sessionID == sessionID {
			return
		}
		c.reset()
		c.sessionID = sessionID
	})
}

// Close cancels nothing on the wire; it returns every race of the session and forgets them.
func (c *Coordinator) Close(ctx context.Context) ([]models.RaceEvent, error) {
	return mailbox.Call(ctx, c.box, func() ([]models.RaceEvent, error) {
		out := c.snapshot()
		c.reset()
		return out, nil
	})
}

// Create schedules a race organized by this rider and announces it.
func (c *Coordinator) Create(ctx context.Context, in CreateRaceInput) (models.RaceEvent, error) {
	if in.CourseLength <= 0 {
		return models.RaceEvent{}, fmt.Errorf("%w: course length must be positive", ErrInvalidSchedule)
	}
	if in.Countdown < 0 {
		return models.RaceEvent{}, fmt.Errorf("%w: negative countdown", ErrInvalidSchedule)
	}
	if in.Countdown == 0 {
		in.Countdown = DefaultCountdown
	}

	return mailbox.Call(ctx, c.box, func() (models.RaceEvent, error) {
		if c.sessionID == uuid.Nil {
			return models.RaceEvent{}, ErrNotOpen
		}
		now := c.clock.Now()
		start := in.ScheduledStart
		if start.IsZero() {
			start = now.Add(in.Countdown)
		}
		if start.Before(now) {
			return models.RaceEvent{}, fmt.Errorf("%w: start %s is in the past", ErrInvalidSchedule, start.Format(time.RFC3339))
		}

		self := c.tr.Self()
		t := c.track(models.RaceEvent{
			ID:             uuid.New(),
			SessionID:      c.sessionID,
			OrganizerID:    self.ID,
			ScheduledStart: start,
			Countdown:      in.Countdown,
			CourseLength:   in.CourseLength,
		})
		c.multicast(ctx, c.announcement(t.race))
		t.resendAt = now.Add(resendInterval)

		log.Info().
			Str("race_id", t.race.ID().String()).
			Time("scheduled_start", start).
			Float64("course_length", in.CourseLength).
			Msg("race created")
		c.publish(Event{Type: ChangeCreated, Race: t.race.Event()})
		return t.race.Event(), nil
	})
}

// Join registers this rider for raceID.
func (c *Coordinator) Join(ctx context.Context, raceID uuid.UUID) error {
	var err error
	if doErr := c.box.Do(ctx, func() {
		t, ok := c.races[raceID]
		if !ok {
			err = ErrRaceNotFound
			return
		}
		self := c.tr.Self()
		if _, already := t.race.Participant(self.ID); already {
			return
		}
		if err = t.race.Register(self.ID, self.DisplayName); err != nil {
			return
		}
		c.multicast(ctx, &wire.RaceJoin{RaceID: raceID, RiderID: self.ID, DisplayName: self.DisplayName})
		log.Info().Str("race_id", raceID.String()).Msg("joined race")
		c.publish(Event{Type: ChangeRacerJoined, Race: t.race.Event(), Rider: self.ID})
	}); doErr != nil {
		return doErr
	}
	return err
}

// ReportPosition feeds this rider's distance into every race it is riding.
// Crossing the course length finishes the race for the rider.
func (c *Coordinator) ReportPosition(ctx context.Context, distance float64) error {
	return c.box.Do(ctx, func() {
		self := c.tr.Self().ID
		for _, id := range c.order {
			t := c.races[id]
			p, ok := t.race.Participant(self)
			if !ok || p.Status != models.RacerStatusRacing || t.race.Status() != models.RaceStatusInProgress {
				continue
			}
			now := c.corrected(t)
			elapsed := now.Sub(*t.race.ev.StartedAt)
			if _, err := t.race.Position(self, distance, elapsed); err != nil {
				log.Debug().Err(err).Str("race_id", id.String()).Msg("position not applied")
				continue
			}
			c.multicast(ctx, &wire.RacePosition{RaceID: id, Distance: distance, Elapsed: int64(elapsed)})

			if distance >= t.race.ev.CourseLength {
				if err := t.race.Finish(self, now); err != nil {
					log.Warn().Err(err).Str("race_id", id.String()).Msg("finish rejected")
					continue
				}
				c.multicast(ctx, &wire.RaceFinish{RaceID: id, FinishTime: now.UnixNano()})
				log.Info().Str("race_id", id.String()).Dur("elapsed", elapsed).Msg("crossed the finish line")
				c.publish(Event{Type: ChangeRacerFinished, Race: t.race.Event(), Rider: self})
			}
		}
	})
}

// ForceEnd finishes raceID now and freezes its results. Organizer only.
func (c *Coordinator) ForceEnd(ctx context.Context, raceID uuid.UUID) error {
	return c.organizerOp(ctx, raceID, false)
}

// Cancel aborts raceID. Organizer only.
func (c *Coordinator) Cancel(ctx context.Context, raceID uuid.UUID) error {
	return c.organizerOp(ctx, raceID, true)
}

func (c *Coordinator) organizerOp(ctx context.Context, raceID uuid.UUID, cancel bool) error {
	var err error
	if doErr := c.box.Do(ctx, func() {
		t, ok := c.races[raceID]
		if !ok {
			err = ErrRaceNotFound
			return
		}
		if t.race.Organizer() != c.tr.Self().ID {
			err = ErrNotOrganizer
			return
		}
		if err = c.end(t, cancel); err != nil {
			log.Warn().Err(err).Str("race_id", raceID.String()).Msg("race end rejected")
			return
		}
		c.multicast(ctx, &wire.RaceEnd{RaceID: raceID, Cancelled: cancel})
	}); doErr != nil {
		return doErr
	}
	return err
}

// Standings returns the current ranking of raceID.
func (c *Coordinator) Standings(ctx context.Context, raceID uuid.UUID) ([]models.RaceParticipant, error) {
	return mailbox.Call(ctx, c.box, func() ([]models.RaceParticipant, error) {
		t, ok := c.races[raceID]
		if !ok {
			return nil, ErrRaceNotFound
		}
		return t.race.Standings(), nil
	})
}

// Race returns one race.
func (c *Coordinator) Race(ctx context.Context, raceID uuid.UUID) (models.RaceEvent, error) {
	return mailbox.Call(ctx, c.box, func() (models.RaceEvent, error) {
		t, ok := c.races[raceID]
		if !ok {
			return models.RaceEvent{}, ErrRaceNotFound
		}
		return t.race.Event(), nil
	})
}

// Races returns every race of the session in creation order.
func (c *Coordinator) Races(ctx context.Context) ([]models.RaceEvent, error) {
	return mailbox.Call(ctx, c.box, func() ([]models.RaceEvent, error) {
		return c.snapshot(), nil
	})
}

func (c *Coordinator) tick(ctx context.Context) {
	now := c.clock.Now()
	self := c.tr.Self().ID

	for _, id := range c.order {
		t := c.races[id]
		if t.race.Status().Terminal() {
			continue
		}
		organizer := t.race.Organizer() == self
		if !organizer {
			if off, err := c.offsets.Offset(ctx, t.race.Organizer()); err == nil {
				t.offset = off
			}
		}

		for _, ch := range t.race.Tick(now, now.Add(t.offset)) {
			c.apply(ctx, t, ch, organizer)
		}

		if !now.Before(t.resendAt) {
			t.resendAt = now.Add(resendInterval)
			c.resend(ctx, t, organizer)
		}
	}
}

func (c *Coordinator) apply(ctx context.Context, t *tracked, ch Change, organizer bool) {
	id := t.race.ID()
	ev := Event{Type: ch.Type, Race: t.race.Event(), Rider: ch.Rider, SecondsRemaining: ch.SecondsRemaining}

	switch ch.Type {
	case ChangeCountdown:
		if organizer {
			c.multicast(ctx, &wire.RaceCountdown{RaceID: id, SecondsRemaining: uint32(ch.SecondsRemaining)})
		}
	case ChangeStarted:
		log.Info().Str("race_id", id.String()).Int("racers", len(ev.Race.Participants)).Msg("race started")
	case ChangeRacerDNF:
		log.Warn().Str("race_id", id.String()).Str("rider_id", ch.Rider.String()).Msg("racer did not finish")
	case ChangeFinished:
		log.Info().Str("race_id", id.String()).Msg("race finished")
	}
	c.publish(ev)
}

// resend repeats the messages a peer may have lost while the race is still open.
func (c *Coordinator) resend(ctx context.Context, t *tracked, organizer bool) {
	self := c.tr.Self()
	status := t.race.Status()
	preStart := status == models.RaceStatusScheduled || status == models.RaceStatusCountdown

	if organizer && preStart {
		c.multicast(ctx, c.announcement(t.race))
	}
	p, ok := t.race.Participant(self.ID)
	if !ok {
		return
	}
	switch {
	case preStart:
		c.multicast(ctx, &wire.RaceJoin{RaceID: t.race.ID(), RiderID: self.ID, DisplayName: self.DisplayName})
	case p.Status == models.RacerStatusFinished && p.FinishTime != nil:
		c.multicast(ctx, &wire.RaceFinish{RaceID: t.race.ID(), FinishTime: p.FinishTime.UnixNano()})
	}
}

func (c *Coordinator) handle(ctx context.Context, in transport.Inbound) {
	if c.sessionID == uuid.Nil {
		return
	}
	sender := in.Msg.Sender

	switch p := in.Msg.Payload.(type) {
	case *wire.RaceAnnounce:
		if p.SessionID != c.sessionID {
			return
		}
		if _, ok := c.races[p.RaceID]; ok {
			return
		}
		t := c.track(models.RaceEvent{
			ID:             p.RaceID,
			SessionID:      p.SessionID,
			OrganizerID:    sender,
			ScheduledStart: time.Unix(0, p.ScheduledStart),
			Countdown:      time.Duration(p.Countdown),
			CourseLength:   p.CourseLength,
		})
		if off, err := c.offsets.Offset(ctx, sender); err == nil {
			t.offset = off
		}
		log.Info().
			Str("race_id", p.RaceID.String()).
			Str("organizer_id", sender.String()).
			Msg("race announced")
		c.publish(Event{Type: ChangeCreated, Race: t.race.Event()})

	case *wire.RaceJoin:
		t, ok := c.races[p.RaceID]
		if !ok || p.RiderID != sender {
			return
		}
		if _, already := t.race.Participant(sender); already {
			return
		}
		if err := t.race.Register(sender, p.DisplayName); err != nil {
			log.Debug().Err(err).Str("race_id", p.RaceID.String()).Msg("late race join ignored")
			return
		}
		c.publish(Event{Type: ChangeRacerJoined, Race: t.race.Event(), Rider: sender})

	case *wire.RaceCountdown:
		if t, ok := c.races[p.RaceID]; ok && t.race.Organizer() == sender {
			log.Debug().
				Str("race_id", p.RaceID.String()).
				Uint32("seconds_remaining", p.SecondsRemaining).
				Msg("organizer countdown")
		}

	case *wire.RacePosition:
		t, ok := c.races[p.RaceID]
		if !ok {
			return
		}
		if t.race.Status().Terminal() {
			c.replyEnded(ctx, t, sender)
			return
		}
		resumed, err := t.race.Position(sender, p.Distance, time.Duration(p.Elapsed))
		if err != nil {
			log.Debug().Err(err).Str("race_id", p.RaceID.String()).Str("rider_id", sender.String()).Msg("position ignored")
			return
		}
		if resumed {
			log.Info().Str("race_id", p.RaceID.String()).Str("rider_id", sender.String()).Msg("racer back within grace period")
		}

	case *wire.RaceFinish:
		t, ok := c.races[p.RaceID]
		if !ok {
			return
		}
		if t.race.Status().Terminal() {
			c.replyEnded(ctx, t, sender)
			return
		}
		if cur, ok := t.race.Participant(sender); ok && cur.Status == models.RacerStatusFinished {
			return
		}
		if err := t.race.Finish(sender, time.Unix(0, p.FinishTime)); err != nil {
			log.Warn().Err(err).Str("race_id", p.RaceID.String()).Str("rider_id", sender.String()).Msg("finish rejected")
			return
		}
		c.publish(Event{Type: ChangeRacerFinished, Race: t.race.Event(), Rider: sender})

	case *wire.RaceEnd:
		t, ok := c.races[p.RaceID]
		if !ok || t.race.Organizer() != sender || t.race.Status().Terminal() {
			return
		}
		if err := c.end(t, p.Cancelled); err != nil {
			log.Warn().Err(err).Str("race_id", p.RaceID.String()).Msg("race end rejected")
		}
	}
}

// handleLiveness starts or ends grace periods. A racer lost before the start
// carries its grace period into the race.
func (c *Coordinator) handleLiveness(ev transport.LivenessEvent) {
	for _, id := range c.order {
		t := c.races[id]
		if t.race.Status().Terminal() {
			continue
		}
		if _, ok := t.race.Participant(ev.Rider); !ok {
			continue
		}
		if !ev.Up {
			if t.race.Disconnect(ev.Rider, ev.LastSeen) {
				log.Warn().
					Str("race_id", id.String()).
					Str("rider_id", ev.Rider.String()).
					Dur("grace", c.cfg.GracePeriod).
					Msg("racer disconnected")
			}
			continue
		}
		if err := t.race.Resume(ev.Rider); err != nil {
			log.Warn().Err(err).Str("race_id", id.String()).Str("rider_id", ev.Rider.String()).Msg("resume rejected")
		}
	}
}

func (c *Coordinator) end(t *tracked, cancel bool) error {
	now := c.corrected(t)
	if cancel {
		if err := t.race.Cancel(now); err != nil {
			return err
		}
		log.Info().Str("race_id", t.race.ID().String()).Msg("race cancelled")
		c.publish(Event{Type: ChangeCancelled, Race: t.race.Event()})
		return nil
	}

	dnf, err := t.race.ForceEnd(now)
	if err != nil {
		return err
	}
	for _, rider := range dnf {
		c.publish(Event{Type: ChangeRacerDNF, Race: t.race.Event(), Rider: rider})
	}
	log.Info().Str("race_id", t.race.ID().String()).Int("dnf", len(dnf)).Msg("race force-ended")
	c.publish(Event{Type: ChangeFinished, Race: t.race.Event()})
	return nil
}

func (c *Coordinator) replyEnded(ctx context.Context, t *tracked, rider uuid.UUID) {
	if t.race.Organizer() != c.tr.Self().ID {
		return
	}
	p := &wire.RaceEnd{RaceID: t.race.ID(), Cancelled: t.race.Status() == models.RaceStatusCancelled}
	if err := c.tr.Send(ctx, rider, p); err != nil {
		log.Debug().Err(err).Str("rider_id", rider.String()).Msg("failed to send race end")
	}
}

func (c *Coordinator) track(ev models.RaceEvent) *tracked {
	t := &tracked{race: NewRace(ev, c.cfg.GracePeriod)}
	c.races[ev.ID] = t
	c.order = append(c.order, ev.ID)
	return t
}

func (c *Coordinator) corrected(t *tracked) time.Time {
	return c.clock.Now().Add(t.offset)
}

func (c *Coordinator) announcement(r *Race) *wire.RaceAnnounce {
	return &wire.RaceAnnounce{
		RaceID:         r.ev.ID,
		SessionID:      r.ev.SessionID,
		ScheduledStart: r.ev.ScheduledStart.UnixNano(),
		Countdown:      int64(r.ev.Countdown),
		CourseLength:   r.ev.CourseLength,
	}
}

func (c *Coordinator) multicast(ctx context.Context, p wire.Payload) {
	if err := c.tr.Multicast(ctx, p); err != nil {
		log.Debug().Err(err).Str("tag", p.Tag().String()).Msg("race multicast failed")
	}
}

func (c *Coordinator) reset() {
	c.sessionID = uuid.Nil
	c.races = make(map[uuid.UUID]*tracked)
	c.order = nil
}

func (c *Coordinator) snapshot() []models.RaceEvent {
	out := make([]models.RaceEvent, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.races[id].race.Event())
	}
	return out
}

func (c *Coordinator) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("event", string(ev.Type)).Msg("race event dropped, subscriber too slow")
	}
}
