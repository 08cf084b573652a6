package race

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/transport"
	"github.com/mcdev12/lanride/go/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// bus connects fake transports; every node has its own clock.
type bus struct {
	mu    sync.Mutex
	nodes map[uuid.UUID]*busTransport
}

type busTransport struct {
	bus     *bus
	self    models.Rider
	clock   clockwork.Clock
	inbound chan transport.Inbound
}

func (b *bus) join(name string, clock clockwork.Clock) *busTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &busTransport{
		bus:     b,
		self:    models.Rider{ID: uuid.New(), DisplayName: name},
		clock:   clock,
		inbound: make(chan transport.Inbound, 256),
	}
	b.nodes[t.self.ID] = t
	return t
}

func (t *busTransport) Self() models.Rider { return t.self }

func (t *busTransport) deliver(to *busTransport, p wire.Payload) {
	select {
	case to.inbound <- transport.Inbound{Msg: wire.New(t.self.ID, t.clock.Now(), p), ReceivedAt: to.clock.Now()}:
	default:
	}
}

func (t *busTransport) Send(_ context.Context, rider uuid.UUID, p wire.Payload) error {
	t.bus.mu.Lock()
	to, ok := t.bus.nodes[rider]
	t.bus.mu.Unlock()
	if !ok {
		return transport.ErrUnknownPeer
	}
	t.deliver(to, p)
	return nil
}

func (t *busTransport) Multicast(_ context.Context, p wire.Payload) error {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	for id, to := range t.bus.nodes {
		if id != t.self.ID {
			t.deliver(to, p)
		}
	}
	return nil
}

type fixedOffsets map[uuid.UUID]time.Duration

func (f fixedOffsets) Offset(_ context.Context, rider uuid.UUID) (time.Duration, error) {
	off, ok := f[rider]
	if !ok {
		return 0, errors.New("no estimate")
	}
	return off, nil
}

type racer struct {
	tr       *busTransport
	clock    *clockwork.FakeClock
	coord    *Coordinator
	liveness chan transport.LivenessEvent
}

func newRacer(t *testing.T, ctx context.Context, b *bus, name string, clock *clockwork.FakeClock, offsets Offsets, session uuid.UUID) *racer {
	t.Helper()
	r := &racer{tr: b.join(name, clock), clock: clock, liveness: make(chan transport.LivenessEvent, 8)}
	r.coord = New(r.tr, offsets, r.tr.inbound, r.liveness, clock, Config{})
	go r.coord.Run(ctx)
	require.NoError(t, r.coord.Open(ctx, session))
	return r
}

func (r *racer) status(ctx context.Context, raceID uuid.UUID) models.RaceStatus {
	ev, err := r.coord.Race(ctx, raceID)
	if err != nil {
		return ""
	}
	return ev.Status
}

func (r *racer) participant(ctx context.Context, raceID, rider uuid.UUID) (models.RaceParticipant, bool) {
	ev, err := r.coord.Race(ctx, raceID)
	if err != nil {
		return models.RaceParticipant{}, false
	}
	p, ok := ev.Participants[rider]
	if !ok {
		return models.RaceParticipant{}, false
	}
	return *p, true
}

func advanceAll(t *testing.T, ctx context.Context, d time.Duration, racers ...*racer) {
	t.Helper()
	for _, r := range racers {
		require.NoError(t, r.clock.BlockUntilContext(ctx, 1))
		r.clock.Advance(d)
	}
}

func TestRaceAcrossOffsetClocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := uuid.New()
	b := &bus{nodes: map[uuid.UUID]*busTransport{}}
	alice := newRacer(t, ctx, b, "alice", clockwork.NewFakeClockAt(epoch), fixedOffsets{}, session)
	// bob's wall clock is 3s behind the organizer's
	offsets := fixedOffsets{alice.tr.self.ID: 3 * time.Second}
	bob := newRacer(t, ctx, b, "bob", clockwork.NewFakeClockAt(epoch.Add(-3*time.Second)), offsets, session)

	ev, err := alice.coord.Create(ctx, CreateRaceInput{
		ScheduledStart: epoch.Add(10 * time.Second),
		Countdown:      5 * time.Second,
		CourseLength:   1000,
	})
	require.NoError(t, err)
	require.Equal(t, alice.tr.self.ID, ev.OrganizerID)

	require.Eventually(t, func() bool { return bob.status(ctx, ev.ID) == models.RaceStatusScheduled }, waitFor, 10*time.Millisecond)
	require.NoError(t, alice.coord.Join(ctx, ev.ID))
	require.NoError(t, bob.coord.Join(ctx, ev.ID))
	for _, r := range []*racer{alice, bob} {
		for _, who := range []*racer{alice, bob} {
			require.Eventually(t, func() bool {
				_, ok := r.participant(ctx, ev.ID, who.tr.self.ID)
				return ok
			}, waitFor, 10*time.Millisecond)
		}
	}

	advanceAll(t, ctx, 9900*time.Millisecond, alice, bob)
	for _, r := range []*racer{alice, bob} {
		require.Eventually(t, func() bool { return r.status(ctx, ev.ID) == models.RaceStatusCountdown }, waitFor, 10*time.Millisecond)
	}

	advanceAll(t, ctx, 100*time.Millisecond, alice, bob)
	for _, r := range []*racer{alice, bob} {
		require.Eventually(t, func() bool { return r.status(ctx, ev.ID) == models.RaceStatusInProgress }, waitFor, 10*time.Millisecond)
		got, err := r.coord.Race(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, epoch.Add(10*time.Second), *got.StartedAt)
	}

	// bob finishes first; his finish instant is on alice's clock
	require.NoError(t, bob.coord.ReportPosition(ctx, 400))
	require.NoError(t, bob.coord.ReportPosition(ctx, 1000))
	advanceAll(t, ctx, time.Second, alice, bob)
	require.NoError(t, alice.coord.ReportPosition(ctx, 1000))

	for _, r := range []*racer{alice, bob} {
		require.Eventually(t, func() bool {
			a, okA := r.participant(ctx, ev.ID, alice.tr.self.ID)
			b, okB := r.participant(ctx, ev.ID, bob.tr.self.ID)
			return okA && okB && a.FinishRank != nil && b.FinishRank != nil
		}, waitFor, 10*time.Millisecond)

		standings, err := r.coord.Standings(ctx, ev.ID)
		require.NoError(t, err)
		require.Len(t, standings, 2)
		assert.Equal(t, bob.tr.self.ID, standings[0].RiderID)
		assert.Equal(t, epoch.Add(10*time.Second), *standings[0].FinishTime)
		assert.Equal(t, alice.tr.self.ID, standings[1].RiderID)
		assert.Equal(t, epoch.Add(11*time.Second), *standings[1].FinishTime)
	}

	advanceAll(t, ctx, 100*time.Millisecond, alice, bob)
	for _, r := range []*racer{alice, bob} {
		require.Eventually(t, func() bool { return r.status(ctx, ev.ID) == models.RaceStatusFinished }, waitFor, 10*time.Millisecond)
	}
}

func TestOrganizerOnlyOperations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := uuid.New()
	b := &bus{nodes: map[uuid.UUID]*busTransport{}}
	clock := clockwork.NewFakeClockAt(epoch)
	alice := newRacer(t, ctx, b, "alice", clock, fixedOffsets{}, session)
	bob := newRacer(t, ctx, b, "bob", clockwork.NewFakeClockAt(epoch), fixedOffsets{}, session)

	_, err := alice.coord.Create(ctx, CreateRaceInput{CourseLength: 0})
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	_, err = alice.coord.Create(ctx, CreateRaceInput{ScheduledStart: epoch.Add(-time.Second), CourseLength: 100})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	ev, err := alice.coord.Create(ctx, CreateRaceInput{CourseLength: 500})
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(DefaultCountdown), ev.ScheduledStart)
	require.Eventually(t, func() bool { return bob.status(ctx, ev.ID) != "" }, waitFor, 10*time.Millisecond)

	assert.ErrorIs(t, bob.coord.Cancel(ctx, ev.ID), ErrNotOrganizer)
	assert.ErrorIs(t, bob.coord.Join(ctx, uuid.New()), ErrRaceNotFound)

	require.NoError(t, alice.coord.Cancel(ctx, ev.ID))
	require.Eventually(t, func() bool { return bob.status(ctx, ev.ID) == models.RaceStatusCancelled }, waitFor, 10*time.Millisecond)
	assert.ErrorIs(t, alice.coord.ForceEnd(ctx, ev.ID), ErrInvalidTransition)

	races, err := bob.coord.Close(ctx)
	require.NoError(t, err)
	require.Len(t, races, 1)
	_, err = bob.coord.Create(ctx, CreateRaceInput{CourseLength: 500})
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestDisconnectedRacerGrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := uuid.New()
	b := &bus{nodes: map[uuid.UUID]*busTransport{}}
	alice := newRacer(t, ctx, b, "alice", clockwork.NewFakeClockAt(epoch), fixedOffsets{}, session)
	bob := newRacer(t, ctx, b, "bob", clockwork.NewFakeClockAt(epoch), fixedOffsets{}, session)
	bobID := bob.tr.self.ID

	ev, err := alice.coord.Create(ctx, CreateRaceInput{Countdown: time.Second, CourseLength: 500})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.status(ctx, ev.ID) != "" }, waitFor, 10*time.Millisecond)
	require.NoError(t, alice.coord.Join(ctx, ev.ID))
	require.NoError(t, bob.coord.Join(ctx, ev.ID))
	require.Eventually(t, func() bool {
		_, ok := alice.participant(ctx, ev.ID, bobID)
		return ok
	}, waitFor, 10*time.Millisecond)

	advanceAll(t, ctx, time.Second, alice)
	require.Eventually(t, func() bool { return alice.status(ctx, ev.ID) == models.RaceStatusInProgress }, waitFor, 10*time.Millisecond)

	lastSeen := alice.clock.Now()
	alice.liveness <- transport.LivenessEvent{Rider: bobID, Up: false, LastSeen: lastSeen}
	require.Eventually(t, func() bool {
		p, _ := alice.participant(ctx, ev.ID, bobID)
		return p.DisconnectedSince != nil
	}, waitFor, 10*time.Millisecond)

	advanceAll(t, ctx, 59*time.Second, alice)
	assert.Never(t, func() bool {
		p, _ := alice.participant(ctx, ev.ID, bobID)
		return p.Status == models.RacerStatusDNF
	}, 200*time.Millisecond, 20*time.Millisecond)

	advanceAll(t, ctx, 2*time.Second, alice)
	require.Eventually(t, func() bool {
		p, _ := alice.participant(ctx, ev.ID, bobID)
		return p.Status == models.RacerStatusDNF
	}, waitFor, 10*time.Millisecond)

	// coming back after the grace period does not undo the DNF
	alice.liveness <- transport.LivenessEvent{Rider: bobID, Up: true, LastSeen: alice.clock.Now()}
	assert.Never(t, func() bool {
		p, _ := alice.participant(ctx, ev.ID, bobID)
		return p.Status != models.RacerStatusDNF
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestRacerLostDuringCountdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := uuid.New()
	b := &bus{nodes: map[uuid.UUID]*busTransport{}}
	alice := newRacer(t, ctx, b, "alice", clockwork.NewFakeClockAt(epoch), fixedOffsets{}, session)
	bob := newRacer(t, ctx, b, "bob", clockwork.NewFakeClockAt(epoch), fixedOffsets{}, session)
	bobID := bob.tr.self.ID

	ev, err := alice.coord.Create(ctx, CreateRaceInput{Countdown: 5 * time.Second, CourseLength: 500})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.status(ctx, ev.ID) != "" }, waitFor, 10*time.Millisecond)
	require.NoError(t, alice.coord.Join(ctx, ev.ID))
	require.NoError(t, bob.coord.Join(ctx, ev.ID))
	require.Eventually(t, func() bool {
		_, ok := alice.participant(ctx, ev.ID, bobID)
		return ok
	}, waitFor, 10*time.Millisecond)

	advanceAll(t, ctx, 3*time.Second, alice)
	lastSeen := alice.clock.Now()
	alice.liveness <- transport.LivenessEvent{Rider: bobID, Up: false, LastSeen: lastSeen}
	require.Eventually(t, func() bool {
		p, _ := alice.participant(ctx, ev.ID, bobID)
		return p.DisconnectedSince != nil
	}, waitFor, 10*time.Millisecond)
	assert.NotEqual(t, models.RaceStatusInProgress, alice.status(ctx, ev.ID))

	advanceAll(t, ctx, 2*time.Second, alice)
	require.Eventually(t, func() bool { return alice.status(ctx, ev.ID) == models.RaceStatusInProgress }, waitFor, 10*time.Millisecond)
	p, _ := alice.participant(ctx, ev.ID, bobID)
	require.NotNil(t, p.DisconnectedSince)
	assert.True(t, p.DisconnectedSince.Equal(lastSeen))

	// 59s of silence: still inside the grace period
	advanceAll(t, ctx, 57*time.Second, alice)
	assert.Never(t, func() bool {
		p, _ := alice.participant(ctx, ev.ID, bobID)
		return p.Status == models.RacerStatusDNF
	}, 200*time.Millisecond, 20*time.Millisecond)

	advanceAll(t, ctx, 2*time.Second, alice)
	require.Eventually(t, func() bool {
		p, _ := alice.participant(ctx, ev.ID, bobID)
		return p.Status == models.RacerStatusDNF
	}, waitFor, 10*time.Millisecond)
}
