package race

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0)

func newTestRace(riders ...uuid.UUID) *Race {
	r := NewRace(models.RaceEvent{
		ID:             uuid.New(),
		OrganizerID:    riders[0],
		ScheduledStart: epoch.Add(10 * time.Second),
		Countdown:      5 * time.Second,
		CourseLength:   1000,
	}, DefaultGracePeriod)
	for _, id := range riders {
		if err := r.Register(id, id.String()[:6]); err != nil {
			panic(err)
		}
	}
	return r
}

func startRace(t *testing.T, r *Race) {
	t.Helper()
	start := r.ev.ScheduledStart
	changes := r.Tick(start, start)
	require.Contains(t, changes, Change{Type: ChangeStarted})
	require.Equal(t, models.RaceStatusInProgress, r.Status())
}

func changeTypes(changes []Change) []ChangeType {
	var out []ChangeType
	for _, c := range changes {
		out = append(out, c.Type)
	}
	return out
}

func TestGracePeriodBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		dnf     bool
	}{
		{name: "resume window still open at 59s", elapsed: 59 * time.Second, dnf: false},
		{name: "exactly at grace", elapsed: 60 * time.Second, dnf: true},
		{name: "past grace at 61s", elapsed: 61 * time.Second, dnf: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			alice, bob := uuid.New(), uuid.New()
			r := newTestRace(alice, bob)
			startRace(t, r)

			lastSeen := r.ev.ScheduledStart.Add(5 * time.Second)
			require.True(t, r.Disconnect(bob, lastSeen))
			require.False(t, r.Disconnect(bob, lastSeen.Add(time.Second)), "grace already running")

			local := lastSeen.Add(tc.elapsed)
			changes := r.Tick(local, local)
			p, _ := r.Participant(bob)
			if tc.dnf {
				assert.Equal(t, []Change{{Type: ChangeRacerDNF, Rider: bob}}, changes)
				assert.Equal(t, models.RacerStatusDNF, p.Status)
				assert.Empty(t, r.Tick(local.Add(time.Second), local.Add(time.Second)), "DNF is reported once")
				assert.ErrorIs(t, r.Resume(bob), ErrInvalidTransition)
				return
			}
			assert.Empty(t, changes)
			assert.Equal(t, models.RacerStatusRacing, p.Status)
			require.NotNil(t, p.DisconnectedSince)

			require.NoError(t, r.Resume(bob))
			later := lastSeen.Add(2 * DefaultGracePeriod)
			assert.Empty(t, r.Tick(later, later))
			p, _ = r.Participant(bob)
			assert.Equal(t, models.RacerStatusRacing, p.Status)
		})
	}
}

func TestDisconnectBeforeStartCarriesIntoRace(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	r := newTestRace(alice, bob)

	lastSeen := r.ev.ScheduledStart.Add(-2 * time.Second)
	require.True(t, r.Disconnect(bob, lastSeen))
	startRace(t, r)

	p, _ := r.Participant(bob)
	assert.Equal(t, models.RacerStatusRacing, p.Status)
	require.NotNil(t, p.DisconnectedSince)

	at := lastSeen.Add(59 * time.Second)
	assert.Empty(t, r.Tick(at, at))
	at = lastSeen.Add(DefaultGracePeriod)
	assert.Equal(t, []Change{{Type: ChangeRacerDNF, Rider: bob}}, r.Tick(at, at))
}

func TestPositionResumesDisconnectedRacer(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	r := newTestRace(alice, bob)
	startRace(t, r)

	r.Disconnect(bob, epoch)
	resumed, err := r.Position(bob, 120, 20*time.Second)
	require.NoError(t, err)
	assert.True(t, resumed)

	resumed, err = r.Position(bob, 100, 21*time.Second)
	require.NoError(t, err)
	assert.False(t, resumed)
	p, _ := r.Participant(bob)
	assert.Equal(t, 120.0, p.Distance, "distance never goes backwards")
}

func TestFinishRanksAreTotalOrder(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	r := newTestRace(a, b, c)
	startRace(t, r)
	start := r.ev.ScheduledStart

	// b and c tie; the lower rider id wins
	require.NoError(t, r.Finish(b, start.Add(90*time.Second)))
	require.NoError(t, r.Finish(c, start.Add(90*time.Second)))
	require.NoError(t, r.Finish(a, start.Add(80*time.Second)))

	first, second := b, c
	if bytes.Compare(c[:], b[:]) < 0 {
		first, second = c, b
	}
	standings := r.Standings()
	require.Len(t, standings, 3)
	assert.Equal(t, []uuid.UUID{a, first, second}, []uuid.UUID{standings[0].RiderID, standings[1].RiderID, standings[2].RiderID})
	for i, p := range standings {
		require.NotNil(t, p.FinishRank)
		assert.Equal(t, i+1, *p.FinishRank)
	}
	assert.Equal(t, 80*time.Second, standings[0].Elapsed)

	changes := r.Tick(start.Add(91*time.Second), start.Add(91*time.Second))
	assert.Equal(t, []ChangeType{ChangeFinished}, changeTypes(changes))
	assert.Equal(t, models.RaceStatusFinished, r.Status())
}

func TestDNFExcludedFromRanking(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	r := newTestRace(a, b)
	startRace(t, r)
	start := r.ev.ScheduledStart

	r.Disconnect(b, start)
	r.Tick(start.Add(DefaultGracePeriod), start.Add(DefaultGracePeriod))
	require.NoError(t, r.Finish(a, start.Add(2*DefaultGracePeriod)))

	changes := r.Tick(start.Add(2*DefaultGracePeriod), start.Add(2*DefaultGracePeriod))
	assert.Equal(t, []ChangeType{ChangeFinished}, changeTypes(changes))

	standings := r.Standings()
	assert.Equal(t, 1, *standings[0].FinishRank)
	assert.Equal(t, models.RacerStatusDNF, standings[1].Status)
	assert.Nil(t, standings[1].FinishRank)
}

func TestIllegalTransitions(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	r := newTestRace(a, b)

	_, err := r.Position(a, 10, time.Second)
	assert.ErrorIs(t, err, ErrInvalidTransition, "no positions before the start")
	assert.ErrorIs(t, r.Finish(a, epoch), ErrInvalidTransition)

	startRace(t, r)
	assert.ErrorIs(t, r.Register(uuid.New(), "late"), ErrRegistrationOver)
	require.NoError(t, r.Finish(a, epoch.Add(time.Minute)))
	assert.ErrorIs(t, r.Finish(a, epoch.Add(2*time.Minute)), ErrInvalidTransition)
	_, err = r.Position(uuid.New(), 1, time.Second)
	assert.ErrorIs(t, err, ErrNotRegistered)

	dnf, err := r.ForceEnd(epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b}, dnf)

	assert.ErrorIs(t, r.Cancel(epoch.Add(time.Hour)), ErrInvalidTransition)
	_, err = r.ForceEnd(epoch.Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelBeforeStart(t *testing.T) {
	r := newTestRace(uuid.New())
	require.NoError(t, r.Cancel(epoch))
	assert.Equal(t, models.RaceStatusCancelled, r.Status())
	assert.Empty(t, r.Tick(epoch.Add(time.Hour), epoch.Add(time.Hour)))
}

// Two nodes whose wall clocks differ by 3s see the same countdown and start
// once each corrects its local time with the organizer's offset.
func TestCountdownAlignedAcrossOffsetClocks(t *testing.T) {
	organizer := uuid.New()
	skew := -3 * time.Second // follower clock runs 3s behind

	lead := newTestRace(organizer)
	follow := NewRace(lead.Event(), DefaultGracePeriod)

	type seen struct {
		at     time.Time
		change Change
	}
	var leadSeen, followSeen []seen

	start := lead.ev.ScheduledStart
	for now := start.Add(-7 * time.Second); !now.After(start.Add(time.Second)); now = now.Add(DefaultTickInterval) {
		for _, c := range lead.Tick(now, now) {
			leadSeen = append(leadSeen, seen{at: now, change: c})
		}
		local := now.Add(skew)
		for _, c := range follow.Tick(local, local.Add(-skew)) {
			followSeen = append(followSeen, seen{at: now, change: c})
		}
	}

	require.NotEmpty(t, leadSeen)
	assert.Equal(t, leadSeen, followSeen)

	var countdown []int
	for _, s := range leadSeen {
		if s.change.Type == ChangeCountdown {
			countdown = append(countdown, s.change.SecondsRemaining)
		}
	}
	assert.Equal(t, []int{5, 4, 3, 2, 1}, countdown)

	last := leadSeen[len(leadSeen)-1]
	assert.Equal(t, ChangeStarted, last.change.Type)
	assert.Equal(t, start, last.at)
	assert.Equal(t, start, *follow.Event().StartedAt)
}
