package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/transport"
	"github.com/mcdev12/lanride/go/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const waitFor = 2 * time.Second

type node struct {
	rider models.Rider
	link  *transport.MemLink
	tr    *transport.Transport
	mgr   *Manager
}

type ManagerSuite struct {
	suite.Suite
	net    *transport.MemNetwork
	clock  *clockwork.FakeClock
	ctx    context.Context
	cancel context.CancelFunc
	nodes  []*node
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.net = transport.NewMemNetwork()
	s.clock = clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.nodes = nil
}

func (s *ManagerSuite) TearDownTest() {
	s.cancel()
}

func (s *ManagerSuite) newNode(name string, cfg Config) *node {
	return s.newNodeWithClock(name, cfg, s.clock)
}

// newNodeWithClock runs a node on its own clock, for riders whose clocks disagree.
func (s *ManagerSuite) newNodeWithClock(name string, cfg Config, clock clockwork.Clock) *node {
	n := &node{rider: models.Rider{ID: uuid.New(), DisplayName: name}, link: s.net.NewLink()}
	n.tr = transport.New(n.rider, n.link, clock, transport.Config{})
	n.mgr = NewManager(n.tr, nil, n.tr.Subscribe("session", wire.SessionTags...), n.tr.SubscribeLiveness("session"), clock, cfg)
	go n.tr.Run(s.ctx)
	go n.mgr.Run(s.ctx)
	s.nodes = append(s.nodes, n)
	return n
}

func (s *ManagerSuite) host(n *node) models.Session {
	sess, err := n.mgr.Host(s.ctx, "watopia")
	s.Require().NoError(err)
	return sess
}

// awaitAnnounce waits until n has seen the host's SessionAnnounce.
func (s *ManagerSuite) awaitAnnounce(n *node, sessionID uuid.UUID) {
	s.Require().Eventually(func() bool {
		anns, err := n.mgr.Announcements(s.ctx)
		if err != nil {
			return false
		}
		for _, a := range anns {
			if a.SessionID == sessionID {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func (s *ManagerSuite) join(n *node, sess models.Session) error {
	s.awaitAnnounce(n, sess.ID)
	ctx, cancel := context.WithTimeout(s.ctx, waitFor)
	defer cancel()
	_, err := n.mgr.Join(ctx, sess.ID)
	return err
}

func (s *ManagerSuite) participants(n *node, rider uuid.UUID) []models.Participant {
	parts, err := n.mgr.Participants(s.ctx)
	s.Require().NoError(err)
	var out []models.Participant
	for _, p := range parts {
		if p.RiderID == rider {
			out = append(out, p)
		}
	}
	return out
}

func (s *ManagerSuite) activeIn(n *node, rider uuid.UUID) func() bool {
	return func() bool {
		entries := s.participants(n, rider)
		return len(entries) > 0 && entries[len(entries)-1].Active()
	}
}

func (s *ManagerSuite) TestHostAndJoinShareRoster() {
	alice, bob, carol := s.newNode("alice", Config{}), s.newNode("bob", Config{}), s.newNode("carol", Config{})
	sess := s.host(alice)

	s.Require().NoError(s.join(bob, sess))
	s.Require().NoError(s.join(carol, sess))

	for _, n := range []*node{alice, bob, carol} {
		for _, member := range []*node{alice, bob, carol} {
			s.Eventually(s.activeIn(n, member.rider.ID), waitFor, 10*time.Millisecond,
				"%s should see %s", n.rider.DisplayName, member.rider.DisplayName)
		}
	}

	state, err := bob.mgr.State(s.ctx)
	s.Require().NoError(err)
	s.Equal(models.SessionStateActive, state)

	cur, err := carol.mgr.Current(s.ctx)
	s.Require().NoError(err)
	s.Equal(alice.rider.ID, cur.HostRiderID)
	s.Equal("watopia", cur.WorldID)

	members, err := bob.mgr.Members(s.ctx)
	s.Require().NoError(err)
	s.ElementsMatch([]uuid.UUID{alice.rider.ID, carol.rider.ID}, members)
}

func (s *ManagerSuite) TestInvalidTransitions() {
	alice := s.newNode("alice", Config{})
	s.ErrorIs(alice.mgr.Leave(s.ctx), ErrInvalidState)
	s.ErrorIs(alice.mgr.End(s.ctx), ErrInvalidState)

	s.host(alice)
	_, err := alice.mgr.Host(s.ctx, "again")
	s.ErrorIs(err, ErrInvalidState)
	_, err = alice.mgr.Join(s.ctx, uuid.New())
	s.ErrorIs(err, ErrInvalidState)

	s.Require().NoError(alice.mgr.End(s.ctx))
	// Ended resets to Idle on the next host.
	s.host(alice)
}

func (s *ManagerSuite) TestJoinUnknownSession() {
	bob := s.newNode("bob", Config{})
	_, err := bob.mgr.Join(s.ctx, uuid.New())
	s.ErrorIs(err, ErrSessionNotFound)

	state, err := bob.mgr.State(s.ctx)
	s.Require().NoError(err)
	s.Equal(models.SessionStateIdle, state)
}

func (s *ManagerSuite) TestSessionFull() {
	alice := s.newNode("alice", Config{MaxParticipants: 2})
	bob, carol := s.newNode("bob", Config{}), s.newNode("carol", Config{})
	sess := s.host(alice)

	s.Require().NoError(s.join(bob, sess))
	err := s.join(carol, sess)
	s.ErrorIs(err, ErrJoinRejected)
	s.ErrorIs(err, ErrSessionFull)

	state, err := carol.mgr.State(s.ctx)
	s.Require().NoError(err)
	s.Equal(models.SessionStateIdle, state)
}

func (s *ManagerSuite) TestHostRejectsMisuse() {
	alice, bob := s.newNode("alice", Config{}), s.newNode("bob", Config{})
	sess := s.host(alice)
	s.Require().NoError(s.join(bob, sess))

	raw := s.net.NewLink()
	send := func(sender uuid.UUID, p wire.Payload) {
		b, err := wire.Encode(wire.New(sender, s.clock.Now(), p))
		s.Require().NoError(err)
		s.Require().NoError(raw.WriteTo(b, alice.tr.LocalAddr()))
	}
	expectReject := func(reason string) {
		deadline := time.After(waitFor)
		for {
			select {
			case pkt := <-raw.Packets():
				m, err := wire.Decode(pkt.Data)
				s.Require().NoError(err)
				if rej, ok := m.Payload.(*wire.SessionReject); ok {
					s.Equal(reason, rej.Reason)
					return
				}
			case <-deadline:
				s.FailNow("no reject received", reason)
			}
		}
	}

	// a second join from an active rider with a new request id
	send(bob.rider.ID, &wire.SessionJoin{SessionID: sess.ID, RiderID: bob.rider.ID, RequestID: uuid.New(), DisplayName: "bob"})
	expectReject(ReasonDuplicateJoin)

	stranger := uuid.New()
	send(stranger, &wire.SessionJoin{SessionID: uuid.New(), RiderID: stranger, RequestID: uuid.New(), DisplayName: "eve"})
	expectReject(ReasonUnknownSession)

	// roster unchanged: bob still has exactly one entry
	s.Len(s.participants(alice, bob.rider.ID), 1)
}

func (s *ManagerSuite) TestJoinTimeout() {
	bob := s.newNode("bob", Config{})
	raw := s.net.NewLink()
	hostID := uuid.New()
	sessionID := uuid.New()

	b, err := wire.Encode(wire.New(hostID, s.clock.Now(), &wire.SessionAnnounce{SessionID: sessionID, HostName: "ghost"}))
	s.Require().NoError(err)
	s.Require().NoError(raw.WriteMulticast(b))
	s.awaitAnnounce(bob, sessionID)

	errCh := make(chan error, 1)
	go func() {
		_, err := bob.mgr.Join(s.ctx, sessionID)
		errCh <- err
	}()

	// heartbeat ticker, announce ticker, join timeout, join retry
	s.Require().NoError(s.clock.BlockUntilContext(s.ctx, 4))
	s.clock.Advance(DefaultJoinTimeout)

	select {
	case err := <-errCh:
		s.ErrorIs(err, ErrJoinTimeout)
	case <-time.After(waitFor):
		s.FailNow("join did not time out")
	}

	state, err := bob.mgr.State(s.ctx)
	s.Require().NoError(err)
	s.Equal(models.SessionStateIdle, state)
}

func (s *ManagerSuite) TestLeaveRecordsLeftAt() {
	alice, bob := s.newNode("alice", Config{}), s.newNode("bob", Config{})
	sess := s.host(alice)
	s.Require().NoError(s.join(bob, sess))
	s.Require().Eventually(s.activeIn(alice, bob.rider.ID), waitFor, 10*time.Millisecond)

	s.clock.Advance(100 * time.Millisecond)
	leftAt := s.clock.Now()
	s.Require().NoError(bob.mgr.Leave(s.ctx))

	s.Require().Eventually(func() bool {
		entries := s.participants(alice, bob.rider.ID)
		return len(entries) == 1 && entries[0].LeftAt != nil
	}, waitFor, 10*time.Millisecond)
	s.True(s.participants(alice, bob.rider.ID)[0].LeftAt.Equal(leftAt))

	state, err := bob.mgr.State(s.ctx)
	s.Require().NoError(err)
	s.Equal(models.SessionStateEnded, state)

	var ended *Event
	for ended == nil {
		select {
		case ev := <-bob.mgr.Events():
			if ev.Type == EventEnded {
				ended = &ev
			}
		case <-time.After(waitFor):
			s.FailNow("no SessionEnded event")
		}
	}
	s.Len(ended.Participants, 2)
}

func (s *ManagerSuite) TestDisconnectAndRecovery() {
	alice, bob := s.newNode("alice", Config{}), s.newNode("bob", Config{})
	sess := s.host(alice)
	s.Require().NoError(s.join(bob, sess))

	s.clock.Advance(transport.DefaultHeartbeatInterval)
	lastSeen := s.clock.Now()
	s.Require().Eventually(func() bool {
		entries := s.participants(alice, bob.rider.ID)
		return len(entries) == 1 && entries[0].LastHeartbeat.Equal(lastSeen)
	}, waitFor, 10*time.Millisecond)

	s.net.SetDown(bob.link.LocalAddr(), true)
	s.clock.Advance(time.Duration(transport.DefaultMissThreshold) * transport.DefaultHeartbeatInterval)

	s.Require().Eventually(func() bool {
		entries := s.participants(alice, bob.rider.ID)
		return len(entries) == 1 && entries[0].LeftAt != nil
	}, waitFor, 10*time.Millisecond)
	s.True(s.participants(alice, bob.rider.ID)[0].LeftAt.Equal(lastSeen))

	s.net.SetDown(bob.link.LocalAddr(), false)
	s.clock.Advance(transport.DefaultHeartbeatInterval)

	s.Require().Eventually(func() bool {
		entries := s.participants(alice, bob.rider.ID)
		return len(entries) == 2 && entries[1].Active() && entries[1].Connected
	}, waitFor, 10*time.Millisecond)

	// bob backfills from the host and converges on the same history for himself
	s.Require().Eventually(func() bool {
		return len(s.participants(bob, bob.rider.ID)) == 2
	}, waitFor, 10*time.Millisecond)
}

func (s *ManagerSuite) TestLeaveWithRiderClockBehind() {
	s.leaveAcrossSkewedClocks(-time.Minute)
}

func (s *ManagerSuite) TestLeaveWithRiderClockAhead() {
	s.leaveAcrossSkewedClocks(time.Minute)
}

// leaveAcrossSkewedClocks runs bob and carol on clocks offset from the host's
// and checks every roster closes bob's entry after it opened.
func (s *ManagerSuite) leaveAcrossSkewedClocks(skew time.Duration) {
	bobClock := clockwork.NewFakeClockAt(s.clock.Now().Add(skew))
	carolClock := clockwork.NewFakeClockAt(s.clock.Now().Add(-skew / 2))
	alice := s.newNode("alice", Config{})
	bob := s.newNodeWithClock("bob", Config{}, bobClock)
	carol := s.newNodeWithClock("carol", Config{}, carolClock)

	sess := s.host(alice)
	s.Require().NoError(s.join(carol, sess))
	s.Require().NoError(s.join(bob, sess))
	for _, n := range []*node{alice, carol} {
		s.Require().Eventually(s.activeIn(n, bob.rider.ID), waitFor, 10*time.Millisecond)
	}

	s.clock.Advance(time.Second)
	bobClock.Advance(time.Second)
	carolClock.Advance(time.Second)
	s.Require().NoError(bob.mgr.Leave(s.ctx))

	for _, n := range []*node{alice, carol} {
		s.Require().Eventually(func() bool {
			entries := s.participants(n, bob.rider.ID)
			return len(entries) == 1 && entries[0].LeftAt != nil
		}, waitFor, 10*time.Millisecond, "%s should see bob leave", n.rider.DisplayName)

		entry := s.participants(n, bob.rider.ID)[0]
		s.False(entry.LeftAt.Before(entry.JoinedAt))
		members, err := n.mgr.Members(s.ctx)
		s.Require().NoError(err)
		s.NotContains(members, bob.rider.ID)
	}

	// alice stamps the leave on her own clock when it arrives
	s.True(s.participants(alice, bob.rider.ID)[0].LeftAt.Equal(s.clock.Now()))
}

func TestRejectErrors(t *testing.T) {
	assert.ErrorIs(t, rejectError(ReasonSessionFull), ErrSessionFull)
	assert.ErrorIs(t, rejectError(ReasonDuplicateJoin), ErrDuplicateJoin)
	assert.ErrorIs(t, rejectError(ReasonUnknownSession), ErrSessionNotFound)
	err := rejectError("weird")
	require.ErrorIs(t, err, ErrJoinRejected)
	assert.Contains(t, err.Error(), "weird")
}
