package transport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type harness struct {
	net   *MemNetwork
	clock *clockwork.FakeClock
	tr    *Transport
	self  models.Rider
	peer  *MemLink
	peerR models.Rider
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		net:   NewMemNetwork(),
		clock: clockwork.NewFakeClockAt(time.Unix(1700000000, 0)),
		self:  models.Rider{ID: uuid.New(), DisplayName: "alice"},
		peerR: models.Rider{ID: uuid.New(), DisplayName: "bob"},
	}
	h.tr = New(h.self, h.net.NewLink(), h.clock, cfg)
	h.peer = h.net.NewLink()
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.tr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// inject sends a datagram from the raw peer link with an explicit sent_at.
func (h *harness) inject(t *testing.T, sentAt int64, p wire.Payload) {
	t.Helper()
	b, err := wire.Encode(&wire.Message{Sender: h.peerR.ID, SentAt: sentAt, Payload: p})
	require.NoError(t, err)
	require.NoError(t, h.peer.WriteTo(b, h.tr.LocalAddr()))
}

func recv(t *testing.T, ch <-chan Inbound) Inbound {
	t.Helper()
	select {
	case in := <-ch:
		return in
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for message")
		return Inbound{}
	}
}

func recvLiveness(t *testing.T, ch <-chan LivenessEvent) LivenessEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for liveness event")
		return LivenessEvent{}
	}
}

func TestStaleMetricsDiscarded(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	metrics := h.tr.Subscribe("test", wire.TagMetricUpdate)
	h.run(t)

	h.inject(t, 200, &wire.MetricUpdate{Power: 200})
	h.inject(t, 100, &wire.MetricUpdate{Power: 100})
	h.inject(t, 200, &wire.MetricUpdate{Power: 201})
	h.inject(t, 300, &wire.MetricUpdate{Power: 300})

	first := recv(t, metrics)
	assert.Equal(t, uint32(200), first.Msg.Payload.(*wire.MetricUpdate).Power)
	second := recv(t, metrics)
	assert.Equal(t, uint32(300), second.Msg.Payload.(*wire.MetricUpdate).Power)

	require.Eventually(t, func() bool { return h.tr.Stats().Stale == 2 }, waitFor, 10*time.Millisecond)
	assert.Empty(t, metrics)
}

func TestNonIdempotentTagsAreNotFiltered(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	chat := h.tr.Subscribe("chat", wire.ChatTags...)
	h.run(t)

	h.inject(t, 200, &wire.ChatMessage{MessageID: uuid.New(), Seq: 2, Text: "b"})
	h.inject(t, 100, &wire.ChatMessage{MessageID: uuid.New(), Seq: 1, Text: "a"})

	recv(t, chat)
	recv(t, chat)
	assert.Zero(t, h.tr.Stats().Stale)
}

func TestLivenessDownAfterMissThreshold(t *testing.T) {
	h := newHarness(t, Config{})
	live := h.tr.SubscribeLiveness("test")
	h.run(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))

	seenAt := h.clock.Now()
	h.inject(t, seenAt.UnixNano(), &wire.Heartbeat{})

	up := recvLiveness(t, live)
	assert.True(t, up.Up)
	assert.Equal(t, h.peerR.ID, up.Rider)
	assert.Equal(t, h.peer.LocalAddr(), up.Addr)
	assert.True(t, h.tr.IsUp(h.peerR.ID))

	h.clock.Advance(time.Duration(DefaultMissThreshold-1) * DefaultHeartbeatInterval)
	assert.Never(t, func() bool { return len(live) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	h.clock.Advance(DefaultHeartbeatInterval)
	down := recvLiveness(t, live)
	assert.False(t, down.Up)
	assert.True(t, down.LastSeen.Equal(seenAt))
	assert.False(t, h.tr.IsUp(h.peerR.ID))

	h.inject(t, h.clock.Now().UnixNano(), &wire.Heartbeat{})
	again := recvLiveness(t, live)
	assert.True(t, again.Up)
}

func TestSendBetweenTransportsIgnoresOwnLoopback(t *testing.T) {
	network := NewMemNetwork()
	clock := clockwork.NewFakeClock()
	alice := New(models.Rider{ID: uuid.New(), DisplayName: "alice"}, network.NewLink(), clock, Config{})
	bob := New(models.Rider{ID: uuid.New(), DisplayName: "bob"}, network.NewLink(), clock, Config{})

	aliceChat := alice.Subscribe("chat", wire.ChatTags...)
	bobChat := bob.Subscribe("chat", wire.ChatTags...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go alice.Run(ctx)
	go bob.Run(ctx)

	ctx2 := context.Background()
	require.ErrorIs(t, alice.Send(ctx2, bob.Self().ID, &wire.ChatAck{}), ErrUnknownPeer)

	alice.LearnPeer(bob.Self().ID, bob.LocalAddr())
	id := uuid.New()
	require.NoError(t, alice.Send(ctx2, bob.Self().ID, &wire.ChatAck{MessageID: id}))

	in := recv(t, bobChat)
	assert.Equal(t, alice.Self().ID, in.Msg.Sender)
	assert.Equal(t, id, in.Msg.Payload.(*wire.ChatAck).MessageID)

	// bob learned alice's address from the datagram source
	addr, ok := bob.PeerAddr(alice.Self().ID)
	require.True(t, ok)
	assert.Equal(t, alice.LocalAddr(), addr)

	require.NoError(t, alice.Multicast(ctx2, &wire.ChatAck{MessageID: uuid.New()}))
	recv(t, bobChat)
	assert.Never(t, func() bool { return len(aliceChat) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestBroadcastMetricsRateLimited(t *testing.T) {
	h := newHarness(t, Config{MetricsRate: 20})
	session := uuid.New()
	h.tr.SetSession(session)

	ctx := context.Background()
	require.NoError(t, h.tr.BroadcastMetrics(ctx, wire.MetricUpdate{Power: 1}))
	assert.ErrorIs(t, h.tr.BroadcastMetrics(ctx, wire.MetricUpdate{Power: 2}), ErrRateLimited)

	h.clock.Advance(60 * time.Millisecond)
	require.NoError(t, h.tr.BroadcastMetrics(ctx, wire.MetricUpdate{Power: 3}))
	assert.Equal(t, uint64(1), h.tr.Stats().RateLimited)

	// the raw peer link saw the multicast stamped with the session
	pkt := <-h.peer.Packets()
	m, err := wire.Decode(pkt.Data)
	require.NoError(t, err)
	assert.Equal(t, session, m.Payload.(*wire.MetricUpdate).SessionID)
}

func TestDecodeErrorsAndFullSubscribers(t *testing.T) {
	h := newHarness(t, Config{Workers: 1, SubscriberBuffer: 1})
	h.tr.Subscribe("slow", wire.TagChatAck)
	h.run(t)

	require.NoError(t, h.peer.WriteTo([]byte("not a lanride datagram at all...."), h.tr.LocalAddr()))
	for i := 0; i < 3; i++ {
		h.inject(t, int64(i), &wire.ChatAck{MessageID: uuid.New()})
	}

	require.Eventually(t, func() bool {
		s := h.tr.Stats()
		return s.DecodeErrors == 1 && s.Dropped == 2 && s.Received == 3
	}, waitFor, 10*time.Millisecond)
}

func TestMemNetworkDown(t *testing.T) {
	network := NewMemNetwork()
	a, b := network.NewLink(), network.NewLink()

	network.SetDown(b.LocalAddr(), true)
	require.NoError(t, a.WriteTo([]byte("x"), b.LocalAddr()))
	assert.Empty(t, b.Packets())

	network.SetDown(b.LocalAddr(), false)
	require.NoError(t, a.WriteMulticast([]byte("y")))
	assert.Len(t, b.Packets(), 1)
	assert.Len(t, a.Packets(), 1)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.WriteTo([]byte("z"), a.LocalAddr()), ErrLinkClosed)
}
