package chat

import (
	"context"
	"net/netip"
	"strings"
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

type sentPayload struct {
	to uuid.UUID
	p  wire.Payload
}

type fakeTransport struct {
	self models.Rider
	sent chan sentPayload
}

func (f *fakeTransport) Self() models.Rider { return f.self }

func (f *fakeTransport) Send(_ context.Context, rider uuid.UUID, p wire.Payload) error {
	f.sent <- sentPayload{to: rider, p: p}
	return nil
}

type fakeRoster struct {
	mu      sync.Mutex
	members []uuid.UUID
}

func (r *fakeRoster) Members(context.Context) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.members...), nil
}

func (r *fakeRoster) set(members ...uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = members
}

type layerHarness struct {
	t       *testing.T
	ctx     context.Context
	clock   *clockwork.FakeClock
	tr      *fakeTransport
	roster  *fakeRoster
	inbound chan transport.Inbound
	layer   *Layer
	session uuid.UUID
}

func newLayerHarness(t *testing.T, members ...uuid.UUID) *layerHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &layerHarness{
		t:       t,
		ctx:     ctx,
		clock:   clockwork.NewFakeClockAt(time.Unix(1700000000, 0)),
		tr:      &fakeTransport{self: models.Rider{ID: uuid.New(), DisplayName: "alice"}, sent: make(chan sentPayload, 64)},
		roster:  &fakeRoster{members: members},
		inbound: make(chan transport.Inbound, 16),
		session: uuid.New(),
	}
	h.layer = New(h.tr, h.roster, h.inbound, h.clock, Config{})
	go h.layer.Run(ctx)
	require.NoError(t, h.layer.Open(ctx, h.session, false))
	return h
}

func (h *layerHarness) inject(sender uuid.UUID, p wire.Payload) {
	h.inbound <- transport.Inbound{Msg: wire.New(sender, h.clock.Now(), p), ReceivedAt: h.clock.Now()}
}

func (h *layerHarness) nextSent() sentPayload {
	h.t.Helper()
	select {
	case s := <-h.tr.sent:
		return s
	case <-time.After(waitFor):
		h.t.Fatal("nothing sent")
		return sentPayload{}
	}
}

func (h *layerHarness) nextEvent() Event {
	h.t.Helper()
	select {
	case ev := <-h.layer.Events():
		return ev
	case <-time.After(waitFor):
		h.t.Fatal("no chat event")
		return Event{}
	}
}

// awaitAck waits until the layer has processed rider's ack of its first message.
func (h *layerHarness) awaitAck(rider uuid.UUID) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		logged, err := h.layer.Log(h.ctx)
		return err == nil && len(logged) > 0 && logged[0].AckedBy[rider]
	}, waitFor, 10*time.Millisecond)
}

func TestSendAckedByAllRecipients(t *testing.T) {
	bob, carol := uuid.New(), uuid.New()
	h := newLayerHarness(t, bob, carol)

	msg, err := h.layer.Send(h.ctx, "on your wheel")
	require.NoError(t, err)
	assert.Equal(t, models.ChatStatusPending, msg.Status)
	assert.Equal(t, uint64(1), msg.Seq)

	got := map[uuid.UUID]bool{}
	for i := 0; i < 2; i++ {
		s := h.nextSent()
		p, ok := s.p.(*wire.ChatMessage)
		require.True(t, ok)
		assert.Equal(t, msg.ID, p.MessageID)
		assert.Equal(t, h.session, p.SessionID)
		got[s.to] = true
	}
	assert.Equal(t, map[uuid.UUID]bool{bob: true, carol: true}, got)

	h.inject(bob, &wire.ChatAck{MessageID: msg.ID})
	h.inject(bob, &wire.ChatAck{MessageID: msg.ID})
	h.inject(carol, &wire.ChatAck{MessageID: msg.ID})

	ev := h.nextEvent()
	assert.Equal(t, EventStatusChanged, ev.Type)
	assert.Equal(t, models.ChatStatusSent, ev.Message.Status)
	assert.Equal(t, map[uuid.UUID]bool{bob: true, carol: true}, ev.Message.AckedBy)

	logged, err := h.layer.Log(h.ctx)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, models.ChatStatusSent, logged[0].Status)
	assert.Equal(t, 1, logged[0].Attempts)
}

func TestSendRetriesThenFails(t *testing.T) {
	bob, carol := uuid.New(), uuid.New()
	h := newLayerHarness(t, bob, carol)

	msg, err := h.layer.Send(h.ctx, "anyone?")
	require.NoError(t, err)
	h.nextSent()
	h.nextSent()
	h.inject(carol, &wire.ChatAck{MessageID: msg.ID})
	h.awaitAck(carol)

	for attempt := 1; attempt < DefaultMaxAttempts; attempt++ {
		require.NoError(t, h.clock.BlockUntilContext(h.ctx, 1))
		h.clock.Advance(backoff(DefaultRetryBase, DefaultRetryMax, attempt))
		s := h.nextSent()
		assert.Equal(t, bob, s.to, "only the unacked recipient is retried")
	}
	require.NoError(t, h.clock.BlockUntilContext(h.ctx, 1))
	h.clock.Advance(DefaultRetryMax)

	ev := h.nextEvent()
	assert.Equal(t, models.ChatStatusFailed, ev.Message.Status)
	assert.Equal(t, DefaultMaxAttempts, ev.Message.Attempts)
	assert.True(t, ev.Message.AckedBy[carol])
	assert.False(t, ev.Message.AckedBy[bob])

	select {
	case s := <-h.tr.sent:
		t.Fatalf("unexpected send after failure to %s", s.to)
	default:
	}

	logged, err := h.layer.Log(h.ctx)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, models.ChatStatusFailed, logged[0].Status)
}

func TestRetryDropsRidersWhoLeft(t *testing.T) {
	bob, carol := uuid.New(), uuid.New()
	h := newLayerHarness(t, bob, carol)

	msg, err := h.layer.Send(h.ctx, "regroup at the top")
	require.NoError(t, err)
	h.nextSent()
	h.nextSent()
	h.inject(carol, &wire.ChatAck{MessageID: msg.ID})
	h.awaitAck(carol)

	h.roster.set(carol)
	require.NoError(t, h.clock.BlockUntilContext(h.ctx, 1))
	h.clock.Advance(DefaultRetryBase)

	ev := h.nextEvent()
	assert.Equal(t, models.ChatStatusSent, ev.Message.Status)
}

func TestReceiveAcksAndDeduplicates(t *testing.T) {
	bob := uuid.New()
	h := newLayerHarness(t, bob)

	id := uuid.New()
	p := &wire.ChatMessage{SessionID: h.session, MessageID: id, Seq: 1, Text: "hi"}
	h.inject(bob, p)
	h.inject(bob, p)

	for i := 0; i < 2; i++ {
		s := h.nextSent()
		assert.Equal(t, bob, s.to)
		assert.Equal(t, &wire.ChatAck{MessageID: id}, s.p)
	}

	ev := h.nextEvent()
	assert.Equal(t, EventMessageReceived, ev.Type)
	assert.Equal(t, "hi", ev.Message.Text)
	assert.Equal(t, bob, ev.Message.SenderID)
	assert.Equal(t, models.ChatStatusReceived, ev.Message.Status)

	assert.Never(t, func() bool { return len(h.layer.Events()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	// other sessions are ignored entirely
	h.inject(bob, &wire.ChatMessage{SessionID: uuid.New(), MessageID: uuid.New(), Seq: 2, Text: "stray"})
	logged, err := h.layer.Log(h.ctx)
	require.NoError(t, err)
	assert.Len(t, logged, 1)
}

func TestReceiveReleasesGapAfterWindow(t *testing.T) {
	bob := uuid.New()
	h := newLayerHarness(t, bob)

	h.inject(bob, &wire.ChatMessage{SessionID: h.session, MessageID: uuid.New(), Seq: 2, Text: "second"})
	h.nextSent()
	require.NoError(t, h.clock.BlockUntilContext(h.ctx, 1))

	h.clock.Advance(DefaultReorderWindow)
	ev := h.nextEvent()
	assert.Equal(t, "second", ev.Message.Text)

	h.inject(bob, &wire.ChatMessage{SessionID: h.session, MessageID: uuid.New(), Seq: 1, Text: "first"})
	ev = h.nextEvent()
	assert.Equal(t, "first", ev.Message.Text)

	// the session log is per-sender ordered even though "first" arrived late
	logged, err := h.layer.Log(h.ctx)
	require.NoError(t, err)
	require.Len(t, logged, 2)
	assert.Equal(t, "first", logged[0].Text)
	assert.Equal(t, "second", logged[1].Text)
}

func TestMidSessionJoinDeliversWithoutWaiting(t *testing.T) {
	bob := uuid.New()
	h := newLayerHarness(t, bob)
	h.session = uuid.New()
	require.NoError(t, h.layer.Open(h.ctx, h.session, true))

	h.inject(bob, &wire.ChatMessage{SessionID: h.session, MessageID: uuid.New(), Seq: 7, Text: "already chatting"})
	h.nextSent()
	ev := h.nextEvent()
	assert.Equal(t, "already chatting", ev.Message.Text)
	assert.Equal(t, uint64(7), ev.Message.Seq)
}

func TestSendValidation(t *testing.T) {
	h := newLayerHarness(t)

	_, err := h.layer.Send(h.ctx, "  ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.layer.Send(h.ctx, strings.Repeat("x", wire.MaxChatText+1))
	assert.ErrorIs(t, err, wire.ErrTextTooLong)

	msg, err := h.layer.Send(h.ctx, "solo ride")
	require.NoError(t, err)
	assert.Equal(t, models.ChatStatusSent, msg.Status, "nobody to wait for")

	final, err := h.layer.Close(h.ctx)
	require.NoError(t, err)
	assert.Len(t, final, 1)

	_, err = h.layer.Send(h.ctx, "after close")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestCloseFailsPending(t *testing.T) {
	bob := uuid.New()
	h := newLayerHarness(t, bob)

	_, err := h.layer.Send(h.ctx, "last words")
	require.NoError(t, err)
	h.nextSent()

	final, err := h.layer.Close(h.ctx)
	require.NoError(t, err)
	require.Len(t, final, 1)
	assert.Equal(t, models.ChatStatusFailed, final[0].Status)
}

func TestChatOverNetworkExactlyOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := transport.NewMemNetwork()
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	session := uuid.New()

	// every rider's first ack is lost, forcing a retry
	var mu sync.Mutex
	lostAck := map[netip.AddrPort]bool{}
	network.SetFilter(func(from, _ netip.AddrPort, b []byte) bool {
		if len(b) < wire.HeaderSize || wire.Tag(b[3]) != wire.TagChatAck {
			return true
		}
		mu.Lock()
		defer mu.Unlock()
		if lostAck[from] {
			return true
		}
		lostAck[from] = true
		return false
	})

	type peer struct {
		rider models.Rider
		tr    *transport.Transport
		layer *Layer
	}
	names := []string{"alice", "bob", "carol"}
	peers := make([]*peer, len(names))
	for i, name := range names {
		p := &peer{rider: models.Rider{ID: uuid.New(), DisplayName: name}}
		p.tr = transport.New(p.rider, network.NewLink(), clock, transport.Config{})
		peers[i] = p
	}
	for _, p := range peers {
		roster := &fakeRoster{}
		for _, other := range peers {
			if other != p {
				roster.members = append(roster.members, other.rider.ID)
				p.tr.LearnPeer(other.rider.ID, other.tr.LocalAddr())
			}
		}
		p.layer = New(p.tr, roster, p.tr.Subscribe("chat", wire.ChatTags...), clock, Config{})
		go p.tr.Run(ctx)
		go p.layer.Run(ctx)
		require.NoError(t, p.layer.Open(ctx, session, false))
	}
	alice := peers[0]

	msg, err := alice.layer.Send(ctx, "attack on the climb")
	require.NoError(t, err)

	// three heartbeat tickers and alice's retry timer
	require.NoError(t, clock.BlockUntilContext(ctx, 4))
	clock.Advance(DefaultRetryBase)

	require.Eventually(t, func() bool {
		logged, err := alice.layer.Log(ctx)
		return err == nil && len(logged) == 1 && logged[0].Status == models.ChatStatusSent
	}, waitFor, 10*time.Millisecond)

	for _, p := range peers[1:] {
		var received []models.ChatMessage
		require.Eventually(t, func() bool {
			logged, err := p.layer.Log(ctx)
			received = logged
			return err == nil && len(logged) > 0
		}, waitFor, 10*time.Millisecond)
		assert.Never(t, func() bool {
			logged, _ := p.layer.Log(ctx)
			return len(logged) > 1
		}, 200*time.Millisecond, 20*time.Millisecond)
		assert.Equal(t, msg.ID, received[0].ID)
		assert.Equal(t, alice.rider.ID, received[0].SenderID)
	}
}
