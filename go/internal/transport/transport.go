// Package transport carries tagged datagrams between riders on the LAN.
//
// One Transport is shared by every component of a node. Each component
// subscribes to the tags it handles; the Transport decodes datagrams on a small
// worker pool, drops stale latest-value-wins packets, tracks peer liveness from
// heartbeats and fans messages out to subscribers.
package transport

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/wire"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultHeartbeatInterval is how often a node multicasts a Heartbeat.
	DefaultHeartbeatInterval = time.Second
	// DefaultMissThreshold is the number of silent heartbeat intervals after
	// which a peer is reported Down.
	DefaultMissThreshold = 5
	// DefaultMetricsRate caps BroadcastMetrics, in messages per second.
	DefaultMetricsRate = 20
	DefaultWorkers     = 4
	DefaultSubBuffer   = 256
)

var (
	ErrUnknownPeer = errors.New("no address known for peer")
	ErrRateLimited = errors.New("metric broadcast rate exceeded")
)

// Config tunes a Transport. Zero fields take the defaults above.
type Config struct {
	HeartbeatInterval time.Duration
	MissThreshold     int
	MetricsRate       float64
	Workers           int
	SubscriberBuffer  int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = DefaultMissThreshold
	}
	if c.MetricsRate <= 0 {
		c.MetricsRate = DefaultMetricsRate
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = DefaultSubBuffer
	}
	return c
}

// Inbound is a decoded message together with where and when it arrived.
type Inbound struct {
	Msg        *wire.Message
	From       netip.AddrPort
	ReceivedAt time.Time
}

// LivenessEvent reports a peer going Down or coming back Up.
type LivenessEvent struct {
	Rider    uuid.UUID
	Up       bool
	LastSeen time.Time
	Addr     netip.AddrPort
}

type subscription struct {
	name string
	tags map[wire.Tag]bool
	ch   chan Inbound
}

type livenessSub struct {
	name string
	ch   chan LivenessEvent
}

type peerState struct {
	addr     netip.AddrPort
	lastSeen time.Time
	up       bool
}

type staleKey struct {
	sender uuid.UUID
	tag    wire.Tag
}

// Transport is safe for concurrent use.
type Transport struct {
	cfg     Config
	link    Link
	clock   clockwork.Clock
	self    models.Rider
	limiter *rate.Limiter

	mu          sync.Mutex
	peers       map[uuid.UUID]*peerState
	lastApplied map[staleKey]int64
	sessionID   uuid.UUID

	subsMu   sync.RWMutex
	subs     []*subscription
	liveSubs []*livenessSub

	stats counters
}

// New creates a Transport for self over link.
func New(self models.Rider, link Link, clock clockwork.Clock, cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:         cfg,
		link:        link,
		clock:       clock,
		self:        self,
		limiter:     rate.NewLimiter(rate.Limit(cfg.MetricsRate), 1),
		peers:       make(map[uuid.UUID]*peerState),
		lastApplied: make(map[staleKey]int64),
	}
}

func (t *Transport) Self() models.Rider {
	return t.self
}

func (t *Transport) LocalAddr() netip.AddrPort {
	return t.link.LocalAddr()
}

// HeartbeatInterval returns the configured heartbeat period.
func (t *Transport) HeartbeatInterval() time.Duration {
	return t.cfg.HeartbeatInterval
}

// Subscribe returns a channel receiving every message whose tag is in tags.
// Subscribe before Run. The channel is closed when Run returns.
func (t *Transport) Subscribe(name string, tags ...wire.Tag) <-chan Inbound {
	s := &subscription{
		name: name,
		tags: make(map[wire.Tag]bool, len(tags)),
		ch:   make(chan Inbound, t.cfg.SubscriberBuffer),
	}
	for _, tag := range tags {
		s.tags[tag] = true
	}

	t.subsMu.Lock()
	t.subs = append(t.subs, s)
	t.subsMu.Unlock()
	return s.ch
}

// SubscribeLiveness returns a channel of Up/Down transitions.
func (t *Transport) SubscribeLiveness(name string) <-chan LivenessEvent {
	s := &livenessSub{name: name, ch: make(chan LivenessEvent, t.cfg.SubscriberBuffer)}

	t.subsMu.Lock()
	t.liveSubs = append(t.liveSubs, s)
	t.subsMu.Unlock()
	return s.ch
}

// SetSession sets the session id carried in heartbeats and metric updates.
func (t *Transport) SetSession(id uuid.UUID) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// LearnPeer records where a rider can be reached, typically from discovery.
func (t *Transport) LearnPeer(rider uuid.UUID, addr netip.AddrPort) {
	if rider == t.self.ID || !addr.IsValid() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[rider]
	if !ok {
		t.peers[rider] = &peerState{addr: addr}
		return
	}
	p.addr = addr
}

// PeerAddr returns the last known address of rider.
func (t *Transport) PeerAddr(rider uuid.UUID) (netip.AddrPort, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[rider]
	if !ok || !p.addr.IsValid() {
		return netip.AddrPort{}, false
	}
	return p.addr, true
}

// LivePeers returns every peer currently considered Up.
func (t *Transport) LivePeers() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uuid.UUID, 0, len(t.peers))
	for id, p := range t.peers {
		if p.up {
			out = append(out, id)
		}
	}
	return out
}

// LastHeard returns when rider last sent us anything.
func (t *Transport) LastHeard(rider uuid.UUID) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[rider]
	if !ok || p.lastSeen.IsZero() {
		return time.Time{}, false
	}
	return p.lastSeen, true
}

// IsUp reports whether rider is currently live.
func (t *Transport) IsUp(rider uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[rider]
	return ok && p.up
}

// Send unicasts p to rider. Failures are logged and returned; nothing is retried here.
func (t *Transport) Send(ctx context.Context, rider uuid.UUID, p wire.Payload) error {
	addr, ok := t.PeerAddr(rider)
	if !ok {
		return ErrUnknownPeer
	}
	return t.SendAddr(ctx, addr, p)
}

// SendAddr unicasts p to addr.
func (t *Transport) SendAddr(ctx context.Context, addr netip.AddrPort, p wire.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := wire.Encode(wire.New(t.self.ID, t.clock.Now(), p))
	if err != nil {
		return err
	}
	if err := t.link.WriteTo(b, addr); err != nil {
		t.stats.sendErrors.Add(1)
		log.Warn().Err(err).Str("to", addr.String()).Str("tag", p.Tag().String()).Msg("unicast send failed")
		return err
	}
	t.stats.sent.Add(1)
	return nil
}

// Multicast sends p to the whole group.
func (t *Transport) Multicast(ctx context.Context, p wire.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := wire.Encode(wire.New(t.self.ID, t.clock.Now(), p))
	if err != nil {
		return err
	}
	if err := t.link.WriteMulticast(b); err != nil {
		t.stats.sendErrors.Add(1)
		log.Warn().Err(err).Str("tag", p.Tag().String()).Msg("multicast send failed")
		return err
	}
	t.stats.sent.Add(1)
	return nil
}

// BroadcastMetrics multicasts a metric sample, stamped with the current session.
// Samples above the configured rate are dropped with ErrRateLimited.
func (t *Transport) BroadcastMetrics(ctx context.Context, m wire.MetricUpdate) error {
	if !t.limiter.AllowN(t.clock.Now(), 1) {
		t.stats.rateLimited.Add(1)
		return ErrRateLimited
	}
	if m.SessionID == uuid.Nil {
		t.mu.Lock()
		m.SessionID = t.sessionID
		t.mu.Unlock()
	}
	return t.Multicast(ctx, &m)
}

// Run starts the worker pool and the heartbeat loop and blocks until ctx is
// cancelled. The link is closed on return.
func (t *Transport) Run(ctx context.Context) error {
	log.Info().
		Str("rider_id", t.self.ID.String()).
		Str("addr", t.link.LocalAddr().String()).
		Int("workers", t.cfg.Workers).
		Msg("transport started")

	var wg sync.WaitGroup
	for i := 0; i < t.cfg.Workers; i++ {
		wg.Add(1)
		go t.worker(ctx, &wg, i)
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		t.heartbeatLoop(hbCtx)
	}()

	<-ctx.Done()
	cancelHB()
	<-hbDone

	err := t.link.Close()
	wg.Wait()
	t.closeSubscribers()

	log.Info().Str("rider_id", t.self.ID.String()).Msg("transport stopped")
	return err
}

func (t *Transport) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	packets := t.link.Packets()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				log.Debug().Int("worker_id", workerID).Msg("link closed, worker shutting down")
				return
			}
			t.handlePacket(pkt)
		}
	}
}

func (t *Transport) handlePacket(pkt Packet) {
	msg, err := wire.Decode(pkt.Data)
	if err != nil {
		t.stats.decodeErrors.Add(1)
		log.Debug().Err(err).Str("from", pkt.From.String()).Msg("dropping undecodable datagram")
		return
	}
	if msg.Sender == t.self.ID {
		return
	}
	t.stats.received.Add(1)

	now := t.clock.Now()
	up, stale := t.observe(msg, pkt.From, now)
	if up != nil {
		log.Info().Str("rider_id", up.Rider.String()).Str("addr", up.Addr.String()).Msg("peer up")
		t.publishLiveness(*up)
	}
	if stale {
		t.stats.stale.Add(1)
		return
	}

	t.dispatch(Inbound{Msg: msg, From: pkt.From, ReceivedAt: now})
}

// observe refreshes the sender's liveness and address, and applies the stale
// filter. It returns an Up event when the sender was unknown or Down.
func (t *Transport) observe(msg *wire.Message, from netip.AddrPort, now time.Time) (*LivenessEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var up *LivenessEvent
	p, ok := t.peers[msg.Sender]
	if !ok {
		p = &peerState{}
		t.peers[msg.Sender] = p
	}
	p.addr = from
	p.lastSeen = now
	if !p.up {
		p.up = true
		up = &LivenessEvent{Rider: msg.Sender, Up: true, LastSeen: now, Addr: from}
	}

	if !msg.Tag.LatestValueWins() {
		return up, false
	}
	key := staleKey{sender: msg.Sender, tag: msg.Tag}
	if last, seen := t.lastApplied[key]; seen && msg.SentAt <= last {
		return up, true
	}
	t.lastApplied[key] = msg.SentAt
	return up, false
}

func (t *Transport) dispatch(in Inbound) {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()

	for _, s := range t.subs {
		if !s.tags[in.Msg.Tag] {
			continue
		}
		select {
		case s.ch <- in:
		default:
			t.stats.dropped.Add(1)
			log.Warn().
				Str("subscriber", s.name).
				Str("tag", in.Msg.Tag.String()).
				Str("sender", in.Msg.Sender.String()).
				Msg("subscriber channel full, dropping message")
		}
	}
}

func (t *Transport) publishLiveness(ev LivenessEvent) {
	t.subsMu.RLock()
	defer t.subsMu.RUnlock()

	for _, s := range t.liveSubs {
		select {
		case s.ch <- ev:
		default:
			log.Warn().Str("subscriber", s.name).Str("rider_id", ev.Rider.String()).Msg("liveness channel full, dropping event")
		}
	}
}

func (t *Transport) closeSubscribers() {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, s := range t.subs {
		close(s.ch)
	}
	for _, s := range t.liveSubs {
		close(s.ch)
	}
	t.subs = nil
	t.liveSubs = nil
}
