// Package discovery advertises this rider over mDNS/DNS-SD and keeps a live
// table of the other riders on the LAN.
package discovery

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/common/mailbox"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/wire"
	"github.com/rs/zerolog/log"
)

const (
	DefaultService             = "_lanride._udp"
	DefaultDomain              = "local."
	DefaultReadvertiseInterval = 5 * time.Second
	DefaultBrowseWindow        = 3 * time.Second
	DefaultVanishAfter         = 15 * time.Second
)

type Config struct {
	Service             string
	Domain              string
	ReadvertiseInterval time.Duration
	BrowseWindow        time.Duration
	VanishAfter         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.ReadvertiseInterval <= 0 {
		c.ReadvertiseInterval = DefaultReadvertiseInterval
	}
	if c.BrowseWindow <= 0 {
		c.BrowseWindow = DefaultBrowseWindow
	}
	if c.BrowseWindow >= c.ReadvertiseInterval {
		c.BrowseWindow = c.ReadvertiseInterval / 2
	}
	if c.VanishAfter <= 0 {
		c.VanishAfter = DefaultVanishAfter
	}
	return c
}

type EventType string

const (
	PeerAppeared EventType = "PeerAppeared"
	PeerUpdated  EventType = "PeerUpdated"
	PeerVanished EventType = "PeerVanished"
	// Disabled is published once when no interface supports multicast.
	Disabled EventType = "DiscoveryDisabled"
)

type Event struct {
	Type EventType
	Peer models.Peer
}

// SessionSummary is a session visible on the LAN through peers' TXT attributes.
type SessionSummary struct {
	ID       uuid.UUID   `json:"id"`
	HostID   uuid.UUID   `json:"host_id"`
	HostName string      `json:"host_name"`
	Members  []uuid.UUID `json:"members"`
}

type peerEntry struct {
	peer models.Peer
	host bool
}

// Traffic reports when the transport last heard from a rider.
type Traffic interface {
	LastHeard(rider uuid.UUID) (time.Time, bool)
}

// Service owns the peer table inside its mailbox loop.
type Service struct {
	cfg     Config
	backend Backend
	traffic Traffic
	clock   clockwork.Clock
	box     *mailbox.Mailbox
	events  chan Event

	self     models.Rider
	port     int
	session  uuid.UUID
	hosting  bool
	reg      Registration
	disabled bool
	browsing bool
	peers    map[uuid.UUID]*peerEntry
}

// New creates a discovery service advertising self on the given unicast port.
// traffic may be nil; then only mDNS and Touch keep peers alive.
func New(self models.Rider, port int, backend Backend, traffic Traffic, clock clockwork.Clock, cfg Config) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		backend: backend,
		traffic: traffic,
		clock:   clock,
		box:     mailbox.New(256),
		events:  make(chan Event, 128),
		self:    self,
		port:    port,
		peers:   make(map[uuid.UUID]*peerEntry),
	}
}

func (s *Service) Events() <-chan Event {
	return s.events
}

// Run advertises, browses every ReadvertiseInterval and expires silent peers.
func (s *Service) Run(ctx context.Context) error {
	go s.box.Run(ctx)

	if err := s.box.Do(ctx, func() { s.advertise() }); err != nil {
		return nil
	}

	ticker := s.clock.NewTicker(s.cfg.ReadvertiseInterval)
	defer ticker.Stop()

	s.box.Post(func() { s.startBrowse(ctx) })
	for {
		select {
		case <-ctx.Done():
			<-s.box.Done()
			s.shutdown()
			return nil
		case <-ticker.Chan():
			s.box.Post(func() {
				s.readvertise()
				s.sweep()
				s.startBrowse(ctx)
			})
		}
	}
}

// Disabled reports whether mDNS could not be started on any interface.
func (s *Service) Disabled(ctx context.Context) (bool, error) {
	return mailbox.Call(ctx, s.box, func() (bool, error) { return s.disabled, nil })
}

// SetSession updates the advertised session attribute. A Nil id clears it.
func (s *Service) SetSession(ctx context.Context, id uuid.UUID, host bool) error {
	return s.box.Do(ctx, func() {
		s.session = id
		s.hosting = host && id != uuid.Nil
		s.readvertise()
	})
}

// Touch refreshes rider on any received transport message.
func (s *Service) Touch(rider uuid.UUID, addr netip.AddrPort) {
	if rider == s.self.ID {
		return
	}
	s.box.Post(func() { s.touch(rider, addr) })
}

// Peers returns the live peer table ordered by display name.
func (s *Service) Peers(ctx context.Context) ([]models.Peer, error) {
	return mailbox.Call(ctx, s.box, func() ([]models.Peer, error) {
		out := make([]models.Peer, 0, len(s.peers))
		for _, e := range s.peers {
			out = append(out, e.peer)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].DisplayName != out[j].DisplayName {
				return out[i].DisplayName < out[j].DisplayName
			}
			return out[i].RiderID.String() < out[j].RiderID.String()
		})
		return out, nil
	})
}

// Peer looks up one rider.
func (s *Service) Peer(ctx context.Context, rider uuid.UUID) (models.Peer, bool, error) {
	var (
		p  models.Peer
		ok bool
	)
	err := s.box.Do(ctx, func() {
		if e, found := s.peers[rider]; found {
			p, ok = e.peer, true
		}
	})
	return p, ok, err
}

// Sessions groups visible peers by the session they advertise.
func (s *Service) Sessions(ctx context.Context) ([]SessionSummary, error) {
	return mailbox.Call(ctx, s.box, func() ([]SessionSummary, error) {
		byID := make(map[uuid.UUID]*SessionSummary)
		for _, e := range s.peers {
			if e.peer.SessionID == uuid.Nil {
				continue
			}
			sum, ok := byID[e.peer.SessionID]
			if !ok {
				sum = &SessionSummary{ID: e.peer.SessionID}
				byID[e.peer.SessionID] = sum
			}
			sum.Members = append(sum.Members, e.peer.RiderID)
			if e.host {
				sum.HostID = e.peer.RiderID
				sum.HostName = e.peer.DisplayName
			}
		}

		out := make([]SessionSummary, 0, len(byID))
		for _, sum := range byID {
			sort.Slice(sum.Members, func(i, j int) bool { return sum.Members[i].String() < sum.Members[j].String() })
			out = append(out, *sum)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
		return out, nil
	})
}

func (s *Service) record() record {
	return record{rider: s.self.ID, proto: int(wire.Version), session: s.session, host: s.hosting}
}

func (s *Service) advertise() {
	reg, err := s.backend.Register(s.self.DisplayName, s.cfg.Service, s.cfg.Domain, s.port, s.record().text())
	if err != nil {
		if errors.Is(err, ErrNoMulticast) {
			s.disabled = true
			log.Warn().Err(err).Msg("discovery disabled")
			s.publish(Event{Type: Disabled, Peer: models.Peer{RiderID: s.self.ID}})
			return
		}
		log.Error().Err(err).Msg("failed to advertise, will retry")
		return
	}
	s.reg = reg
	log.Info().
		Str("rider_id", s.self.ID.String()).
		Str("service", s.cfg.Service).
		Int("port", s.port).
		Msg("advertising")
}

func (s *Service) readvertise() {
	if s.disabled {
		return
	}
	if s.reg == nil {
		s.advertise()
		return
	}
	s.reg.SetText(s.record().text())
}

func (s *Service) startBrowse(ctx context.Context) {
	if s.disabled || s.browsing || ctx.Err() != nil {
		return
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	window := s.clock.AfterFunc(s.cfg.BrowseWindow, cancel)
	entries, err := s.backend.Browse(cycleCtx, s.cfg.Service, s.cfg.Domain)
	if err != nil {
		window.Stop()
		cancel()
		if errors.Is(err, ErrNoMulticast) {
			s.disabled = true
			log.Warn().Err(err).Msg("discovery disabled")
			s.publish(Event{Type: Disabled, Peer: models.Peer{RiderID: s.self.ID}})
			return
		}
		log.Error().Err(err).Msg("browse failed")
		return
	}
	s.browsing = true

	go func() {
		defer func() {
			window.Stop()
			cancel()
		}()
		for e := range entries {
			s.box.Post(func() { s.observe(e) })
		}
		s.box.Post(func() { s.browsing = false })
	}()
}

func (s *Service) observe(e Entry) {
	rec, ok := parseText(e.Text)
	if !ok {
		log.Debug().Str("instance", e.Instance).Msg("ignoring entry without rider id")
		return
	}
	if rec.rider == s.self.ID {
		return
	}

	var addr netip.AddrPort
	for _, ip := range e.AddrIPv4 {
		if a, ok := netip.AddrFromSlice(ip.To4()); ok {
			addr = netip.AddrPortFrom(a, uint16(e.Port))
			break
		}
	}

	now := s.clock.Now()
	pe, known := s.peers[rec.rider]
	if !known {
		pe = &peerEntry{peer: models.Peer{RiderID: rec.rider}}
		s.peers[rec.rider] = pe
	}
	changed := pe.peer.DisplayName != e.Instance ||
		pe.peer.SessionID != rec.session ||
		pe.host != rec.host ||
		(addr.IsValid() && pe.peer.Addr != addr) ||
		pe.peer.ProtocolVersion != rec.proto

	pe.peer.DisplayName = e.Instance
	pe.peer.SessionID = rec.session
	pe.peer.ProtocolVersion = rec.proto
	pe.host = rec.host
	if addr.IsValid() {
		pe.peer.Addr = addr
	}
	pe.peer.LastSeen = now

	switch {
	case !known:
		log.Info().Str("rider_id", rec.rider.String()).Str("name", e.Instance).Str("addr", addr.String()).Msg("peer appeared")
		s.publish(Event{Type: PeerAppeared, Peer: pe.peer})
	case changed:
		s.publish(Event{Type: PeerUpdated, Peer: pe.peer})
	}
}

func (s *Service) touch(rider uuid.UUID, addr netip.AddrPort) {
	pe, known := s.peers[rider]
	if !known {
		pe = &peerEntry{peer: models.Peer{RiderID: rider, Addr: addr, LastSeen: s.clock.Now()}}
		s.peers[rider] = pe
		s.publish(Event{Type: PeerAppeared, Peer: pe.peer})
		return
	}
	pe.peer.LastSeen = s.clock.Now()
	if addr.IsValid() && pe.peer.Addr != addr {
		pe.peer.Addr = addr
		s.publish(Event{Type: PeerUpdated, Peer: pe.peer})
	}
}

func (s *Service) sweep() {
	now := s.clock.Now()
	for id, pe := range s.peers {
		if s.traffic != nil {
			if heard, ok := s.traffic.LastHeard(id); ok && heard.After(pe.peer.LastSeen) {
				pe.peer.LastSeen = heard
			}
		}
		if now.Sub(pe.peer.LastSeen) <= s.cfg.VanishAfter {
			continue
		}
		delete(s.peers, id)
		log.Info().Str("rider_id", id.String()).Time("last_seen", pe.peer.LastSeen).Msg("peer vanished")
		s.publish(Event{Type: PeerVanished, Peer: pe.peer})
	}
}

func (s *Service) shutdown() {
	if s.reg != nil {
		s.reg.Shutdown()
		s.reg = nil
	}
}

func (s *Service) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("type", string(ev.Type)).Str("rider_id", ev.Peer.RiderID.String()).Msg("discovery event dropped")
	}
}
