// Package clocksync estimates each peer's clock offset from ping/pong probes.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/common/mailbox"
	"github.com/mcdev12/lanride/go/internal/transport"
	"github.com/mcdev12/lanride/go/internal/wire"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAlpha         = 0.25
	DefaultMaxRoundTrip  = time.Second
	DefaultProbeTimeout  = 2 * time.Second
	DefaultProbeInterval = time.Second
	DefaultDegradedAfter = 3
)

var (
	ErrNoEstimate        = errors.New("no clock estimate for peer")
	ErrProbeTimeout      = errors.New("clock probe timed out")
	ErrRoundTripTooLarge = errors.New("clock probe round trip above ceiling")
)

type Config struct {
	Alpha         float64
	MaxRoundTrip  time.Duration
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration
	DegradedAfter int
}

func (c Config) withDefaults() Config {
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = DefaultAlpha
	}
	if c.MaxRoundTrip <= 0 {
		c.MaxRoundTrip = DefaultMaxRoundTrip
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = DefaultDegradedAfter
	}
	return c
}

// Transport is the subset of the transport the estimator sends with.
type Transport interface {
	Send(ctx context.Context, rider uuid.UUID, p wire.Payload) error
	LivePeers() []uuid.UUID
}

// Update is published whenever an estimate changes or a peer becomes degraded.
type Update struct {
	Estimate
}

type probeKey struct {
	peer uuid.UUID
	sent int64
}

type probeResult struct {
	sample Sample
	err    error
}

type probe struct {
	timer   clockwork.Timer
	waiters []chan probeResult
}

// Service owns all estimates inside its mailbox loop.
type Service struct {
	cfg     Config
	clock   clockwork.Clock
	tr      Transport
	inbound <-chan transport.Inbound
	box     *mailbox.Mailbox
	updates chan Update

	estimates map[uuid.UUID]*Estimate
	pending   map[probeKey]*probe
}

// New creates the estimator. inbound must carry Ping and Pong messages.
func New(tr Transport, inbound <-chan transport.Inbound, clock clockwork.Clock, cfg Config) *Service {
	return &Service{
		cfg:       cfg.withDefaults(),
		clock:     clock,
		tr:        tr,
		inbound:   inbound,
		box:       mailbox.New(128),
		updates:   make(chan Update, 64),
		estimates: make(map[uuid.UUID]*Estimate),
		pending:   make(map[probeKey]*probe),
	}
}

// Updates streams OffsetUpdated notifications. Slow readers lose updates.
func (s *Service) Updates() <-chan Update {
	return s.updates
}

// Run probes every live peer each ProbeInterval and answers probes until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	go s.box.Run(ctx)

	ticker := s.clock.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-s.inbound:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if err := s.box.Do(ctx, func() { s.handle(ctx, in) }); err != nil {
				return nil
			}
		case <-ticker.Chan():
			if err := s.box.Do(ctx, func() { s.probeAll(ctx) }); err != nil {
				return nil
			}
		}
	}
}

// Measure probes rider once and waits for the result.
func (s *Service) Measure(ctx context.Context, rider uuid.UUID) (Sample, error) {
	ch, err := mailbox.Call(ctx, s.box, func() (chan probeResult, error) {
		return s.sendProbe(ctx, rider, true)
	})
	if err != nil {
		return Sample{}, err
	}

	select {
	case res := <-ch:
		return res.sample, res.err
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	case <-s.box.Done():
		return Sample{}, mailbox.ErrClosed
	}
}

// Offset returns the smoothed offset of rider's clock relative to ours.
func (s *Service) Offset(ctx context.Context, rider uuid.UUID) (time.Duration, error) {
	e, err := s.Estimate(ctx, rider)
	return e.Offset, err
}

// Estimate returns the full estimate for rider.
func (s *Service) Estimate(ctx context.Context, rider uuid.UUID) (Estimate, error) {
	return mailbox.Call(ctx, s.box, func() (Estimate, error) {
		e, ok := s.estimates[rider]
		if !ok || e.Samples == 0 {
			return Estimate{Peer: rider}, ErrNoEstimate
		}
		return *e, nil
	})
}

// Estimates returns every known estimate ordered by peer id.
func (s *Service) Estimates(ctx context.Context) ([]Estimate, error) {
	return mailbox.Call(ctx, s.box, func() ([]Estimate, error) {
		out := make([]Estimate, 0, len(s.estimates))
		for _, e := range s.estimates {
			out = append(out, *e)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Peer.String() < out[j].Peer.String() })
		return out, nil
	})
}

func (s *Service) handle(ctx context.Context, in transport.Inbound) {
	switch p := in.Msg.Payload.(type) {
	case *wire.Ping:
		pong := &wire.Pong{Echo: p.Timestamp, LocalTime: s.clock.Now().UnixNano()}
		if err := s.tr.Send(ctx, in.Msg.Sender, pong); err != nil {
			log.Debug().Err(err).Str("rider_id", in.Msg.Sender.String()).Msg("failed to answer ping")
		}
	case *wire.Pong:
		s.handlePong(in.Msg.Sender, p, in.ReceivedAt)
	default:
		log.Warn().Str("tag", in.Msg.Tag.String()).Msg("clocksync: unexpected message")
	}
}

func (s *Service) probeAll(ctx context.Context) {
	for _, peer := range s.tr.LivePeers() {
		if _, err := s.sendProbe(ctx, peer, false); err != nil {
			log.Debug().Err(err).Str("rider_id", peer.String()).Msg("probe send failed")
		}
	}
}

func (s *Service) sendProbe(ctx context.Context, rider uuid.UUID, wait bool) (chan probeResult, error) {
	sent := s.clock.Now().UnixNano()
	key := probeKey{peer: rider, sent: sent}

	p, ok := s.pending[key]
	if !ok {
		if err := s.tr.Send(ctx, rider, &wire.Ping{Timestamp: sent}); err != nil {
			return nil, fmt.Errorf("send ping: %w", err)
		}
		p = &probe{}
		p.timer = s.clock.AfterFunc(s.cfg.ProbeTimeout, func() {
			s.box.Post(func() { s.expire(key) })
		})
		s.pending[key] = p
	}

	if !wait {
		return nil, nil
	}
	ch := make(chan probeResult, 1)
	p.waiters = append(p.waiters, ch)
	return ch, nil
}

func (s *Service) handlePong(peer uuid.UUID, pong *wire.Pong, received time.Time) {
	key := probeKey{peer: peer, sent: pong.Echo}
	p, ok := s.pending[key]
	if !ok {
		log.Debug().Str("rider_id", peer.String()).Msg("pong for unknown or expired probe")
		return
	}
	delete(s.pending, key)
	p.timer.Stop()

	rtt, offset := Compute(time.Unix(0, pong.Echo), time.Unix(0, pong.LocalTime), received)
	sample := Sample{Peer: peer, Offset: offset, RTT: rtt, At: received}

	e := s.estimate(peer)
	if rtt > s.cfg.MaxRoundTrip || rtt < 0 {
		log.Debug().Str("rider_id", peer.String()).Dur("rtt", rtt).Msg("discarding clock sample")
		s.failed(peer, e)
		resolve(p, probeResult{sample: sample, err: ErrRoundTripTooLarge})
		return
	}

	e.apply(sample, s.cfg.Alpha)
	s.publish(*e)
	resolve(p, probeResult{sample: sample})
}

func (s *Service) expire(key probeKey) {
	p, ok := s.pending[key]
	if !ok {
		return
	}
	delete(s.pending, key)

	log.Debug().Str("rider_id", key.peer.String()).Msg("clock probe timed out")
	s.failed(key.peer, s.estimate(key.peer))
	resolve(p, probeResult{err: ErrProbeTimeout})
}

func (s *Service) failed(peer uuid.UUID, e *Estimate) {
	if e.fail(s.cfg.DegradedAfter) {
		log.Warn().Str("rider_id", peer.String()).Int("failures", e.Failures).Msg("clock sync degraded")
		s.publish(*e)
	}
}

func (s *Service) estimate(peer uuid.UUID) *Estimate {
	e, ok := s.estimates[peer]
	if !ok {
		e = &Estimate{Peer: peer}
		s.estimates[peer] = e
	}
	return e
}

func (s *Service) publish(e Estimate) {
	select {
	case s.updates <- Update{Estimate: e}:
	default:
	}
}

func resolve(p *probe, res probeResult) {
	for _, ch := range p.waiters {
		ch <- res
	}
}
