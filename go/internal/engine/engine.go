// Package engine wires discovery, transport, clock sync, sessions, chat, races
// and history into one node and exposes the API the UI drives.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/chat"
	"github.com/mcdev12/lanride/go/internal/clocksync"
	"github.com/mcdev12/lanride/go/internal/discovery"
	"github.com/mcdev12/lanride/go/internal/events"
	"github.com/mcdev12/lanride/go/internal/history"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/race"
	"github.com/mcdev12/lanride/go/internal/session"
	"github.com/mcdev12/lanride/go/internal/transport"
	"github.com/mcdev12/lanride/go/internal/wire"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNetworkUnavailable is returned by networked operations when the node
	// started without a usable socket.
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrNoHistory          = errors.New("no readable history sink configured")
)

const shutdownTimeout = 3 * time.Second

// MetricsSource yields the local rider's sensor samples.
type MetricsSource interface {
	// Next blocks until the next sample is available or ctx is done.
	Next(ctx context.Context) (models.Metrics, error)
}

type Options struct {
	Self models.Rider
	// Link is nil when no socket could be opened; the engine then runs degraded.
	Link transport.Link
	// Backend is nil to run without mDNS discovery.
	Backend discovery.Backend
	Sinks   []history.Sink
	Source  MetricsSource
	Clock   clockwork.Clock
	WorldID string

	Transport transport.Config
	Discovery discovery.Config
	ClockSync clocksync.Config
	Session   session.Config
	Chat      chat.Config
	Race      race.Config
	History   history.Config
}

type Engine struct {
	opts  Options
	clock clockwork.Clock
	bus   *events.Bus

	tr       *transport.Transport
	disc     *discovery.Service
	clk      *clocksync.Service
	sessions *session.Manager
	chat     *chat.Layer
	races    *race.Coordinator
	history  *history.Dispatcher
	liveness <-chan transport.LivenessEvent

	mu       sync.Mutex
	open     uuid.UUID
	openDone chan struct{}
}

func New(opts Options) (*Engine, error) {
	if opts.Self.ID == uuid.Nil {
		return nil, errors.New("engine: rider id is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	e := &Engine{
		opts:  opts,
		clock: opts.Clock,
		bus:   events.NewBus(opts.Clock),
	}
	e.history = history.NewDispatcher(opts.Sinks, opts.History, opts.Clock, e.historyDone)

	if opts.Link == nil {
		log.Warn().Msg("no network link, running without transport")
		return e, nil
	}

	e.tr = transport.New(opts.Self, opts.Link, opts.Clock, opts.Transport)
	if opts.Backend != nil {
		e.disc = discovery.New(opts.Self, int(opts.Link.LocalAddr().Port()), opts.Backend, e.tr, opts.Clock, opts.Discovery)
	}

	var dir session.Directory
	if e.disc != nil {
		dir = e.disc
	}
	e.sessions = session.NewManager(
		e.tr,
		dir,
		e.tr.Subscribe("session", wire.SessionTags...),
		e.tr.SubscribeLiveness("session"),
		opts.Clock,
		opts.Session,
	)
	e.clk = clocksync.New(e.tr, e.tr.Subscribe("clocksync", wire.ClockTags...), opts.Clock, opts.ClockSync)
	e.chat = chat.New(e.tr, e.sessions, e.tr.Subscribe("chat", wire.ChatTags...), opts.Clock, opts.Chat)
	e.races = race.New(
		e.tr,
		e.clk,
		e.tr.Subscribe("race", wire.RaceTags...),
		e.tr.SubscribeLiveness("race"),
		opts.Clock,
		opts.Race,
	)
	e.liveness = e.tr.SubscribeLiveness("engine")
	return e, nil
}

// Run starts every component and blocks until ctx is cancelled. On the way
// out an active session is left (or ended, when hosting) and its history is
// handed to the sinks before the components stop.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil {
				log.Error().Err(err).Str("component", name).Msg("component stopped with error")
			}
		}()
	}

	start("history", e.history.Run)
	if e.tr != nil {
		start("transport", e.tr.Run)
		start("clocksync", e.clk.Run)
		start("session", e.sessions.Run)
		start("chat", e.chat.Run)
		start("race", e.races.Run)
		start("session-events", e.pumpSession)
		start("chat-events", e.pumpChat)
		start("race-events", e.pumpRace)
		start("clock-events", e.pumpClock)
		start("liveness-events", e.pumpLiveness)
		if e.disc != nil {
			start("discovery", e.disc.Run)
			start("discovery-events", e.pumpDiscovery)
		}
		if e.opts.Source != nil {
			start("metrics-source", e.pumpMetrics)
		}
	}

	log.Info().
		Str("rider_id", e.opts.Self.ID.String()).
		Str("display_name", e.opts.Self.DisplayName).
		Bool("network", e.tr != nil).
		Bool("discovery", e.disc != nil).
		Strs("sinks", e.history.Sinks()).
		Msg("engine started")

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	e.closeSession(shutdownCtx)
	cancelShutdown()

	cancel()
	wg.Wait()
	e.bus.Close()
	log.Info().Msg("engine stopped")
	return nil
}

// Self returns the local rider.
func (e *Engine) Self() models.Rider {
	return e.opts.Self
}

// closeSession leaves the current session and waits for its history to be queued.
func (e *Engine) closeSession(ctx context.Context) {
	if e.sessions == nil {
		return
	}
	e.mu.Lock()
	done := e.openDone
	e.mu.Unlock()
	if done == nil {
		return
	}

	err := e.sessions.End(ctx)
	if errors.Is(err, session.ErrNotHost) {
		err = e.sessions.Leave(ctx)
	}
	if err != nil {
		log.Warn().Err(err).Msg("failed to close session on shutdown")
	}

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("session history not queued before shutdown")
	}
}
