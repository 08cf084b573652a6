package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/rs/zerolog/log"
)

var ErrQueueFull = errors.New("history queue full")

type Config struct {
	Workers      int
	QueueSize    int
	MaxRetries   int
	RetryDelay   time.Duration
	DrainTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:      2,
		QueueSize:    32,
		MaxRetries:   3,
		RetryDelay:   time.Second,
		DrainTimeout: 5 * time.Second,
	}
}

// Result reports which sinks accepted a session.
type Result struct {
	History models.SessionHistory
	Stored  []string
	Failed  map[string]error
}

// Dispatcher writes finished sessions to every sink in the background, retrying failures.
type Dispatcher struct {
	sinks  []Sink
	config Config
	clock  clockwork.Clock
	queue  chan models.SessionHistory
	onDone func(Result)
}

// NewDispatcher creates a dispatcher. onDone may be nil.
func NewDispatcher(sinks []Sink, cfg Config, clock clockwork.Clock, onDone func(Result)) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if onDone == nil {
		onDone = func(Result) {}
	}
	return &Dispatcher{
		sinks:  sinks,
		config: cfg,
		clock:  clock,
		queue:  make(chan models.SessionHistory, cfg.QueueSize),
		onDone: onDone,
	}
}

// Sinks lists the configured sink names.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Submit queues h without blocking.
func (d *Dispatcher) Submit(h models.SessionHistory) error {
	select {
	case d.queue <- h:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run stores queued sessions until ctx is done, then drains what is left within DrainTimeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.config.Workers; i++ {
		wg.Add(1)
		go d.worker(ctx, &wg, i)
	}
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), d.config.DrainTimeout)
	defer cancel()
	for {
		select {
		case h := <-d.queue:
			d.dispatch(drainCtx, h)
		default:
			return nil
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	log.Debug().Int("worker_id", workerID).Msg("history worker started")
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-d.queue:
			d.dispatch(ctx, h)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, h models.SessionHistory) {
	res := Result{History: h, Failed: make(map[string]error)}
	for _, s := range d.sinks {
		if err := d.storeWithRetry(ctx, s, h); err != nil {
			log.Error().
				Err(err).
				Str("sink", s.Name()).
				Str("session_id", h.Session.ID.String()).
				Msg("failed to store session history")
			res.Failed[s.Name()] = err
			continue
		}
		res.Stored = append(res.Stored, s.Name())
	}
	log.Info().
		Str("session_id", h.Session.ID.String()).
		Strs("stored", res.Stored).
		Int("failed", len(res.Failed)).
		Msg("session history dispatched")
	d.onDone(res)
}

func (d *Dispatcher) storeWithRetry(ctx context.Context, s Sink, h models.SessionHistory) error {
	var lastErr error

	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.clock.After(d.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := s.Store(ctx, h); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Str("sink", s.Name()).
				Int("attempt", attempt+1).
				Msg("failed to store session history, retrying")
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", d.config.MaxRetries+1, lastErr)
}
