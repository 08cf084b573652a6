package main

import (
	"context"

	"github.com/mcdev12/lanride/go/internal/config"
	"github.com/mcdev12/lanride/go/internal/history"
	"github.com/rs/zerolog/log"
)

// historySinks holds the opened sinks and how to close them.
type historySinks struct {
	sinks     []history.Sink
	jetstream *history.JetStreamSink
	closers   []func()
}

func (h *historySinks) Close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
}

// setupSinks opens the embedded store and whichever external sinks are
// configured. An external sink that cannot be reached is skipped.
func setupSinks(ctx context.Context, cfg config.HistoryConfig) (*historySinks, error) {
	out := &historySinks{}

	store, err := history.OpenBadger(cfg.BadgerDir)
	if err != nil {
		return nil, err
	}
	out.sinks = append(out.sinks, store)
	out.closers = append(out.closers, func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close badger")
		}
	})
	log.Info().Str("dir", cfg.BadgerDir).Bool("in_memory", cfg.BadgerDir == "").Msg("history store opened")

	if cfg.Postgres.Enabled {
		pg, err := history.NewPostgresStore(ctx, cfg.Postgres.DSN())
		if err != nil {
			log.Error().Err(err).Str("host", cfg.Postgres.Host).Msg("postgres history disabled")
		} else {
			out.sinks = append(out.sinks, pg)
			out.closers = append(out.closers, pg.Close)
			log.Info().
				Str("database", cfg.Postgres.Database).
				Str("host", cfg.Postgres.Host).
				Msg("connected to postgres")
		}
	}

	if cfg.NATS.URL != "" {
		jsCfg := history.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATS.URL
		if cfg.NATS.Stream != "" {
			jsCfg.StreamName = cfg.NATS.Stream
		}
		js, err := history.NewJetStreamSink(ctx, jsCfg)
		if err != nil {
			log.Error().Err(err).Str("url", cfg.NATS.URL).Msg("jetstream history disabled")
		} else {
			out.sinks = append(out.sinks, js)
			out.jetstream = js
			out.closers = append(out.closers, func() {
				if err := js.Close(); err != nil {
					log.Error().Err(err).Msg("failed to drain nats")
				}
			})
		}
	}
	return out, nil
}
