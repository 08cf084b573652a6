package main

import (
	"github.com/mcdev12/lanride/go/internal/config"
	"github.com/mcdev12/lanride/go/internal/discovery"
	"github.com/mcdev12/lanride/go/internal/engine"
	"github.com/mcdev12/lanride/go/internal/history"
	"github.com/mcdev12/lanride/go/internal/transport"
	"github.com/rs/zerolog/log"
)

// setupEngine opens the UDP link and wires the engine. A link that cannot be
// opened leaves the engine running degraded rather than failing startup.
func setupEngine(cfg config.Config, sinks []history.Sink, source engine.MetricsSource) (*engine.Engine, error) {
	opts, err := engine.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts.Sinks = sinks
	opts.Source = source

	group, err := cfg.Network.Group()
	if err != nil {
		return nil, err
	}
	link, err := transport.NewUDPLink(transport.UDPConfig{UnicastPort: cfg.Network.UnicastPort, Group: group})
	if err != nil {
		log.Error().Err(err).Msg("failed to open UDP link, networking disabled")
	} else {
		opts.Link = link
		if cfg.Discovery.Enabled {
			opts.Backend = discovery.NewZeroconfBackend()
		}
	}

	log.Info().
		Str("rider_id", opts.Self.ID.String()).
		Str("display_name", opts.Self.DisplayName).
		Str("group", group.String()).
		Msg("engine configured")
	return engine.New(opts)
}
