package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/lanride/go/internal/chat"
	"github.com/mcdev12/lanride/go/internal/clocksync"
	"github.com/mcdev12/lanride/go/internal/config"
	"github.com/mcdev12/lanride/go/internal/discovery"
	"github.com/mcdev12/lanride/go/internal/history"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/race"
	"github.com/mcdev12/lanride/go/internal/session"
	"github.com/mcdev12/lanride/go/internal/transport"
)

// OptionsFromConfig maps file and env settings onto component configs. The
// caller still supplies Link, Backend, Sinks and Source.
func OptionsFromConfig(cfg config.Config) (Options, error) {
	id := uuid.New()
	if cfg.Rider.ID != "" {
		parsed, err := uuid.Parse(cfg.Rider.ID)
		if err != nil {
			return Options{}, fmt.Errorf("rider id: %w", err)
		}
		id = parsed
	}

	hist := history.DefaultConfig()
	if cfg.History.Workers > 0 {
		hist.Workers = cfg.History.Workers
	}
	hist.MaxRetries = cfg.History.MaxRetries

	return Options{
		Self:    models.Rider{ID: id, DisplayName: cfg.Rider.Name},
		WorldID: cfg.Session.WorldID,
		Transport: transport.Config{
			HeartbeatInterval: cfg.Network.HeartbeatInterval,
			MissThreshold:     cfg.Network.MissThreshold,
			MetricsRate:       cfg.Network.MetricsRate,
			Workers:           cfg.Network.Workers,
		},
		Discovery: discovery.Config{
			Service:             cfg.Discovery.Service,
			Domain:              cfg.Discovery.Domain,
			ReadvertiseInterval: cfg.Discovery.ReadvertiseInterval,
			BrowseWindow:        cfg.Discovery.BrowseWindow,
			VanishAfter:         cfg.Discovery.VanishAfter,
		},
		ClockSync: clocksync.Config{
			Alpha:         cfg.ClockSync.Alpha,
			MaxRoundTrip:  cfg.ClockSync.MaxRoundTrip,
			ProbeTimeout:  cfg.ClockSync.ProbeTimeout,
			ProbeInterval: cfg.ClockSync.ProbeInterval,
			DegradedAfter: cfg.ClockSync.DegradedAfter,
		},
		Session: session.Config{
			JoinTimeout:      cfg.Session.JoinTimeout,
			JoinRetry:        cfg.Session.JoinRetry,
			AnnounceInterval: cfg.Session.AnnounceInterval,
			MaxParticipants:  cfg.Session.MaxParticipants,
		},
		Chat: chat.Config{
			RetryBase:     cfg.Chat.RetryBase,
			RetryMax:      cfg.Chat.RetryMax,
			MaxAttempts:   cfg.Chat.MaxAttempts,
			ReorderWindow: cfg.Chat.ReorderWindow,
		},
		Race: race.Config{
			TickInterval: cfg.Race.TickInterval,
			GracePeriod:  cfg.Race.GracePeriod,
		},
		History: hist,
	}, nil
}
