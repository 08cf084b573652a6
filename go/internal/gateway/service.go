// Package gateway exposes a running engine to the UI: a websocket event
// stream, connect control procedures and a health check.
package gateway

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/mcdev12/lanride/go/internal/clocksync"
	"github.com/mcdev12/lanride/go/internal/discovery"
	"github.com/mcdev12/lanride/go/internal/engine"
	"github.com/mcdev12/lanride/go/internal/events"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/mcdev12/lanride/go/internal/race"
	"github.com/mcdev12/lanride/go/internal/transport"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Engine is what the gateway drives; *engine.Engine implements it.
type Engine interface {
	Subscribe(name string, buffer int) (<-chan events.Event, func())

	HostSession(ctx context.Context) (models.Session, error)
	JoinSession(ctx context.Context, sessionID uuid.UUID) (models.Session, error)
	LeaveSession(ctx context.Context) error
	EndSession(ctx context.Context) error
	State(ctx context.Context) (models.SessionState, error)
	Session(ctx context.Context) (models.Session, error)
	Participants(ctx context.Context) ([]models.Participant, error)
	Sessions(ctx context.Context) ([]discovery.SessionSummary, error)
	Peers(ctx context.Context) ([]models.Peer, error)

	BroadcastMetrics(ctx context.Context, m models.Metrics) error
	SendChat(ctx context.Context, text string) (models.ChatMessage, error)
	ChatLog(ctx context.Context) ([]models.ChatMessage, error)

	CreateRace(ctx context.Context, in race.CreateRaceInput) (models.RaceEvent, error)
	JoinRace(ctx context.Context, raceID uuid.UUID) error
	EndRace(ctx context.Context, raceID uuid.UUID) error
	CancelRace(ctx context.Context, raceID uuid.UUID) error
	Standings(ctx context.Context, raceID uuid.UUID) ([]models.RaceParticipant, error)
	Races(ctx context.Context) ([]models.RaceEvent, error)

	ClockEstimates(ctx context.Context) ([]clocksync.Estimate, error)
	Stats() (transport.Stats, error)
	History(ctx context.Context) ([]models.SessionHistory, error)
}

var _ Engine = (*engine.Engine)(nil)

type Config struct {
	ConnectionConfig ConnectionConfig
	// EventBuffer is the engine subscription size for the websocket fan-out.
	EventBuffer int
}

func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		EventBuffer:      1024,
	}
}

// Service is the UI gateway of one node
type Service struct {
	engine            Engine
	config            Config
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	events            <-chan events.Event
	unsubscribe       func()
}

func NewService(config Config, eng Engine) *Service {
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultConfig().EventBuffer
	}
	cm := NewConnectionManager(config.ConnectionConfig)
	ch, unsubscribe := eng.Subscribe("gateway", config.EventBuffer)
	return &Service{
		engine:            eng,
		config:            config,
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm, eng),
		events:            ch,
		unsubscribe:       unsubscribe,
	}
}

// Start streams engine events to websocket clients until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting gateway service")

	defer s.unsubscribe()
	s.connectionManager.Start(ctx, s.events)

	log.Info().Msg("gateway service stopped")
	return nil
}

// RegisterRoutes mounts the websocket, control and health routes on mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)

	path, handler := NewControlServiceHandler(s.engine)
	mux.Handle(path, handler)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	log.Info().Str("control", path).Msg("gateway routes registered")
}

// Handler returns every route wrapped in CORS and served over h2c, so connect
// clients can use HTTP/2 without TLS on the LAN.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: s.config.ConnectionConfig.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

func (s *Service) Stats() ConnectionStats {
	return s.connectionManager.Stats()
}
