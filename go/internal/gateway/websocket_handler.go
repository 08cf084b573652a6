package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler serves the UI event stream
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	engine            Engine
}

func NewWebSocketHandler(cm *ConnectionManager, eng Engine) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		engine:            eng,
	}
}

// HandleEvents upgrades to a websocket streaming engine events. An optional
// session_id query parameter limits the stream to that session plus events
// that belong to no session.
func (h *WebSocketHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" {
		if _, err := uuid.Parse(sessionID); err != nil {
			http.Error(w, "invalid session_id format", http.StatusBadRequest)
			return
		}
	}

	if err := h.connectionManager.UpgradeConnection(w, r, sessionID); err != nil {
		// the upgrader has already written an error response
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to upgrade websocket connection")
	}
}

type statsResponse struct {
	Connections ConnectionStats `json:"connections"`
	Transport   any             `json:"transport,omitempty"`
}

// HandleConnectionStats reports websocket clients and transport counters.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Connections: h.connectionManager.Stats()}
	if stats, err := h.engine.Stats(); err == nil {
		resp.Transport = stats
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to write stats")
	}
}

func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/events", h.HandleEvents)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
