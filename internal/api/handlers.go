package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"tradelot/internal/eventstore"
	"tradelot/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local development
		// TODO: restrict in production
		return true
	},
}

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	store  eventstore.Store
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(store eventstore.Store, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:  store,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
}

// positionResponse is the wire shape of one position lookup.
type positionResponse struct {
	Snapshot *types.SnapshotRecord `json:"snapshot"`
	State    *types.PositionState  `json:"state"`
	Summary  types.SummaryMetrics  `json:"summary_metrics"`
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandlePosition returns the current snapshot and inflated state of one
// position.
func (h *Handlers) HandlePosition(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	rec, err := h.store.GetSnapshot(r.Context(), key)
	if err != nil {
		h.logger.Error("snapshot lookup failed", "position_key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "position not found", http.StatusNotFound)
		return
	}
	state, summary, err := eventstore.InflateState(rec)
	if err != nil {
		h.logger.Error("snapshot inflate failed", "position_key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, positionResponse{Snapshot: rec, State: state, Summary: summary})
}

// HandleEvents returns the position's full event stream, the audit trail
// behind the snapshot.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var (
		events []types.EventRecord
		err    error
	)
	if asOf := r.URL.Query().Get("as_of"); asOf != "" {
		date, perr := types.ParseDate(asOf)
		if perr != nil {
			http.Error(w, "as_of must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		events, err = h.store.LoadStreamAsOf(r.Context(), key, date)
	} else {
		events, err = h.store.LoadStream(r.Context(), key)
	}
	if err != nil {
		h.logger.Error("stream lookup failed", "position_key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, map[string]any{"position_key": key, "events": events})
}

// HandleUPIHistory returns the position-identity audit trail.
func (h *Handlers) HandleUPIHistory(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	history, err := h.store.UPIHistoryFor(r.Context(), key)
	if err != nil {
		h.logger.Error("upi history lookup failed", "position_key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, map[string]any{"position_key": key, "history": history})
}

// HandleWebSocket upgrades the connection and subscribes the client to the
// outbound streams named in ?topics= (comma-separated; absent means all).
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var topics []string
	if q := r.URL.Query().Get("topics"); q != "" {
		topics = strings.Split(q, ",")
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn, topics)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
