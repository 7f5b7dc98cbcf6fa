package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradelot/internal/bus"
	"tradelot/internal/config"
	"tradelot/internal/eventstore"
	"tradelot/internal/metrics"
)

// Server runs the read-only admin HTTP/WebSocket API.
type Server struct {
	cfg      config.AdminConfig
	topics   config.TopicsConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new admin server over the store and metrics registry.
func NewServer(cfg config.AdminConfig, topics config.TopicsConfig, store eventstore.Store,
	m *metrics.Metrics, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(store, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/positions/{key}", handlers.HandlePosition)
	mux.HandleFunc("GET /api/positions/{key}/events", handlers.HandleEvents)
	mux.HandleFunc("GET /api/positions/{key}/upi-history", handlers.HandleUPIHistory)
	mux.Handle("GET /metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		topics:   topics,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("admin server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping admin server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Feed consumes the engine's outbound streams and broadcasts each message to
// connected WebSocket clients. Runs until the context ends; the caller gives
// it a consumer of its own so commits never interleave with the engine's.
func (s *Server) Feed(ctx context.Context, consumer bus.Consumer) error {
	topics := []string{s.topics.TradeApplied, s.topics.ProvisionalTrades, s.topics.HistoricalCorrections}
	err := consumer.Run(ctx, topics, func(_ context.Context, msg bus.Message) error {
		s.hub.BroadcastEvent(StreamEvent{
			Type:      msg.Topic,
			Timestamp: time.Now(),
			Data:      json.RawMessage(msg.Value),
		})
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stream feed: %w", err)
	}
	return nil
}
