package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"riskmanager/internal/broker"
	"riskmanager/internal/config"
	"riskmanager/internal/risk"
	"riskmanager/pkg/types"
)

// Server runs the HTTP/WebSocket API of the risk manager
type Server struct {
	cfg      config.ServerConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server
func NewServer(
	cfg config.ServerConfig,
	gateway broker.Gateway,
	riskSvc *risk.Service,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(gateway, riskSvc, cfg, hub, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handlers.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/gateway/status", handlers.HandleStatus)
	mux.HandleFunc("POST /api/gateway/keepalive", handlers.HandleKeepAlive)
	mux.HandleFunc("GET /api/positions", handlers.HandlePositions)
	mux.HandleFunc("GET /api/orders/all", handlers.HandleOrders)
	mux.HandleFunc("GET /api/risk", handlers.HandleRisk)
	mux.HandleFunc("GET /api/risk/csv", handlers.HandleRiskCSV)
	mux.HandleFunc("POST /api/risk/protect", handlers.HandleProtectAll)
	mux.HandleFunc("POST /api/risk/protect/{conid}", handlers.HandleProtectConid)
	mux.HandleFunc("POST /api/risk/protect/ticker/{ticker}", handlers.HandleProtectTicker)

	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:        cfg.Listen,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// Report builds sit on broker reads that can run tens of seconds.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the API server and hub
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop drains in-flight requests, then disconnects websocket subscribers.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.hub.Close()
	return err
}

// BroadcastStatus pushes a connection-status event to websocket subscribers.
// Called by the keep-alive scheduler.
func (s *Server) BroadcastStatus(status types.ConnectionStatus) {
	s.hub.Broadcast(NewStatusEvent(status))
}
