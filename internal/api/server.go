// Package api is the operator surface: a REST API for control and
// inspection plus a WebSocket stream of engine events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"kalshi-trading-bot/internal/config"
	"kalshi-trading-bot/internal/engine"
	"kalshi-trading-bot/internal/exchange"
	"kalshi-trading-bot/internal/metrics"
	"kalshi-trading-bot/internal/orders"
	"kalshi-trading-bot/internal/risk"
	"kalshi-trading-bot/internal/spot"
	"kalshi-trading-bot/internal/strategy"
)

// Server runs the HTTP/WebSocket operator API.
type Server struct {
	cfg      config.ServerConfig
	engine   *engine.Engine
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
	stop     chan struct{}
}

// NewServer wires the routes and the WebSocket hub.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, orderMgr *orders.Manager,
	riskMgr *risk.Manager, registry *strategy.Registry, client *exchange.Client,
	spotSrc *spot.Source, logger *slog.Logger) *Server {

	hub := NewHub(cfg, logger)
	handlers := NewHandlers(eng, orderMgr, riskMgr, registry, client, spotSrc, hub, logger)
	hub.commands = handlers.handleCommand

	prefix := strings.TrimSuffix(cfg.RoutePrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/health", handlers.HandleHealth)
	mux.HandleFunc("GET "+prefix+"/system/health", handlers.HandleSystemHealth)
	mux.HandleFunc("GET "+prefix+"/status", handlers.HandleStatus)
	mux.HandleFunc("GET "+prefix+"/balance", handlers.HandleBalance)
	mux.HandleFunc("GET "+prefix+"/positions", handlers.HandlePositions)
	mux.HandleFunc("GET "+prefix+"/trades", handlers.HandleTrades)
	mux.HandleFunc("GET "+prefix+"/trades/active", handlers.HandleActiveTrades)
	mux.HandleFunc("POST "+prefix+"/trades/{id}/cancel", handlers.HandleCancelTrade)
	mux.HandleFunc("POST "+prefix+"/trades/{id}/decrease", handlers.HandleDecreaseTrade)
	mux.HandleFunc("POST "+prefix+"/trades/{id}/amend", handlers.HandleAmendTrade)
	mux.HandleFunc("POST "+prefix+"/start", handlers.HandleStart)
	mux.HandleFunc("POST "+prefix+"/stop", handlers.HandleStop)
	mux.HandleFunc("POST "+prefix+"/emergency/halt", handlers.HandleEmergencyHalt)
	mux.HandleFunc("POST "+prefix+"/emergency/cancel-all", handlers.HandleCancelAll)
	mux.HandleFunc("POST "+prefix+"/circuit-breaker/reset", handlers.HandleBreakerReset)
	mux.HandleFunc("POST "+prefix+"/bankroll", handlers.HandleBankroll)
	mux.HandleFunc("POST "+prefix+"/mode", handlers.HandleMode)
	mux.HandleFunc("GET "+prefix+"/strategies", handlers.HandleStrategies)
	mux.HandleFunc("POST "+prefix+"/strategies/{name}/enable", handlers.HandleStrategyEnable)
	mux.HandleFunc("POST "+prefix+"/strategies/{name}/disable", handlers.HandleStrategyDisable)
	mux.HandleFunc("GET "+prefix+"/price-history", handlers.HandlePriceHistory)
	mux.HandleFunc("GET "+prefix+"/ws", handlers.HandleWebSocket)
	mux.Handle("GET /metrics", metrics.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      corsMiddleware(cfg.AllowedOrigins, mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		engine:   eng,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
		stop:     make(chan struct{}),
	}
}

// Start runs the hub, the engine event fan-out, and the HTTP listener.
// Blocks until the listener exits.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("operator server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("operator server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	s.logger.Info("stopping operator server")
	close(s.stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// consumeEvents forwards engine events to connected WebSocket clients.
func (s *Server) consumeEvents() {
	for {
		select {
		case <-s.stop:
			return
		case evt := <-s.engine.Events():
			s.hub.BroadcastEvent(evt)
		}
	}
}

// corsMiddleware applies the configured allowed origins to every route.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}
