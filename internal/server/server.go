// Package server exposes the market engine over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/forecastex/marketd/internal/domain"
	"github.com/forecastex/marketd/internal/server/handler"
	"github.com/forecastex/marketd/internal/server/middleware"
	"github.com/forecastex/marketd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Rate limiting at the API edge; disabled when RateLimiter is nil or
	// RateLimit is zero.
	RateLimiter     domain.RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Market    *handler.MarketHandler
	Positions *handler.PositionHandler
	Claims    *handler.ClaimHandler
	Events    *handler.EventHandler
	Archives  *handler.ArchiveHandler
}

// Server is the HTTP + WebSocket API server for one market instance.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered and the middleware
// chain (CORS, logging, rate limiting, auth) wired around them.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Market read model and quotes.
	mux.HandleFunc("GET /api/market", handlers.Market.GetState)
	mux.HandleFunc("GET /api/market/quote", handlers.Market.GetQuote)
	mux.HandleFunc("GET /api/nonce/{address}", handlers.Market.GetNonce)

	// Signed trading operations.
	mux.HandleFunc("POST /api/market/buy", handlers.Market.Buy)
	mux.HandleFunc("POST /api/market/resolve", handlers.Market.Resolve)
	mux.HandleFunc("POST /api/market/authority", handlers.Market.RotateAuthority)

	// Position lifecycle.
	mux.HandleFunc("GET /api/positions", handlers.Positions.List)
	mux.HandleFunc("POST /api/positions/open", handlers.Positions.Open)
	mux.HandleFunc("POST /api/positions/close", handlers.Positions.Close)
	mux.HandleFunc("POST /api/positions/liquidate", handlers.Positions.Liquidate)
	mux.HandleFunc("POST /api/positions/liquidate/bulk", handlers.Positions.BulkLiquidate)
	mux.HandleFunc("GET /api/positions/{trader}/history", handlers.Positions.History)
	mux.HandleFunc("GET /api/positions/{trader}/{side}/health", handlers.Positions.Health)

	// Settlement claims.
	mux.HandleFunc("POST /api/claims/phase1", handlers.Claims.Phase1)
	mux.HandleFunc("POST /api/claims/phase2", handlers.Claims.Phase2)
	mux.HandleFunc("POST /api/claims/sweep", handlers.Claims.Sweep)

	// Journal queries and cold storage.
	mux.HandleFunc("GET /api/events", handlers.Events.List)
	if handlers.Archives != nil {
		mux.HandleFunc("GET /api/archives", handlers.Archives.List)
		mux.HandleFunc("GET /api/archives/{key...}", handlers.Archives.Get)
	}

	// WebSocket feed.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateLimitWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
