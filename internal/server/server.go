// Package server implements the Darwin HTTP API: the event endpoints the
// spawn process, the work tracker and the metrics reporter call, read
// endpoints for dashboards, an SSE stream of cycle and assignment events,
// and the MCP transport.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/cors"

	"github.com/ashita-ai/darwin/internal/auth"
	"github.com/ashita-ai/darwin/internal/model"
	"github.com/ashita-ai/darwin/internal/ratelimit"
)

// Server is the Darwin HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Limiter, MCPServer, Middlewares and CORSAllowedOrigins are optional.
type ServerConfig struct {
	HandlersDeps

	JWTMgr    *auth.JWTManager
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// Middlewares wrap the whole handler; the first is outermost.
	Middlewares []func(http.Handler) http.Handler

	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	CORSAllowedOrigins []string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg.HandlersDeps)
	logger := cfg.Logger

	ingestRL := ratelimit.Middleware(cfg.Limiter, "ingest", principalKeyFunc, RequestIDFromContext, logger)

	// Every service role may read. Writes are scoped to the collaborator
	// that owns the event.
	readRole := requireRole(model.RoleReader, model.RoleSpawner, model.RoleTracker, model.RoleReporter)
	spawnerRole := requireRole(model.RoleSpawner)
	trackerRole := requireRole(model.RoleTracker)
	reporterRole := requireRole(model.RoleReporter)
	adminOnly := requireRole(model.RoleAdmin)

	mux := http.NewServeMux()

	// Spawn process events.
	mux.Handle("POST /v1/spawns", ingestRL(spawnerRole(http.HandlerFunc(h.HandleSpawn))))
	mux.Handle("POST /v1/agents/{id}/activate", ingestRL(spawnerRole(http.HandlerFunc(h.HandleActivate))))

	// Metrics reporter.
	mux.Handle("PUT /v1/agents/{id}/metrics", ingestRL(reporterRole(http.HandlerFunc(h.HandleReportMetrics))))

	// Work tracker events.
	mux.Handle("POST /v1/work-items", ingestRL(trackerRole(http.HandlerFunc(h.HandleCreateWorkItem))))
	mux.Handle("POST /v1/work-items/{id}/start", ingestRL(trackerRole(http.HandlerFunc(h.HandleStartWorkItem))))
	mux.Handle("POST /v1/work-items/{id}/close", ingestRL(trackerRole(http.HandlerFunc(h.HandleCloseWorkItem))))
	mux.Handle("POST /v1/work-items/{id}/release", ingestRL(trackerRole(http.HandlerFunc(h.HandleReleaseWorkItem))))

	// Reads.
	mux.Handle("GET /v1/agents", readRole(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /v1/agents/{id}", readRole(http.HandlerFunc(h.HandleGetAgent)))
	mux.Handle("GET /v1/agents/{id}/history", readRole(http.HandlerFunc(h.HandleAgentHistory)))
	mux.Handle("GET /v1/work-items", readRole(http.HandlerFunc(h.HandleListWorkItems)))
	mux.Handle("GET /v1/work-items/{id}", readRole(http.HandlerFunc(h.HandleGetWorkItem)))
	mux.Handle("GET /v1/audit/{entity_id}", readRole(http.HandlerFunc(h.HandleAudit)))
	mux.Handle("GET /v1/cycles/latest", readRole(http.HandlerFunc(h.HandleLatestCycle)))

	// Operator triggers (admin-only, not rate limited).
	mux.Handle("POST /v1/cycles", adminOnly(http.HandlerFunc(h.HandleRunCycle)))
	mux.Handle("POST /v1/sweeps", adminOnly(http.HandlerFunc(h.HandleSweep)))

	// Event stream (long-lived, not rate limited).
	mux.Handle("GET /v1/subscribe", readRole(http.HandlerFunc(h.HandleSubscribe)))

	if cfg.MCPServer != nil {
		mux.Handle("/mcp", readRole(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// CORS → request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	if len(cfg.CORSAllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
			MaxAge:         600,
		}).Handler(handler)
	}
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
