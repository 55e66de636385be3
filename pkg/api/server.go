// Package api exposes the node's HTTP surface: the peer-facing wire
// endpoints (transfer, pull debit) and the local origination endpoints
// (pull, originate), plus health and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"settlenet/pkg/ledger"
	"settlenet/pkg/logging"
	"settlenet/pkg/notify"
	"settlenet/pkg/settle"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration

	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server hosts the node's HTTP endpoints.
type Server struct {
	engine        *settle.Engine
	ledger        ledger.Ledger
	notifications *notify.Registry
	server        *http.Server
	logger        *logging.Logger
	config        ServerConfig
}

// NewServer wires the router. metricsHandler serves GET /metrics and
// notifications backs the event stream endpoint; pass nil to disable
// either.
func NewServer(engine *settle.Engine, store ledger.Ledger, notifications *notify.Registry, config ServerConfig, logger *logging.Logger, metricsHandler http.Handler) *Server {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	s := &Server{
		engine:        engine,
		ledger:        store,
		notifications: notifications,
		logger:        logger.Named("api"),
		config:        config,
	}

	r := mux.NewRouter()
	r.Use(requestMetricsMiddleware())

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/transfer", s.handleTransfer).Methods(http.MethodPost)
	r.HandleFunc("/v1/pull/debit", s.handlePullDebit).Methods(http.MethodPost)
	r.HandleFunc("/v1/pull", s.handlePull).Methods(http.MethodPost)
	r.HandleFunc("/v1/transfer/originate", s.handleOriginate).Methods(http.MethodPost)
	r.HandleFunc("/v1/transactions/{id}", s.handleGetTransaction).Methods(http.MethodGet)
	if notifications != nil {
		r.HandleFunc("/v1/notifications/{account}", s.handleNotifications).Methods(http.MethodGet)
	}
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() {
	s.logger.Info("server listening", zap.String("address", s.config.Address))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
