// Package api exposes the fleetd REST interface.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/tovfikur/fleetd/internal/alerting"
	"github.com/tovfikur/fleetd/internal/discovery"
	"github.com/tovfikur/fleetd/internal/monitor"
	"github.com/tovfikur/fleetd/internal/registry"
	"github.com/tovfikur/fleetd/internal/scheduler"
	"github.com/tovfikur/fleetd/internal/store"
)

// Server is the fleetd HTTP server.
type Server struct {
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	discovery *discovery.Service
	alerts    *alerting.Manager
	monitor   *monitor.Monitor
	store     *store.Store
	mux       *http.ServeMux
	server    *http.Server
}

// NewServer wires the HTTP surface over the fleet services.
func NewServer(addr string, reg *registry.Registry, sched *scheduler.Scheduler, disc *discovery.Service, alerts *alerting.Manager, mon *monitor.Monitor, st *store.Store) *Server {
	srv := &Server{
		registry:  reg,
		scheduler: sched,
		discovery: disc,
		alerts:    alerts,
		monitor:   mon,
		store:     st,
		mux:       http.NewServeMux(),
	}

	srv.registerRoutes()

	srv.server = &http.Server{
		Addr:         addr,
		Handler:      SecurityHeadersMiddleware(RecoveryMiddleware(LoggingMiddleware(srv.mux))),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("HTTP server starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	// Server inventory
	s.mux.HandleFunc("GET /servers/list", s.handleServerList)
	s.mux.HandleFunc("POST /servers/add", s.handleServerAdd)
	s.mux.HandleFunc("POST /servers/test-connection", s.handleServerTestSpec)
	s.mux.HandleFunc("GET /servers/{id}", s.handleServerGet)
	s.mux.HandleFunc("DELETE /servers/{id}", s.handleServerDelete)
	s.mux.HandleFunc("POST /servers/{id}/test-connection", s.handleServerTestConnection)
	s.mux.HandleFunc("PUT /servers/{id}/roles", s.handleServerRoles)
	s.mux.HandleFunc("POST /servers/{id}/disable", s.handleServerDisable)
	s.mux.HandleFunc("POST /servers/{id}/enable", s.handleServerEnable)
	s.mux.HandleFunc("POST /servers/{id}/health-check", s.handleServerHealthCheck)

	// Deployments
	s.mux.HandleFunc("POST /deploy/create", s.handleDeployCreate)
	s.mux.HandleFunc("POST /deploy/install", s.handleDeployInstall)
	s.mux.HandleFunc("POST /deploy/migrate", s.handleDeployMigrate)
	s.mux.HandleFunc("POST /deploy/backup", s.handleDeployBackup)
	s.mux.HandleFunc("GET /deploy/list", s.handleDeployList)
	s.mux.HandleFunc("GET /deploy/{id}", s.handleDeployGet)
	s.mux.HandleFunc("GET /deploy/{id}/logs", s.handleDeployLogs)
	s.mux.HandleFunc("POST /deploy/{id}/cancel", s.handleDeployCancel)

	// Network discovery
	s.mux.HandleFunc("POST /network/scan", s.handleNetworkScan)
	s.mux.HandleFunc("POST /network/auto-setup", s.handleNetworkAutoSetup)

	// Alerts
	s.mux.HandleFunc("GET /alerts/list", s.handleAlertList)
	s.mux.HandleFunc("GET /alerts/{id}", s.handleAlertGet)
	s.mux.HandleFunc("POST /alerts/{id}/acknowledge", s.handleAlertAcknowledge)
	s.mux.HandleFunc("POST /alerts/{id}/resolve", s.handleAlertResolve)

	// Domain mappings
	s.mux.HandleFunc("GET /domains/list", s.handleDomainList)
	s.mux.HandleFunc("POST /domains/add", s.handleDomainAdd)
	s.mux.HandleFunc("DELETE /domains/{id}", s.handleDomainDelete)

	// Health and dashboard
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /status/overview", s.handleOverview)
}
