// ABOUTME: Manager orchestrator that owns the store and HTTP server lifecycle
// ABOUTME: Wires the task ledger to the JSON API and handles graceful shutdown

package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/fleet-manager/internal/config"
	"github.com/2389/fleet-manager/internal/store"
)

// Manager orchestrates the fleet-manager server components.
// It manages the task ledger and the HTTP server agents and producers
// talk to.
type Manager struct {
	config     *config.Config
	store      store.Store
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Manager instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	m := &Manager{
		config: cfg,
		store:  s,
		logger: logger.With("component", "manager"),
	}

	mux := http.NewServeMux()
	m.registerRoutes(mux)

	m.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return m, nil
}

// registerRoutes mounts the protocol routes on the mux. The /testing
// routes are a debug surface and only mounted when enabled in config.
func (m *Manager) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tasks", m.handleRequestTasks)
	mux.HandleFunc("POST /tasks/{$}", m.handleRequestTasks)
	mux.HandleFunc("POST /tasks/response", m.handlePostResult)
	mux.HandleFunc("POST /task", m.handleEnqueueTask)
	mux.HandleFunc("GET /task/{id}", m.handleGetTask)
	mux.HandleFunc("GET /status", m.handleStatus)
	mux.HandleFunc("GET /health", m.handleHealth)

	if m.config.Testing.Enabled {
		mux.HandleFunc("GET /testing/agents", m.handleTestingAgents)
		mux.HandleFunc("GET /testing/tasks", m.handleTestingTasks)
		mux.HandleFunc("POST /testing/tasks", m.handleEnqueueTask)
		m.logger.Warn("testing routes enabled")
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (m *Manager) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		m.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := m.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		m.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		m.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := m.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (m *Manager) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Shutdown(ctx)
}

// Shutdown stops the HTTP server and closes the store.
func (m *Manager) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := m.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("shutting down HTTP server: %w", err)
	}
	if err := m.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	return firstErr
}
