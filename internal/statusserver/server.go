// Package statusserver exposes a running pipeline's metrics over HTTP:
// a JSON status/tables/config/logs API and a WebSocket feed of live
// snapshots, for the CLI's --tui/--api-port flags and for `pgcdc serve`.
// It owns no pipeline control routes — starting, stopping, or
// reconfiguring a pipeline happens through the CLI process that created
// the metrics.Collector, not through this server.
package statusserver

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/config"
	"github.com/jfoltran/pgcdc/internal/metrics"
)

// Server serves the REST status API and a WebSocket snapshot feed.
type Server struct {
	collector *metrics.Collector
	cfg       *config.Config
	logger    zerolog.Logger
	hub       *hub
	srv       *http.Server
}

// New creates a Server reporting on collector's snapshots. cfg may be
// nil (e.g. when serving from a persisted state file with no live
// pipeline config available); the /config route degrades gracefully.
func New(collector *metrics.Collector, cfg *config.Config, logger zerolog.Logger) *Server {
	return &Server{
		collector: collector,
		cfg:       cfg,
		logger:    logger.With().Str("component", "status-server").Logger(),
		hub:       newHub(collector, logger),
	}
}

// Start serves on the given port until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	h := &handlers{collector: s.collector, cfg: s.cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("GET /api/v1/tables", h.tables)
	mux.HandleFunc("GET /api/v1/config", h.configHandler)
	mux.HandleFunc("GET /api/v1/logs", h.logs)
	mux.HandleFunc("/api/v1/ws", s.hub.handleWS)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	go s.hub.start(ctx)

	s.logger.Info().Int("port", port).Msg("starting status server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

// StartBackground starts the server in a goroutine.
func (s *Server) StartBackground(ctx context.Context, port int) {
	go func() {
		if err := s.Start(ctx, port); err != nil {
			s.logger.Err(err).Msg("status server error")
		}
	}()
}
