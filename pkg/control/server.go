// Package control serves the run archive over a small REST API and can
// trigger new analysis server-side. The archive is the source of truth;
// the only archive write paths are POST /analyze and DELETE /runs/{id}.
// POST /ingest collects telemetry shipped by remote analyzers into an
// in-memory ring.
package control

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/warpdrive/warptrace/pkg/analyze"
	"github.com/warpdrive/warptrace/pkg/store"
	"github.com/warpdrive/warptrace/pkg/telemetry"
)

// ingestRingSize bounds the telemetry events kept in memory.
const ingestRingSize = 1000

// ServerConfig configures the serve-mode listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Server exposes archived runs over HTTP.
type Server struct {
	cfg      ServerConfig
	archive  *store.Store
	analyzer *analyze.Analyzer

	analyzeMu sync.Mutex // one pipeline run at a time
	httpSrv   *http.Server

	ingestMu sync.Mutex
	ingested []telemetry.RunEvent
}

// NewServer creates a server over an archive. analyzer may be nil; the
// analyze endpoint then reports the feature unavailable.
func NewServer(cfg ServerConfig, archive *store.Store, analyzer *analyze.Analyzer) *Server {
	return &Server{cfg: cfg, archive: archive, analyzer: analyzer}
}

// Run starts the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	mux := http.NewServeMux()
	s.RegisterAPIRoutes(mux)

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Serve mode listening", "component", "control", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Serve mode shutting down", "component", "control")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// SetAddr overrides the listen address.
func (s *Server) SetAddr(addr string) {
	s.cfg.Addr = addr
}
