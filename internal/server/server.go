// Package server exposes the worker over HTTP: a caching proxy in front of
// the origin plus the control endpoints pages use to talk to the worker.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"swcache/internal/mutation"
	"swcache/internal/worker"
)

type Config struct {
	Addr   string
	Origin *url.URL
}

type Server struct {
	log    *slog.Logger
	server *http.Server
}

func New(logger *slog.Logger, cfg Config, w *worker.Worker, queue *mutation.Queue) *Server {
	h := &Handler{
		Worker: w,
		Queue:  queue,
		Origin: cfg.Origin,
		Log:    logger.With("component", "handler"),
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(h, logger.With("component", "http")),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{server: srv, log: logger}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run serves until the server is closed.
func (s *Server) Run() error {
	s.log.Info("started", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Close(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn("forced to shutdown", "err", err)
	}
	s.log.Info("exited gracefully")
}
