// Package web exposes the ingestion pipelines over HTTP. It owns routing,
// multipart handling, and the error-kind to status-code mapping; all
// business behavior lives in internal/core.
package web

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pagosyradicacion/carga/internal/config"
	"github.com/pagosyradicacion/carga/internal/core"
)

// CargaService is the slice of core.Service the handlers need. Tests
// substitute a fake.
type CargaService interface {
	LoadPayments(ctx context.Context, kind core.DatasetKind, filename string, data []byte) (*core.LoadResult, error)
	CorrectPayments(ctx context.Context, kind core.DatasetKind, filename, usuario string, data []byte) (*core.CorrectionResult, error)
	ReplaceCapitation(ctx context.Context, filename string, data []byte) (*core.ReplaceResult, error)
	LoadTraza(ctx context.Context, filename string, data []byte) (*core.TrazaResult, error)
}

type Server struct {
	http *http.Server
	log  *slog.Logger
}

func NewServer(cfg config.Config, svc CargaService, log *slog.Logger) *Server {
	h := &handlers{svc: svc, log: log, maxFileSize: cfg.Carga.MaxFileSize}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/api/carga", func(r chi.Router) {
		r.Post("/pagos", h.loadPagos)
		r.Post("/correcciones", h.corregirPagos)
		r.Post("/radicacion-capita", h.reemplazarCapita)
		r.Post("/pagos-traza", h.cargarTraza)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      r,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		log: log,
	}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("servidor http iniciado", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
