// Package server provides the REST API for an encrypted vector store.
//
// Request bodies carry plaintext vectors; the store encrypts them before
// anything is written or scored. Whether search responses carry plaintext
// identifiers or identity ciphertexts depends on the service configuration.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/opaque/hevec/internal/service"
	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/logger"
)

// Server handles REST API requests.
type Server struct {
	svc    *service.Service
	cfg    Config
	log    *zap.Logger
	router chi.Router
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // searches scan the whole corpus
		MaxBodyBytes: 64 << 20,
	}
}

// New creates a server instance.
func New(cfg Config, svc *service.Service, log *zap.Logger) *Server {
	def := DefaultConfig()
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	s := &Server{
		svc: svc,
		cfg: cfg,
		log: logger.OrNop(log),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/count", s.handleCount)
		r.Post("/vectors", s.handleAdd)
		r.Post("/search", s.handleSearch)
	})
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return hverr.Wrap(err, hverr.CodeServerStartFailure, "failed to listen", hverr.Field("addr", s.cfg.Address))
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if err != nil {
			return hverr.Wrap(err, hverr.CodeServerStartFailure, "http server stopped")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return hverr.Wrap(err, hverr.CodeServerInternalFailure, "failed to shut down http server")
	}
	return <-errCh
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ok, msg, count := s.svc.HealthCheck(r.Context())
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": msg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": msg, "vectors": count})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Count(r.Context(), &service.CountRequest{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req service.AddRequest
	if !s.decode(w, r, &req) {
		return
	}

	resp, err := s.svc.Add(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req service.SearchRequest
	if !s.decode(w, r, &req) {
		return
	}

	resp, err := s.svc.Search(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		s.writeError(w, hverr.Wrap(err, hverr.CodeServerRequestInvalid, "invalid request body"))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := hverr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{
		"error": err.Error(),
		"code":  string(hverr.CodeOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
