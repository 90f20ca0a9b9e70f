// Package httpapi hosts the gateway's HTTP edge: the per-channel webhook
// dispatch route, health/metrics endpoints, and an optional bearer-guarded
// admin surface (spec §6), grounded on the teacher's transport server with
// chi routing swapped in for the adapter's many/dynamic routes.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/allowlist"
	"github.com/kimjaechol/moa-gateway/internal/crypto"
	"github.com/kimjaechol/moa-gateway/internal/metrics"
	"github.com/kimjaechol/moa-gateway/internal/pipeline"
	"github.com/kimjaechol/moa-gateway/internal/ratelimit"
	"github.com/kimjaechol/moa-gateway/internal/registry"
)

// Server is the gateway's HTTP edge.
type Server struct {
	cfg     Config
	reg     *registry.Registry
	pipe    *pipeline.Pipeline
	al      *allowlist.Allowlist
	rl      *ratelimit.Limiter
	metrics *metrics.Registry
	sys     *metrics.SystemSnapshot
	logger  *zap.Logger
	http    *http.Server
}

// Config controls the HTTP edge's bind address and admin auth.
type Config struct {
	Addr        string
	AdminToken  string // empty disables the admin surface
}

// New constructs a Server and wires its chi router.
func New(cfg Config, reg *registry.Registry, pipe *pipeline.Pipeline, al *allowlist.Allowlist, rl *ratelimit.Limiter, m *metrics.Registry, sys *metrics.SystemSnapshot, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, reg: reg, pipe: pipe, al: al, rl: rl, metrics: m, sys: sys, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", s.handleHealth)
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}
	if sys != nil {
		r.Handle("/metrics/system", sys.Handler())
	}
	r.Post("/webhook/{channel}", s.handleWebhook)
	r.Get("/webhook/{channel}", s.handleWebhook)

	if cfg.AdminToken != "" {
		r.Route("/admin", func(ar chi.Router) {
			ar.Use(s.requireAdminBearer)
			ar.Post("/allowlist/{channel}/mode", s.handleSetAllowlistMode)
			ar.Post("/allowlist/{channel}/users/{userID}", s.handleAddAllowlistUser)
			ar.Delete("/allowlist/{channel}/users/{userID}", s.handleRemoveAllowlistUser)
			ar.Post("/ratelimit/{channel}/{userID}/unban", s.handleUnban)
		})
	}

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run starts the HTTP server and blocks until ctx is cancelled, at which
// point it shuts down gracefully (spec §6 exit/lifecycle).
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", zap.String("addr", s.cfg.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleWebhook dispatches POST /webhook/{channel} to the registered
// adapter's HandleWebhook, returning its status code and body verbatim, then
// feeds every produced message through the pipeline (spec §6).
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "channel")
	adapter, ok := s.reg.Get(tag)
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	result := adapter.HandleWebhook(r.Context(), r.URL.RequestURI(), r.Method, r.Header, body)

	for _, msg := range result.Messages {
		go s.pipe.Process(context.Background(), msg)
	}

	if result.StatusCode == 0 {
		result.StatusCode = http.StatusOK
	}
	w.WriteHeader(result.StatusCode)
	if result.ResponseBody != "" {
		_, _ = w.Write([]byte(result.ResponseBody))
	}
}

// requireAdminBearer guards the admin surface with a constant-time bearer
// comparison (spec §9's timing-attack note).
func (s *Server) requireAdminBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		token := auth
		if len(auth) >= len(prefix) && auth[:len(prefix)] == prefix {
			token = auth[len(prefix):]
		}
		if !crypto.ConstantTimeEqual(token, s.cfg.AdminToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSetAllowlistMode(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "channel")
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	s.al.SetMode(tag, allowlist.Mode(body.Mode))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddAllowlistUser(w http.ResponseWriter, r *http.Request) {
	s.al.AddUser(chi.URLParam(r, "channel"), chi.URLParam(r, "userID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveAllowlistUser(w http.ResponseWriter, r *http.Request) {
	s.al.RemoveUser(chi.URLParam(r, "channel"), chi.URLParam(r, "userID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	s.rl.Unban(chi.URLParam(r, "channel"), chi.URLParam(r, "userID"))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

