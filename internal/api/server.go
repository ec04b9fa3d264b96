// Package api exposes job triggers, progress and operator actions over
// HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/catalogsync/internal/catalog"
	"github.com/sells-group/catalogsync/internal/identity"
	"github.com/sells-group/catalogsync/internal/lock"
	"github.com/sells-group/catalogsync/internal/progress"
	"github.com/sells-group/catalogsync/internal/reaper"
	"github.com/sells-group/catalogsync/internal/syncjob"
)

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the handlers drive.
type Deps struct {
	Runner  *syncjob.Runner
	Tracker *progress.Tracker
	Reaper  *reaper.Reaper
	Mapper  *identity.Mapper
	Catalog *catalog.Service
	Locks   *lock.Manager
	Store   Pinger

	// AdminToken, when set, is required as a bearer token on run triggers
	// and /admin routes.
	AdminToken     string
	AllowedOrigins []string
}

type server struct {
	Deps
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	s := &server{Deps: d}

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Get("/{job}/lock", s.jobLock)
		r.Get("/{job}/progress", s.latestProgress)
		r.Get("/{job}/progress/stream", s.streamProgress)
		r.With(s.requireToken).Post("/{job}/run", s.runJob)
	})

	r.Get("/entities", s.listEntities)
	r.Get("/entities/{slug}", s.getEntity)
	r.Get("/content", s.listContent)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/cleanup", s.cleanup)
		r.Post("/force-stop", s.forceStop)

		r.Get("/mappings", s.listMappings)
		r.Put("/mappings", s.setMapping)
		r.Delete("/mappings/{source}/{canonical}", s.deleteMapping)
		r.Post("/mappings/cleanup", s.cleanupMappings)
		r.Post("/mappings/import", s.importMappings)

		r.Patch("/entities/{slug}", s.patchEntity)
	})
	return r
}

func (s *server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		h := r.Header.Get("Authorization")
		if len(h) < len("Bearer ") || !strings.EqualFold(h[:len("Bearer ")], "bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		raw := strings.TrimSpace(h[len("Bearer "):])
		if subtle.ConstantTimeCompare([]byte(raw), []byte(s.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if s.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
