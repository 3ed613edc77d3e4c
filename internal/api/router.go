// Package api exposes the query service over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/citysearch/internal/citysearch"
)

// Options configures the router.
type Options struct {
	AllowedOrigins []string // defaults to any origin
	DefaultK       int      // proximity results when k is omitted (default 6)
	MaxK           int      // upper bound on k (default 1000)
	MaxBox         int      // upper bound on bbox results (default 1000)
}

type handler struct {
	svc  *citysearch.Service
	opts Options
}

// NewRouter builds the HTTP handler.
func NewRouter(svc *citysearch.Service, opts Options) http.Handler {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.DefaultK <= 0 {
		opts.DefaultK = 6
	}
	if opts.MaxK <= 0 {
		opts.MaxK = 1000
	}
	if opts.MaxBox <= 0 {
		opts.MaxBox = 1000
	}
	h := &handler{svc: svc, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", h.ready)

	r.Route("/v0/city", func(r chi.Router) {
		r.Use(h.requireReady)
		r.Get("/count", h.count)
		r.Get("/kvsearch", h.kvsearch)
		r.Get("/proximity_search", h.proximitySearch)
		r.Get("/text_search", h.textSearch)
		r.Get("/bbox", h.bbox)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			zap.L().Info("http request",
				zap.String("component", "api"),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (h *handler) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.svc.Ready() {
			writeError(w, http.StatusServiceUnavailable, citysearch.ErrNotReady.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) ready(w http.ResponseWriter, _ *http.Request) {
	snap, err := h.svc.Snapshot()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"run_id":    snap.RunID,
		"places":    snap.Places,
		"documents": snap.Documents,
		"loaded_at": snap.LoadedAt,
		"breakers":  h.svc.BreakerStates(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
