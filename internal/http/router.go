// Package http serves diagnostics for a running mcsync: health, the changes
// the next pass would make, and metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thankful-ai/mcsync/internal/mcsync"
)

// Syncer is the part of *mcsync.Manager exposed for diagnostics.
type Syncer interface {
	Running() bool
	Backoff() time.Duration
	CurrentDiff(context.Context) (mcsync.DiffReport, error)
}

type Router struct {
	log     *slog.Logger
	syncer  Syncer
	handler http.Handler
}

type RouterOpts struct {
	Log    *slog.Logger
	Syncer Syncer

	// Gatherer for /metrics. Metrics aren't served when nil.
	Gatherer prometheus.Gatherer
}

func NewRouter(opts RouterOpts) *Router {
	rt := &Router{
		log:    opts.Log.With(slog.String("task", "diagnostics")),
		syncer: opts.Syncer,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", e(rt.getHealth))
	r.Get("/diff", e(rt.getDiff))
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer,
			promhttp.HandlerOpts{}))
	}
	rt.handler = r
	return rt
}

func (rt *Router) Handler() http.Handler { return rt.handler }

func (rt *Router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		rt.log.Debug("request",
			slog.String("id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(start)))
	})
}

type health struct {
	Running bool   `json:"running"`
	Backoff string `json:"backoff"`
}

func (rt *Router) getHealth(
	w http.ResponseWriter,
	r *http.Request,
) (interface{}, error) {
	return health{
		Running: rt.syncer.Running(),
		Backoff: rt.syncer.Backoff().String(),
	}, nil
}

// getDiff reports what the next pass would change. Nothing is written.
func (rt *Router) getDiff(
	w http.ResponseWriter,
	r *http.Request,
) (interface{}, error) {
	report, err := rt.syncer.CurrentDiff(r.Context())
	switch {
	case errors.Is(err, mcsync.ErrNotInitialized):
		return nil, unavailable(err)
	case err != nil:
		return nil, fmt.Errorf("current diff: %w", err)
	}
	return report, nil
}

type unavailableError string

func (e unavailableError) Error() string { return string(e) }

func unavailable(err error) unavailableError {
	return unavailableError(fmt.Sprintf("unavailable: %v", err))
}

type apiHandler func(http.ResponseWriter, *http.Request) (interface{}, error)

func e(h apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		x, err := h(w, r)
		var unavail unavailableError
		switch {
		case errors.As(err, &unavail):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if x == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Data interface{} `json:"data"`
		}{Data: x})
	}
}
