// Package api is the local HTTP surface the point-of-sale UI talks to. It
// exposes sessions, operation submission, queue and sync control, cached
// reference models and the live event stream of one client instance.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/possync/internal/app"
	"github.com/kimhsiao/possync/internal/logging"
)

// Router builds the /api routes over a running App.
func Router(a *app.App) http.Handler {
	sessions := NewSessionHandler(a)
	ops := NewOperationHandler(a)
	syncs := NewSyncHandler(a)
	cache := NewModelHandler(a)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", syncs.Health)
		r.Get("/connectivity", syncs.Connectivity)

		r.Post("/sessions", sessions.Create)
		r.Get("/sessions/{id}", sessions.Validate)
		r.Post("/sessions/{id}/refresh", sessions.Refresh)
		r.Delete("/sessions/{id}", sessions.Terminate)
		r.Put("/users/{user}/timeout", sessions.SetTimeout)
		r.Put("/users/{user}/pin", sessions.SetPIN)

		r.Post("/operations", ops.Submit)
		r.Get("/queue", ops.Stats)
		r.Get("/queue/failed", ops.Failed)
		r.Post("/queue/retry", ops.Retry)
		r.Get("/errors", ops.Errors)

		r.Post("/sync", syncs.SyncNow)
		r.Get("/sync/status", syncs.Status)

		r.Get("/models", cache.List)
		r.Get("/models/{key}", cache.Get)
		r.Post("/models/{key}/refresh", cache.Refresh)

		r.Handle("/events", a.Hub())
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("API request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
