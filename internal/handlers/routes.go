package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vigil/internal/middleware"
	"vigil/internal/queue"
	"vigil/internal/storage"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a health check function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Pingers is ready when every member is.
type Pingers []Pinger

func (ps Pingers) Ping(ctx context.Context) error {
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Store is everything the API reads and writes.
type Store interface {
	storage.RuleStore
	storage.AlertStore
	storage.EventStore
}

// Deps wires the API handlers.
type Deps struct {
	// Rules overrides Store for rule reads and writes, e.g. a cache
	Rules   storage.RuleStore
	Store   Store
	Queue   queue.Enqueuer
	DB      Pinger
	APIKeys []string
}

// NewRouter builds the API mux. Health, readiness and metrics are not
// behind the API key.
func NewRouter(d Deps) http.Handler {
	rules := d.Rules
	if rules == nil {
		rules = d.Store
	}

	rh := NewRulesHandler(rules)
	ah := NewAlertsHandler(d.Store)
	eh := NewEventsHandler(d.Store, d.Queue)
	auth := middleware.APIKey(d.APIKeys)

	mux := http.NewServeMux()
	mux.Handle("POST /rules", auth(http.HandlerFunc(rh.Create)))
	mux.Handle("GET /rules", auth(http.HandlerFunc(rh.List)))
	mux.Handle("GET /alerts", auth(http.HandlerFunc(ah.List)))
	mux.Handle("POST /events", auth(http.HandlerFunc(eh.Ingest)))
	mux.Handle("GET /devices/{device_id}/events", auth(http.HandlerFunc(eh.List)))

	mux.HandleFunc("GET /health", Health)
	mux.Handle("GET /ready", Ready(d.DB))
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Chain(mux, middleware.Logging, middleware.Recovery)
}

// Health reports liveness
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready reports readiness, failing when a dependency is unreachable
func Ready(db Pinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "not ready",
					"error":  err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
}
