// Package metrics exposes envfs's Prometheus metrics. It is entirely
// optional: a mount with no metrics-addr option never constructs a
// Metrics value, and every Metrics method is a no-op on a nil receiver.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter and gauge envfs reports. All fields are
// safe for concurrent use, as is every type the prometheus client
// library hands out.
type Metrics struct {
	lookups         *prometheus.CounterVec
	liveInodes      prometheus.GaugeFunc
	fallbackEntries prometheus.Gauge
}

// New registers envfs's metrics against reg and returns the handle used
// to update them. liveInodes is polled on demand (as a GaugeFunc) rather
// than pushed, since the registry already holds the authoritative count
// and duplicating it as separately-updated state would drift.
func New(reg *prometheus.Registry, liveInodes func() float64) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envfs",
			Name:      "lookups_total",
			Help:      "Number of LOOKUP requests handled, partitioned by outcome.",
		}, []string{"outcome"}),
		liveInodes: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "envfs",
			Name:      "live_inodes",
			Help:      "Number of symlink inodes currently tracked by the registry.",
		}, liveInodes),
		fallbackEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "envfs",
			Name:      "fallback_entries",
			Help:      "Number of entries loaded into the static fallback table.",
		}),
	}
}

// Outcome labels for ObserveLookup.
const (
	OutcomeResolvedPath     = "resolved_path"
	OutcomeResolvedFallback = "resolved_fallback"
	OutcomeNotFound         = "not_found"
	OutcomeRejectedName     = "rejected_name"
)

// ObserveLookup records the outcome of a single dispatcher Lookup call.
func (m *Metrics) ObserveLookup(outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(outcome).Inc()
}

// SetFallbackEntries records the static fallback table's size, called
// once after the table is loaded at mount time.
func (m *Metrics) SetFallbackEntries(n int) {
	if m == nil {
		return
	}
	m.fallbackEntries.Set(float64(n))
}

// Server serves /metrics until its context is canceled.
type Server struct {
	httpServer *http.Server
}

// NewServer builds an HTTP server exposing reg on addr at /metrics. It
// does not start listening until Serve is called.
func NewServer(addr string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Serve blocks until ctx is canceled or the listener fails, then shuts
// the HTTP server down gracefully with a bounded timeout.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Addr reports the address the underlying server is configured for,
// exactly as passed to NewServer; with ":0" it does not report the port
// the listener actually picked.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
