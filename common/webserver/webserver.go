// Package webserver carries the HTTP plumbing shared by all four services:
// the route table, request logging, the health and metrics endpoints and a
// graceful server runner.
package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ShutdownGrace bounds how long in-flight requests may run after a stop
// signal before the listener is torn down.
const ShutdownGrace = 10 * time.Second

var errEmptyListenAddress = errors.New("empty listen address")

// Route ties a named handler to a method and path pattern.
type Route struct {
	Name        string
	Method      string
	Pattern     string
	HandlerFunc http.HandlerFunc
}

// RequestLogger wraps inner with per-request debug logging.
func RequestLogger(inner http.Handler, name string, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inner.ServeHTTP(w, r)

		logger.Debug().
			Str("route", name).
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

// NewRouter builds a mux router from the route table with logging, request
// metrics, a liveness route and the Prometheus exposition route attached.
func NewRouter(service string, logger zerolog.Logger, routes []Route) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)

	all := make([]Route, 0, len(routes)+1)
	all = append(all, Route{Name: "Health", Method: http.MethodGet, Pattern: "/health", HandlerFunc: HealthHandler})
	all = append(all, routes...)

	for _, route := range all {
		var handler http.Handler = route.HandlerFunc
		handler = instrumentRoute(service, route.Name, handler)
		handler = RequestLogger(handler, route.Name, logger)

		router.
			Methods(route.Method).
			Path(route.Pattern).
			Name(route.Name).
			Handler(handler)
	}

	router.
		Methods(http.MethodGet).
		Path("/metrics").
		Name("Metrics").
		Handler(promhttp.Handler())

	return router
}

// HealthHandler answers the liveness probe.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // liveness reply best effort
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// Run serves handler on addr until ctx is cancelled, then drains with a
// bounded shutdown context.
func Run(ctx context.Context, logger zerolog.Logger, addr string, handler http.Handler) error {
	if addr == "" {
		return errEmptyListenAddress
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", addr).Msg("http server starting")
		errC <- srv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		logger.Info().Msg("http server draining")
		return srv.Shutdown(shutdownCtx)
	}
}

var httpRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Requests served, split by service and route",
	},
	[]string{"service", "route"},
)

var httpDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Request latency, split by service and route",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"service", "route"},
)

func init() {
	prometheus.MustRegister(httpRequests, httpDuration)
}

func instrumentRoute(service, route string, inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inner.ServeHTTP(w, r)
		httpRequests.WithLabelValues(service, route).Inc()
		httpDuration.WithLabelValues(service, route).Observe(time.Since(start).Seconds())
	})
}
