package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

type State struct {
	startedAt time.Time
	ready     atomic.Bool

	registry        *prometheus.Registry
	openConnections *prometheus.GaugeVec
	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
}

func NewState() *State {
	s := &State{
		startedAt: time.Now().UTC(),
		registry:  prometheus.NewRegistry(),
	}

	s.openConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_open_connections",
		Help:      "Pooled upstream connections currently open.",
	}, []string{"route"})
	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Relayed requests by target and status code (0 for transport errors).",
	}, []string{"target", "code"})
	s.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "Upstream round trip duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"target"})

	s.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready",
			Help:      "Whether the server is ready.",
		}, func() float64 {
			if s.ready.Load() {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime.",
		}, func() float64 {
			return time.Since(s.startedAt).Seconds()
		}),
		s.openConnections,
		s.requests,
		s.duration,
	)
	return s
}

func (s *State) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *State) Ready() bool {
	return s.ready.Load()
}

// ConnOpened and ConnClosed make State a pool connection observer.
func (s *State) ConnOpened(route string) {
	s.openConnections.WithLabelValues(route).Inc()
}

func (s *State) ConnClosed(route string) {
	s.openConnections.WithLabelValues(route).Dec()
}

// ObserveRelay records one relayed exchange. statusCode is 0 when the
// upstream round trip failed.
func (s *State) ObserveRelay(target string, statusCode int, elapsed time.Duration) {
	s.requests.WithLabelValues(target, strconv.Itoa(statusCode)).Inc()
	s.duration.WithLabelValues(target).Observe(elapsed.Seconds())
}

func (s *State) Registry() *prometheus.Registry {
	return s.registry
}

func (s *State) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	uptimeSeconds := int(time.Since(s.startedAt).Seconds())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d}`+"\n", uptimeSeconds)
}

func (s *State) ReadyHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not-ready"}` + "\n"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}` + "\n"))
}

func (s *State) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
