package honeypot

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsPath is where the metrics endpoint serves the Prometheus exposition.
const MetricsPath = "/metrics"

// Metrics holds the Prometheus metrics of one honeypot. They are registered
// on a private registry, so several servers can coexist in one process.
// It implements registry.Observer.
type Metrics struct {
	registry *prometheus.Registry

	Connections     *prometheus.CounterVec
	Entries         *prometheus.GaugeVec
	Promotions      prometheus.Counter
	Demotions       prometheus.Counter
	Evictions       *prometheus.CounterVec
	SnapshotErrors  *prometheus.CounterVec
	BindFailures    prometheus.Counter
	ListeningPorts  prometheus.Gauge
	LogSuppressions prometheus.Counter
}

// NewMetrics creates and registers all honeypot metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "honeypot_connections_total",
			Help: "Connection attempts accepted, by local port",
		}, []string{"port"}),
		Entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "honeypot_registry_entries",
			Help: "Clients currently on each list",
		}, []string{"list"}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "honeypot_promotions_total",
			Help: "Clients added to the whitelist",
		}),
		Demotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "honeypot_demotions_total",
			Help: "Clients removed from the whitelist after deviating from the sequence",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "honeypot_evictions_total",
			Help: "Clients dropped from a list, by reason (capacity, expired)",
		}, []string{"list", "reason"}),
		SnapshotErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "honeypot_snapshot_write_errors_total",
			Help: "Snapshot files that could not be written",
		}, []string{"list"}),
		BindFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "honeypot_bind_failures_total",
			Help: "Ports that could not be opened",
		}),
		ListeningPorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "honeypot_listening_ports",
			Help: "Ports currently being monitored",
		}),
		LogSuppressions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "honeypot_connection_logs_suppressed_total",
			Help: "Connection log lines dropped by the log rate limit",
		}),
	}

	m.registry.MustRegister(
		m.Connections,
		m.Entries,
		m.Promotions,
		m.Demotions,
		m.Evictions,
		m.SnapshotErrors,
		m.BindFailures,
		m.ListeningPorts,
		m.LogSuppressions,
	)

	return m
}

// Registry returns the Prometheus registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Evicted implements registry.Observer.
func (m *Metrics) Evicted(list, reason string, count int) {
	m.Evictions.WithLabelValues(list, reason).Add(float64(count))
}

// Resized implements registry.Observer.
func (m *Metrics) Resized(list string, entries int) {
	m.Entries.WithLabelValues(list).Set(float64(entries))
}

// SnapshotFailed implements registry.Observer.
func (m *Metrics) SnapshotFailed(list string, _ error) {
	m.SnapshotErrors.WithLabelValues(list).Inc()
}

func (m *Metrics) connectionAccepted(port int) {
	m.Connections.WithLabelValues(strconv.Itoa(port)).Inc()
}

// MetricsServer serves the metrics endpoint, and the event feed when one is
// given, over HTTP.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	events   *EventHub
	logger   *slog.Logger
	done     chan struct{}
}

// StartMetricsServer binds addr and serves m on MetricsPath until Shutdown.
// A non-nil events hub is served on EventsPath.
func StartMetricsServer(addr string, m *Metrics, events *EventHub, logger *slog.Logger) (*MetricsServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(MetricsPath, m.Handler())
	if events != nil {
		mux.Handle(EventsPath, events)
	}

	s := &MetricsServer{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		events:   events,
		logger:   logger,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics_server_error", "error", err)
		}
	}()

	logger.Info("metrics_listening",
		"addr", ln.Addr().String(),
		"path", MetricsPath,
		"events", events != nil,
	)
	return s, nil
}

// Addr returns the address the metrics endpoint is bound to.
func (s *MetricsServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Shutdown disconnects the event subscribers and stops the endpoint, waiting
// for in-flight scrapes until ctx ends.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s.events != nil {
		s.events.Close()
	}
	err := s.server.Shutdown(ctx)
	<-s.done
	return err
}
