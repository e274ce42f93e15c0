package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the collectors the event loop updates.
type Metrics struct {
	connectionsActive   prometheus.Gauge
	connectionsAccepted prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	connectionsReaped   *prometheus.CounterVec
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	responseSize        *prometheus.HistogramVec
	faultsTotal         *prometheus.CounterVec
}

// NewMetrics registers the server collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "webserv_connections_active",
			Help: "Current number of open client connections",
		}),
		connectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "webserv_connections_accepted_total",
			Help: "Total number of accepted client connections",
		}),
		connectionsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webserv_connections_rejected_total",
				Help: "Connections answered with 503 and closed at accept time",
			},
			[]string{"reason"},
		),
		connectionsReaped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webserv_connections_reaped_total",
				Help: "Idle connections handled by the reaper",
			},
			[]string{"status"},
		),
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webserv_http_requests_total",
				Help: "Total number of HTTP responses sent",
			},
			[]string{"method", "status"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webserv_http_request_duration_seconds",
				Help:    "Time from a parsed request to its sent response",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status"},
		),
		responseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webserv_http_response_size_bytes",
				Help:    "Serialized HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "status"},
		),
		faultsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webserv_faults_total",
				Help: "Faults by kind: protocol faults answered in band, transport faults closing the connection",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) observeResponse(method string, status, size int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, code).Inc()
	m.requestDuration.WithLabelValues(method, code).Observe(elapsed.Seconds())
	m.responseSize.WithLabelValues(method, code).Observe(float64(size))
}
