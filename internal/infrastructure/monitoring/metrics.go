// Package monitoring provides the zap logger, Prometheus metrics and OpenTelemetry
// tracing used by the qsign service.
package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/turtacn/qsign/internal/domain/service"
	"github.com/turtacn/qsign/pkg/constants"
)

// Metrics manages the Prometheus metrics.
type Metrics struct {
	KeysGenerated   *prometheus.CounterVec
	KeyAcquisitions *prometheus.CounterVec
	PoolFreeKeys    *prometheus.GaugeVec
	CleanupItems    *prometheus.CounterVec
	RemoteRetries   *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPLatency     *prometheus.HistogramVec
	HTTPInFlight    prometheus.Gauge
}

var _ service.Metrics = (*Metrics)(nil)

// NewMetrics creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		KeysGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qsign_keys_generated_total",
				Help: "Provisioning pipelines finished, by pool and result.",
			},
			[]string{"crypto_token_id", "profile", "result"},
		),
		KeyAcquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qsign_key_acquisitions_total",
				Help: "Key acquisition attempts, by usage and result.",
			},
			[]string{"crypto_token_id", "usage", "result"},
		),
		PoolFreeKeys: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qsign_pool_free_keys",
				Help: "Available keys per pool at the last replenish cycle.",
			},
			[]string{"crypto_token_id", "profile"},
		),
		CleanupItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qsign_cleanup_items_total",
				Help: "Items handled by cleanup jobs, by job and result.",
			},
			[]string{"job", "result"},
		),
		RemoteRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qsign_remote_call_retries_total",
				Help: "Retried calls, by remote system.",
			},
			[]string{"system"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qsign_http_requests_total",
				Help: "Ops API requests.",
			},
			[]string{"path", "method", "status"},
		),
		HTTPLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qsign_http_request_duration_seconds",
				Help:    "Ops API request latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
		HTTPInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qsign_http_requests_in_flight",
			Help: "Ops API requests being served.",
		}),
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (m *Metrics) RecordKeyGenerated(cryptoTokenID int, profile string, success bool) {
	m.KeysGenerated.WithLabelValues(strconv.Itoa(cryptoTokenID), profile, result(success)).Inc()
}

func (m *Metrics) RecordKeyAcquisition(cryptoTokenID int, usage constants.KeyUsage, res string) {
	m.KeyAcquisitions.WithLabelValues(strconv.Itoa(cryptoTokenID), string(usage), res).Inc()
}

func (m *Metrics) SetPoolFreeKeys(cryptoTokenID int, profile string, free int64) {
	m.PoolFreeKeys.WithLabelValues(strconv.Itoa(cryptoTokenID), profile).Set(float64(free))
}

func (m *Metrics) RecordCleanupItem(job string, success bool) {
	m.CleanupItems.WithLabelValues(job, result(success)).Inc()
}

func (m *Metrics) RecordRemoteRetry(system string) {
	m.RemoteRetries.WithLabelValues(system).Inc()
}

// ObserveHTTPRequest records one finished ops API request.
func (m *Metrics) ObserveHTTPRequest(path, method string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(path, method).Observe(elapsed.Seconds())
}
