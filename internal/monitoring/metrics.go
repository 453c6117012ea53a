// Package monitoring exposes store statistics as Prometheus metrics and log
// records, and reports the health of a provider.
package monitoring

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"managed-kvstore/internal/codec"
	"managed-kvstore/internal/config"
	"managed-kvstore/internal/kv"
	"managed-kvstore/internal/storage"
)

// StoreMetrics is a kv.StatsListener recording every store operation in its
// own Prometheus registry.
type StoreMetrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	batchSize  *prometheus.HistogramVec
	rejected   *prometheus.CounterVec

	namespace string
	registry  *prometheus.Registry
}

var _ kv.StatsListener = (*StoreMetrics)(nil)

// NewStoreMetrics creates the collectors. A disabled config yields metrics
// that record nothing and serve 404.
func NewStoreMetrics(cfg config.MetricsConfig) *StoreMetrics {
	if !cfg.Enabled {
		return &StoreMetrics{}
	}
	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &StoreMetrics{
		namespace: namespace,
		registry:  registry,

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Total number of store operations",
			},
			[]string{"store", "operation"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of failed store operations",
			},
			[]string{"store", "operation", "kind"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Store operation latency",
				Buckets:   []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"store", "operation"},
		),
		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_batch_size",
				Help:      "Number of entries written by put_all or visited by scan",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"store", "operation"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_closed_rejections_total",
				Help:      "Operations rejected because the store was closed",
			},
			[]string{"store"},
		),
	}

	registry.MustRegister(
		m.operations,
		m.errors,
		m.latency,
		m.batchSize,
		m.rejected,
	)
	return m
}

func (m *StoreMetrics) Report(s kv.Stat) {
	if m.registry == nil {
		return
	}
	m.operations.WithLabelValues(s.Store, s.Op).Inc()
	m.latency.WithLabelValues(s.Store, s.Op).Observe(s.Elapsed.Seconds())
	switch s.Op {
	case kv.OpPutAll, kv.OpGetAll, kv.OpRemoveAll, kv.OpScan:
		m.batchSize.WithLabelValues(s.Store, s.Op).Observe(float64(s.Count))
	}
	if s.Err != nil {
		m.errors.WithLabelValues(s.Store, s.Op, errorKind(s.Err)).Inc()
		if errors.Is(s.Err, kv.ErrClosed) {
			m.rejected.WithLabelValues(s.Store).Inc()
		}
	}
}

// Gauge registers a gauge read from fn at scrape time, such as the number of
// open stores.
func (m *StoreMetrics) Gauge(name, help string, fn func() float64) {
	if m.registry == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry returns the underlying registry, nil when disabled.
func (m *StoreMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *StoreMetrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// errorKind buckets errors into a small label set.
func errorKind(err error) string {
	var flushErr *kv.FlushError
	var codecErr *codec.CodecError
	switch {
	case errors.Is(err, kv.ErrClosed), errors.Is(err, storage.ErrEngineClosed):
		return "closed"
	case errors.As(err, &flushErr):
		return "flush"
	case errors.As(err, &codecErr):
		return "codec"
	default:
		return "backend"
	}
}
