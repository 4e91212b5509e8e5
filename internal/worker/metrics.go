package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	batchesTotal      *prometheus.CounterVec
	batchDuration     *prometheus.HistogramVec
	activeBatches     prometheus.Gauge
	itemsTotal        *prometheus.CounterVec
	itemFailuresTotal *prometheus.CounterVec
	objectsTotal      *prometheus.CounterVec
	lockContention    prometheus.Counter
	lockLost          prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photobatch_worker_batches_total",
			Help: "Total batches by source type and final status.",
		}, []string{"source_type", "status"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "photobatch_worker_batch_duration_seconds",
			Help:    "Wall time of each batch, including object transfers.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"source_type", "status"}),
		activeBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "photobatch_worker_active_batches",
			Help: "Current number of batches being normalized.",
		}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photobatch_worker_items_total",
			Help: "Total batch items by outcome.",
		}, []string{"outcome"}),
		itemFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photobatch_worker_item_failures_total",
			Help: "Failed batch items by stage and failure kind.",
		}, []string{"stage", "kind"}),
		objectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photobatch_worker_objects_total",
			Help: "Objects moved between the object store and scratch space.",
		}, []string{"direction"}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photobatch_worker_lock_contention_total",
			Help: "Batches deferred because their output target was locked.",
		}),
		lockLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photobatch_worker_lock_lost_total",
			Help: "Batches cancelled because their output target lock could not be extended.",
		}),
	}

	registry.MustRegister(
		m.batchesTotal,
		m.batchDuration,
		m.activeBatches,
		m.itemsTotal,
		m.itemFailuresTotal,
		m.objectsTotal,
		m.lockContention,
		m.lockLost,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
