package imagecache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Lookup layers.
const (
	layerMemory = "memory"
	layerDisk   = "disk"
	layerMiss   = "miss"
)

// Metrics holds the Prometheus collectors for one cache. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Lookups       *prometheus.CounterVec
	Fetches       *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	SharedFetches prometheus.Counter
	Evictions     prometheus.Counter
	DiskWrites    *prometheus.CounterVec
	DiskDropped   prometheus.Counter
	InFlight      prometheus.Gauge
	MemoryCost    prometheus.Gauge
	MemoryEntries prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Cache lookups by the layer that answered them",
		}, []string{"layer"}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Network fetches started by the cache",
		}, []string{"result"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time spent downloading and decoding an image",
			Buckets:   prometheus.DefBuckets,
		}),
		SharedFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shared_fetches_total",
			Help:      "Fetch calls answered by joining a pending fetch",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Memory entries evicted under bound pressure",
		}),
		DiskWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disk_writes_total",
			Help:      "Disk writes by outcome",
		}, []string{"result"}),
		DiskDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disk_dropped_writes_total",
			Help:      "Disk writes dropped because the queue was full",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight",
			Help:      "Fetches currently in flight",
		}),
		MemoryCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_cost_bytes",
			Help:      "Estimated bytes held by the memory layer",
		}),
		MemoryEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_entries",
			Help:      "Entries held by the memory layer",
		}),
	}

	m.registry.MustRegister(
		m.Lookups,
		m.Fetches,
		m.FetchDuration,
		m.SharedFetches,
		m.Evictions,
		m.DiskWrites,
		m.DiskDropped,
		m.InFlight,
		m.MemoryCost,
		m.MemoryEntries,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) lookup(layer string) {
	if m != nil {
		m.Lookups.WithLabelValues(layer).Inc()
	}
}

func (m *Metrics) fetched(start time.Time, err error) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.Fetches.WithLabelValues("error").Inc()
		return
	}
	m.Fetches.WithLabelValues("ok").Inc()
}

func (m *Metrics) shared() {
	if m != nil {
		m.SharedFetches.Inc()
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) diskWrite(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.DiskWrites.WithLabelValues("error").Inc()
		return
	}
	m.DiskWrites.WithLabelValues("ok").Inc()
}

func (m *Metrics) diskDropped() {
	if m != nil {
		m.DiskDropped.Inc()
	}
}

func (m *Metrics) inflight(delta float64) {
	if m != nil {
		m.InFlight.Add(delta)
	}
}

func (m *Metrics) memory(entries int, cost int64) {
	if m == nil {
		return
	}
	m.MemoryEntries.Set(float64(entries))
	m.MemoryCost.Set(float64(cost))
}
