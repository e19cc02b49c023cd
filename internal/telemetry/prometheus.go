package telemetry

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics exposes Metrics keys as Prometheus collectors. Keys
// ending in _total become counters, everything else becomes a gauge.
// Collectors are registered on first use.
type PrometheusMetrics struct {
	namespace  string
	registerer prometheus.Registerer

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

// NewPrometheusMetrics registers collectors with reg, or the default
// registerer when reg is nil.
func NewPrometheusMetrics(namespace string, reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		namespace:  namespace,
		registerer: reg,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
	}
}

func (p *PrometheusMetrics) Add(key string, delta uint64) {
	if p == nil || key == "" {
		return
	}
	if !strings.HasSuffix(key, "_total") {
		p.gauge(key).Add(float64(delta))
		return
	}
	p.counter(key).Add(float64(delta))
}

func (p *PrometheusMetrics) Store(key string, value uint64) {
	if p == nil || key == "" {
		return
	}
	p.gauge(key).Set(float64(value))
}

func (p *PrometheusMetrics) counter(key string) prometheus.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[key]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      key,
		Help:      helpFor(key),
	})
	if err := p.registerer.Register(c); err != nil {
		if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if prior, ok := existing.ExistingCollector.(prometheus.Counter); ok {
				c = prior
			}
		}
	}
	p.counters[key] = c
	return c
}

func (p *PrometheusMetrics) gauge(key string) prometheus.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[key]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      key,
		Help:      helpFor(key),
	})
	if err := p.registerer.Register(g); err != nil {
		if existing, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if prior, ok := existing.ExistingCollector.(prometheus.Gauge); ok {
				g = prior
			}
		}
	}
	p.gauges[key] = g
	return g
}

func helpFor(key string) string {
	return strings.ReplaceAll(key, "_", " ")
}

// Multi fans every call out to each non-nil Metrics.
func Multi(metrics ...Metrics) Metrics {
	filtered := make(multiMetrics, 0, len(metrics))
	for _, m := range metrics {
		if m != nil {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

type multiMetrics []Metrics

func (m multiMetrics) Add(key string, delta uint64) {
	for _, metrics := range m {
		metrics.Add(key, delta)
	}
}

func (m multiMetrics) Store(key string, value uint64) {
	for _, metrics := range m {
		metrics.Store(key, value)
	}
}
