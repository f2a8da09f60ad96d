package metricsink

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Sink backed by dynamically registered prometheus vectors,
// keyed by metric name so repeated calls with new label sets don't require
// pre-declaring every vector up front.
type Prometheus struct {
	registerer prometheus.Registerer

	mu          sync.Mutex
	counters    map[string]*prometheus.CounterVec
	histograms  map[string]*prometheus.HistogramVec
	gauges      map[string]*prometheus.GaugeVec
}

// NewPrometheus creates a Prometheus sink registered against reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	return &Prometheus{
		registerer: reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func (p *Prometheus) counterFor(name string, labels map[string]string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelNames(labels))
		p.registerer.MustRegister(c)
		p.counters[name] = c
	}
	return c
}

func (p *Prometheus) histogramFor(name string, labels map[string]string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.histograms[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, labelNames(labels))
		p.registerer.MustRegister(h)
		p.histograms[name] = h
	}
	return h
}

func (p *Prometheus) gaugeFor(name string, labels map[string]string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelNames(labels))
		p.registerer.MustRegister(g)
		p.gauges[name] = g
	}
	return g
}

func (p *Prometheus) IncCounter(name string, labels map[string]string) {
	p.counterFor(name, labels).With(labels).Inc()
}

func (p *Prometheus) ObserveHistogram(name string, value float64, labels map[string]string) {
	p.histogramFor(name, labels).With(labels).Observe(value)
}

func (p *Prometheus) SetGauge(name string, value float64, labels map[string]string) {
	p.gaugeFor(name, labels).With(labels).Set(value)
}
