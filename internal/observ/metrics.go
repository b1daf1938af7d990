package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sniper"

// registry lazily creates Prometheus vectors keyed by metric name. The label
// names of a metric are fixed by its first use.
type registry struct {
	mu       sync.Mutex
	reg      *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
	labels   map[string][]string
}

var reg = newRegistry()

func newRegistry() *registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &registry{
		reg:      r,
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
		labels:   map[string][]string{},
	}
}

// labelNames returns the sorted label keys so vector shapes are stable.
func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameNames(a, b []string) bool {
	return strings.Join(a, ",") == strings.Join(b, ",")
}

// values orders label values by the metric's registered names. It returns
// false if the caller's label set does not match the registered shape.
func (r *registry) values(name string, lbl map[string]string) ([]string, bool) {
	names := labelNames(lbl)
	if known, ok := r.labels[name]; ok {
		if !sameNames(known, names) {
			return nil, false
		}
	} else {
		r.labels[name] = names
	}
	vals := make([]string, len(names))
	for i, k := range names {
		vals[i] = lbl[k]
	}
	return vals, true
}

func (r *registry) counter(name string, lbl map[string]string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	vals, ok := r.values(name, lbl)
	if !ok {
		return nil
	}
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, r.labels[name])
		r.reg.MustRegister(vec)
		r.counters[name] = vec
	}
	return vec.WithLabelValues(vals...)
}

func (r *registry) gauge(name string, lbl map[string]string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	vals, ok := r.values(name, lbl)
	if !ok {
		return nil
	}
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, r.labels[name])
		r.reg.MustRegister(vec)
		r.gauges[name] = vec
	}
	return vec.WithLabelValues(vals...)
}

func (r *registry) histogram(name string, lbl map[string]string) prometheus.Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	vals, ok := r.values(name, lbl)
	if !ok {
		return nil
	}
	vec, ok := r.hist[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, r.labels[name])
		r.reg.MustRegister(vec)
		r.hist[name] = vec
	}
	return vec.WithLabelValues(vals...)
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	if c := reg.counter(name, labels); c != nil {
		c.Add(value)
	}
}

func SetGauge(name string, value float64, labels map[string]string) {
	if g := reg.gauge(name, labels); g != nil {
		g.Set(value)
	}
}

func Observe(name string, value float64, labels map[string]string) {
	if h := reg.histogram(name, labels); h != nil {
		h.Observe(value)
	}
}

// RecordDuration records a duration in seconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_seconds", duration.Seconds(), labels)
}

// Gatherer exposes the underlying registry, mainly for tests.
func Gatherer() prometheus.Gatherer {
	return reg.reg
}

// Handler serves the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{})
}
