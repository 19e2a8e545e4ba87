// Package prometheus exports the pipeline's core.MetricsRecorder calls as
// Prometheus counters and histograms.
package prometheus

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-syncpipe/core"
)

// Recorder lazily registers one vector per metric name. The label set of a
// metric is fixed by its first observation; later tags outside that set are
// dropped and missing ones are recorded empty.
type Recorder struct {
	registry   *prom.Registry
	namespace  string
	buckets    []float64
	mu         sync.Mutex
	counters   map[string]*vector[*prom.CounterVec]
	histograms map[string]*vector[*prom.HistogramVec]
	OnError    func(name string, err error)
}

type vector[T any] struct {
	vec    T
	labels []string
}

type Option func(*Recorder)

func WithBuckets(buckets []float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

// WithNamespace prefixes every metric name, e.g. "syncpipe" turns
// worker.run_once.total into syncpipe_worker_run_once_total.
func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		r.namespace = MetricName(namespace)
	}
}

// WithErrorHandler receives registration conflicts, which would otherwise
// be dropped silently.
func WithErrorHandler(fn func(name string, err error)) Option {
	return func(r *Recorder) {
		r.OnError = fn
	}
}

func NewRecorder(registry *prom.Registry, opts ...Option) *Recorder {
	if registry == nil {
		registry = prom.NewRegistry()
	}
	recorder := &Recorder{
		registry:   registry,
		buckets:    []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		counters:   map[string]*vector[*prom.CounterVec]{},
		histograms: map[string]*vector[*prom.HistogramVec]{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(recorder)
		}
	}
	return recorder
}

func (r *Recorder) Registry() *prom.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	metric := r.metricName(name)
	if metric == "" {
		return
	}
	r.mu.Lock()
	entry, ok := r.counters[metric]
	if !ok {
		labels := labelNames(tags)
		vec := prom.NewCounterVec(prom.CounterOpts{
			Name: metric,
			Help: fmt.Sprintf("syncpipe counter %s", strings.TrimSpace(name)),
		}, labels)
		if err := r.registry.Register(vec); err != nil {
			r.mu.Unlock()
			r.fail(metric, err)
			return
		}
		entry = &vector[*prom.CounterVec]{vec: vec, labels: labels}
		r.counters[metric] = entry
	}
	r.mu.Unlock()
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	metric := r.metricName(name)
	if metric == "" {
		return
	}
	r.mu.Lock()
	entry, ok := r.histograms[metric]
	if !ok {
		labels := labelNames(tags)
		vec := prom.NewHistogramVec(prom.HistogramOpts{
			Name:    metric,
			Help:    fmt.Sprintf("syncpipe histogram %s", strings.TrimSpace(name)),
			Buckets: r.buckets,
		}, labels)
		if err := r.registry.Register(vec); err != nil {
			r.mu.Unlock()
			r.fail(metric, err)
			return
		}
		entry = &vector[*prom.HistogramVec]{vec: vec, labels: labels}
		r.histograms[metric] = entry
	}
	r.mu.Unlock()
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Observe(value)
}

func (r *Recorder) fail(name string, err error) {
	if r.OnError != nil {
		r.OnError(name, err)
	}
}

// MetricName maps a dotted observer metric name onto the Prometheus
// charset, e.g. "syncpipe.worker.task.total" to "syncpipe_worker_task_total".
func (r *Recorder) metricName(name string) string {
	metric := MetricName(name)
	if metric == "" || r.namespace == "" {
		return metric
	}
	return r.namespace + "_" + metric
}

func MetricName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func labelNames(tags map[string]string) []string {
	labels := make([]string, 0, len(tags))
	for key := range tags {
		if label := MetricName(key); label != "" {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	return compact(labels)
}

func labelValues(labels []string, tags map[string]string) []string {
	normalized := make(map[string]string, len(tags))
	for key, value := range tags {
		normalized[MetricName(key)] = value
	}
	values := make([]string, len(labels))
	for i, label := range labels {
		values[i] = normalized[label]
	}
	return values
}

func compact(values []string) []string {
	out := values[:0]
	for i, value := range values {
		if i > 0 && value == values[i-1] {
			continue
		}
		out = append(out, value)
	}
	return out
}

var _ core.MetricsRecorder = (*Recorder)(nil)
