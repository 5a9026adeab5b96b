// Package telemetry exports session bookkeeping metrics to Prometheus.
//
// Every metric is a package global that starts out as a no-op. InitMetrics
// swaps in registered Prometheus collectors once InitializeTelemetry has
// created the registry, so callers never check whether metrics are enabled.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/maxpert/trxbook/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	namespace = "trxbook"
	subsystem = "session"
)

var registry *prometheus.Registry

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
	SetToCurrentTime()
}

type Histogram interface {
	Observe(float64)
}

// CounterVec, GaugeVec and HistogramVec select a child metric by label values.
type CounterVec interface {
	With(labelValues ...string) Counter
}

type GaugeVec interface {
	With(labelValues ...string) Gauge
}

type HistogramVec interface {
	With(labelValues ...string) Histogram
}

// labeled adapts a Prometheus WithLabelValues lookup to the Vec interfaces.
type labeled[M any] func(labelValues ...string) M

func (f labeled[M]) With(labelValues ...string) M {
	return f(labelValues...)
}

// noop returns a Vec whose children are all m.
func noop[M any](m M) labeled[M] {
	return func(...string) M { return m }
}

// NoopStat satisfies every metric interface and discards all updates.
type NoopStat struct{}

func (NoopStat) Inc()              {}
func (NoopStat) Dec()              {}
func (NoopStat) Add(float64)       {}
func (NoopStat) Sub(float64)       {}
func (NoopStat) Set(float64)       {}
func (NoopStat) SetToCurrentTime() {}
func (NoopStat) Observe(float64)   {}

// metricOpts names a series under the trxbook_session prefix and tags it
// with the exporting instance.
func metricOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		ConstLabels: prometheus.Labels{
			"instance_id": strconv.FormatUint(cfg.Config.InstanceID, 10),
		},
	}
}

func histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	o := metricOpts(name, help)
	return prometheus.HistogramOpts{
		Namespace:   o.Namespace,
		Subsystem:   o.Subsystem,
		Name:        o.Name,
		Help:        o.Help,
		ConstLabels: o.ConstLabels,
		Buckets:     buckets,
	}
}

func register[C prometheus.Collector](c C) C {
	registry.MustRegister(c)
	return c
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewCounter(prometheus.CounterOpts(metricOpts(name, help))))
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewGauge(prometheus.GaugeOpts(metricOpts(name, help))))
}

func NewHistogram(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewHistogram(histogramOpts(name, help, buckets)))
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noop[Counter](NoopStat{})
	}
	vec := register(prometheus.NewCounterVec(prometheus.CounterOpts(metricOpts(name, help)), labels))
	return labeled[Counter](func(v ...string) Counter { return vec.WithLabelValues(v...) })
}

func NewGaugeVec(name, help string, labels []string) GaugeVec {
	if registry == nil {
		return noop[Gauge](NoopStat{})
	}
	vec := register(prometheus.NewGaugeVec(prometheus.GaugeOpts(metricOpts(name, help)), labels))
	return labeled[Gauge](func(v ...string) Gauge { return vec.WithLabelValues(v...) })
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if registry == nil {
		return noop[Histogram](NoopStat{})
	}
	vec := register(prometheus.NewHistogramVec(histogramOpts(name, help, buckets), labels))
	return labeled[Histogram](func(v ...string) Histogram { return vec.WithLabelValues(v...) })
}

// InitializeTelemetry creates the registry when Prometheus export is enabled.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	log.Info().Msg("Prometheus metrics enabled, served by the admin server at /metrics")
}

// GetMetricsHandler returns the /metrics handler, or nil when Prometheus
// export is disabled.
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
