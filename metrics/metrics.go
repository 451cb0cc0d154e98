package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	KeyProducerEnqueued    = "reqcount.producer.enqueued"
	KeyProducerErrors      = "reqcount.producer.errors"
	KeyUpdaterApplied      = "reqcount.updater.applied"
	KeyUpdaterConflicts    = "reqcount.updater.conflicts"
	KeyUpdaterLatency      = "reqcount.updater.latency"
	KeyServiceDropped      = "reqcount.service.dropped"
	KeyServiceDeadLettered = "reqcount.service.deadlettered"
	KeyCalloutErrors       = "reqcount.callout.errors"
	KeyCalloutPending      = "reqcount.callout.pending"
	KeyProxyServe          = "reqcount.proxy.serve"
	KeyProxyBackendErrors  = "reqcount.proxy.backend.errors"
	KeyProxyFilterPanics   = "reqcount.proxy.filter.panics"
)

// Metrics is the generic interface that all the required backends
// should implement.
type Metrics interface {
	MeasureSince(key string, start time.Time)
	IncCounter(key string)
	IncCounterBy(key string, value int64)
	IncFloatCounterBy(key string, value float64)
	UpdateGauge(key string, value float64)
	RegisterHandler(path string, handler *http.ServeMux)
}

// Options for initializing metrics collection.
type Options struct {
	// Common prefix for the keys of the different
	// collected metrics.
	Prefix string

	// If set, Go runtime and process metrics are collected in
	// addition to the counting pipeline metrics.
	EnableRuntimeMetrics bool

	// PrometheusRegistry is the Prometheus registry that will be
	// used instead of creating a new one.
	PrometheusRegistry *prometheus.Registry

	// HistogramBuckets defines buckets into which the observations
	// are counted. Defaults to prometheus.DefBuckets.
	HistogramBuckets []float64
}

type void struct{}

// Void discards all values.
var Void Metrics = void{}

// Default is used by the components that were not given a Metrics
// backend explicitly.
var Default = Void

func (void) MeasureSince(string, time.Time)          {}
func (void) IncCounter(string)                       {}
func (void) IncCounterBy(string, int64)              {}
func (void) IncFloatCounterBy(string, float64)       {}
func (void) UpdateGauge(string, float64)             {}
func (void) RegisterHandler(string, *http.ServeMux) {}
