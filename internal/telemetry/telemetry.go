// Package telemetry wires structured logging and Prometheus metrics for the
// proxy, gated by configuration the way the rest of the ambient stack is.
package telemetry

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/streamrelay/mediaproxy/internal/store"
	"github.com/streamrelay/mediaproxy/internal/task"
)

// NewLogger builds a zerolog.Logger. When enabled is false, all log levels
// are disabled so call sites pay only the cost of building the event before
// it is discarded.
func NewLogger(enabled bool, pretty bool) zerolog.Logger {
	var w = os.Stderr
	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(w).With().Timestamp().Logger()
	}
	if !enabled {
		logger = logger.Level(zerolog.Disabled)
	}
	return logger
}

// Metrics holds the process's Prometheus collectors for cache and task
// activity. A nil *Metrics is valid everywhere it's consulted: callers guard
// with `if m != nil`. CacheHits/CacheMisses/ActiveWorkers are pushed by their
// callers via Inc/Dec; the resident-bytes, on-disk-bytes, and task-count
// gauges are polled at scrape time instead (registered as GaugeFunc below),
// since their authoritative values live in the store and task registry, not
// in anything this package updates directly.
type Metrics struct {
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	ActiveWorkers prometheus.Gauge
}

// New registers the collectors against reg and returns the Metrics handle.
// Pass prometheus.NewRegistry() for isolated tests, or
// prometheus.DefaultRegisterer in production. st and registry supply the
// live values for the polled gauges; New reads from them only at scrape
// time, never copies or caches their state.
func New(reg prometheus.Registerer, st *store.Store, registry *task.Registry) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediaproxy", Name: "cache_hits_total", Help: "Byte-range cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediaproxy", Name: "cache_misses_total", Help: "Byte-range cache misses.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediaproxy", Name: "active_workers", Help: "Workers currently fetching a range.",
		}),
	}
	residentBytes := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mediaproxy", Name: "memory_resident_bytes", Help: "Bytes resident in the memory tier.",
	}, func() float64 { return float64(st.ResidentBytes()) })
	onDiskBytes := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mediaproxy", Name: "disk_resident_bytes", Help: "Bytes resident in the disk tier.",
	}, func() float64 { return float64(st.OnDiskBytes()) })
	taskCount := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mediaproxy", Name: "tasks_registered", Help: "Tasks currently registered.",
	}, func() float64 { return float64(registry.TaskCount()) })
	reg.MustRegister(m.CacheHits, m.CacheMisses, m.ActiveWorkers, residentBytes, onDiskBytes, taskCount)
	return m
}
