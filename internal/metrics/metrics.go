// Package metrics exposes store activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdmarch/encore/internal/events"
)

// Namespace prefixes every metric name.
const Namespace = "encore"

// Collector turns bus events and HTTP requests into Prometheus metrics. It
// owns its registry, so several collectors never clash.
type Collector struct {
	registry *prometheus.Registry

	// Store Metrics
	mutationsTotal    *prometheus.CounterVec
	transactionsTotal *prometheus.CounterVec

	// Progress Metrics
	operationsTotal *prometheus.CounterVec
	stepsTotal      prometheus.Counter
	transferBytes   prometheus.Counter

	// HTTP Metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// bytes already counted per running store transfer
	mu          sync.Mutex
	transferred map[string]int64
}

// NewCollector creates a collector with all metrics registered.
func NewCollector() *Collector {
	c := &Collector{
		registry:    prometheus.NewRegistry(),
		transferred: make(map[string]int64),
	}

	c.mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "mutations_total",
			Help:      "Total number of store mutations",
		},
		[]string{"kind"},
	)

	c.transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transactions_total",
			Help:      "Total number of finished store transactions",
		},
		[]string{"state"},
	)

	c.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "progress",
			Name:      "operations_total",
			Help:      "Total number of progress operations by lifecycle state",
		},
		[]string{"state"},
	)

	c.stepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "progress",
			Name:      "steps_total",
			Help:      "Total number of progress steps",
		},
	)

	c.transferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transfer_bytes_total",
			Help:      "Total number of bytes streamed into stores",
		},
	)

	c.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	c.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	c.registry.MustRegister(
		c.mutationsTotal,
		c.transactionsTotal,
		c.operationsTotal,
		c.stepsTotal,
		c.transferBytes,
		c.httpRequestsTotal,
		c.httpRequestDuration,
	)
	return c
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Register subscribes the collector to progress and store events on bus
// and returns a function removing both registrations.
func (c *Collector) Register(bus *events.Bus) func() {
	offProgress := bus.Register(events.TypeProgress, c.Listen)
	offStore := bus.Register(events.TypeStore, c.Listen)
	return func() {
		offProgress()
		offStore()
	}
}

// Listen records one event. It never fails.
func (c *Collector) Listen(e events.Event) error {
	switch {
	case e.Type.Is(events.TypeProgressStart):
		c.operationsTotal.WithLabelValues("started").Inc()

	case e.Type.Is(events.TypeProgressStep):
		c.stepsTotal.Inc()
		if e.Type.Is(events.TypeStoreProgressStep) {
			c.recordTransfer(e)
		}

	case e.Type.Is(events.TypeProgressEnd):
		c.operationsTotal.WithLabelValues(string(e.ExitState)).Inc()
		c.mu.Lock()
		delete(c.transferred, e.OperationID)
		c.mu.Unlock()

	case e.Type.Is(events.TypeStoreModified):
		kind := strings.TrimPrefix(string(e.Type), string(events.TypeStoreModified)+".")
		c.mutationsTotal.WithLabelValues(kind).Inc()

	case e.Type.Is(events.TypeTransactionEnd):
		c.transactionsTotal.WithLabelValues(e.Message).Inc()
	}
	return nil
}

// recordTransfer adds the bytes moved since the previous step of the same
// operation. Store steps carry the cumulative byte count.
func (c *Collector) recordTransfer(e events.Event) {
	v, ok := e.Field("bytes")
	if !ok {
		return
	}
	total, ok := v.(int64)
	if !ok {
		return
	}

	c.mu.Lock()
	delta := total - c.transferred[e.OperationID]
	c.transferred[e.OperationID] = total
	c.mu.Unlock()

	if delta > 0 {
		c.transferBytes.Add(float64(delta))
	}
}

// Middleware records request counts and durations.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create response writer wrapper to capture status code
		wrapped := &responseWriterWrapper{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Process request
		next.ServeHTTP(wrapped, r)

		// Record metrics
		c.httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
		c.httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriterWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
