// Package worker provides a generic worker pool for background task processing
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/recipientcache/errors"
	"github.com/c360/recipientcache/metric"
)

// Pool processes work items of type T on a fixed number of goroutines
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	gate      Gate

	workChan chan T
	metrics  *Metrics
	wg       *sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	deferred  atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

// Metrics holds Prometheus metrics for worker pool monitoring
type Metrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	deferred       prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics labelled with prefix
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithGate makes every worker pass gate before processing an item.
func WithGate[T any](gate Gate) Option[T] {
	return func(p *Pool[T]) {
		p.gate = gate
	}
}

// NewPool creates a new generic worker pool with optional configuration
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}

	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		pool.metrics = pool.initializeMetrics()
	}

	return pool
}

// initializeMetrics returns nil if any collector fails to register, leaving the
// pool on statistics only.
func (p *Pool[T]) initializeMetrics() *Metrics {
	labels := prometheus.Labels{"pool": p.metricsPrefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recipients", Subsystem: "worker", Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "recipients", Subsystem: "worker", Name: "queue_depth",
			Help: "Current worker pool queue depth", ConstLabels: labels,
		}),
		submitted: counter("submitted_total", "Total work items submitted"),
		processed: counter("processed_total", "Total work items processed"),
		failed:    counter("failed_total", "Total work items that failed processing"),
		dropped:   counter("dropped_total", "Total work items dropped due to full queue"),
		deferred:  counter("deferred_total", "Total work items held at the admission gate"),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "recipients", Subsystem: "worker", Name: "processing_duration_seconds",
			Help:        "Time spent processing work items",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
			ConstLabels: labels,
		}, []string{"status"}),
	}

	service := "worker_" + p.metricsPrefix
	reg := p.metricsRegistry
	for _, err := range []error{
		reg.RegisterGauge(service, "queue_depth", m.queueDepth),
		reg.RegisterCounter(service, "submitted_total", m.submitted),
		reg.RegisterCounter(service, "processed_total", m.processed),
		reg.RegisterCounter(service, "failed_total", m.failed),
		reg.RegisterCounter(service, "dropped_total", m.dropped),
		reg.RegisterCounter(service, "deferred_total", m.deferred),
		reg.RegisterHistogramVec(service, "processing_duration_seconds", m.processingTime),
	} {
		if err != nil {
			return nil
		}
	}
	return m
}

// Submit enqueues work without blocking. Returns ErrQueueFull if the queue is full.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return errors.WrapInvalid(ErrPoolNotStarted, "Pool", "Submit", "lifecycle check")
	}
	if p.stopped {
		return errors.WrapTransient(ErrPoolStopped, "Pool", "Submit", "lifecycle check")
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return errors.WrapTransient(ErrQueueFull, "Pool", "Submit", "enqueue")
	}
}

// Start starts the worker pool
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return errors.WrapInvalid(ErrPoolAlreadyStarted, "Pool", "Start", "lifecycle check")
	}

	p.wg = &sync.WaitGroup{}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for workers to drain it.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}

	close(p.workChan)
	p.stopped = true

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(ErrStopTimeout, "Pool", "Stop", "drain workers")
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		Deferred:   p.deferred.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Deferred   int64 `json:"deferred"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			if !p.admit(ctx) {
				return
			}
			p.process(ctx, work)
		}
	}
}

// admit blocks while the gate is closed. Returns false if ctx ends first.
func (p *Pool[T]) admit(ctx context.Context) bool {
	if p.gate == nil {
		return true
	}
	if p.gate.Open() {
		return true
	}
	p.deferred.Add(1)
	if p.metrics != nil {
		p.metrics.deferred.Inc()
	}
	return p.gate.Wait(ctx) == nil
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	start := time.Now()
	err := p.processor(ctx, work)
	duration := time.Since(start)

	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}

	if p.metrics != nil {
		p.metrics.processed.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
		status := "success"
		if err != nil {
			p.metrics.failed.Inc()
			status = "error"
		}
		p.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}
}
