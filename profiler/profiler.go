// Package profiler times the phases of training and inference steps and reports them
// together with runtime memory statistics.
package profiler

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// MetricsCollector is polled at every sample for additional metrics.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// RuntimeProfiler keeps a bounded window of samples per metric and per timed operation and
// logs a summary at every report interval.
type RuntimeProfiler struct {
	reportInterval time.Duration
	sampleInterval time.Duration
	maxSamples     int
	logger         *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	startTime time.Time
	running   bool

	memStats   runtime.MemStats
	lastGC     uint32
	metrics    map[string]*window
	operations map[string]*window
	collectors []MetricsCollector
}

// window holds the most recent values of one series.
type window struct {
	values []float64
	count  int64
}

func (w *window) add(v float64, max int) {
	w.values = append(w.values, v)
	if len(w.values) > max {
		w.values = w.values[1:]
	}
	w.count++
}

// Summary describes the samples of one series in its window.
type Summary struct {
	Name  string
	Count int64
	Mean  float64
	Std   float64
	Min   float64
	Max   float64
	P50   float64
	P95   float64
}

func summarize(name string, w *window) Summary {
	sorted := append([]float64(nil), w.values...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 {
		std = 0
	}
	return Summary{
		Name:  name,
		Count: w.count,
		Mean:  mean,
		Std:   std,
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
}

// ProfilingOptions configures the runtime profiler.
type ProfilingOptions struct {
	// ReportInterval specifies how often to log a report (default: 30s).
	ReportInterval time.Duration
	// SampleInterval specifies how often to poll memory and collectors (default: 1s).
	SampleInterval time.Duration
	// MaxSamples bounds the window of every series (default: 600).
	MaxSamples int
	// Logger receives the reports.
	Logger *zap.Logger
}

// NewRuntimeProfiler creates a stopped profiler.
func NewRuntimeProfiler(opts ProfilingOptions) *RuntimeProfiler {
	if opts.ReportInterval == 0 {
		opts.ReportInterval = 30 * time.Second
	}
	if opts.SampleInterval == 0 {
		opts.SampleInterval = time.Second
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 600
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RuntimeProfiler{
		reportInterval: opts.ReportInterval,
		sampleInterval: opts.SampleInterval,
		maxSamples:     opts.MaxSamples,
		logger:         opts.Logger,
		startTime:      time.Now(),
		metrics:        make(map[string]*window),
		operations:     make(map[string]*window),
	}
}

// Start begins sampling and reporting until ctx is done or Stop is called. Calling Start on a
// running profiler does nothing.
func (rp *RuntimeProfiler) Start(ctx context.Context) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.running {
		return
	}
	rp.running = true
	rp.startTime = time.Now()
	ctx, rp.cancel = context.WithCancel(ctx)

	rp.wg.Add(1)
	go func() {
		defer rp.wg.Done()
		sample := time.NewTicker(rp.sampleInterval)
		defer sample.Stop()
		report := time.NewTicker(rp.reportInterval)
		defer report.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sample.C:
				rp.sample()
			case <-report.C:
				rp.Report()
			}
		}
	}()
}

// Stop stops the background loop and waits for it.
func (rp *RuntimeProfiler) Stop() {
	rp.mu.Lock()
	if !rp.running {
		rp.mu.Unlock()
		return
	}
	rp.running = false
	cancel := rp.cancel
	rp.mu.Unlock()

	cancel()
	rp.wg.Wait()
}

// AddMetricsCollector registers a collector polled at every sample.
func (rp *RuntimeProfiler) AddMetricsCollector(collector MetricsCollector) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.collectors = append(rp.collectors, collector)
}

// RecordMetric adds a value to a metric series.
func (rp *RuntimeProfiler) RecordMetric(name string, value float64) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.series(rp.metrics, name).add(value, rp.maxSamples)
}

// StartOperation begins timing an operation and returns the function that ends it.
func (rp *RuntimeProfiler) StartOperation(name string) func() {
	start := time.Now()
	return func() { rp.RecordDuration(name, time.Since(start)) }
}

// RecordDuration adds a duration in milliseconds to an operation series.
func (rp *RuntimeProfiler) RecordDuration(name string, d time.Duration) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.series(rp.operations, name).add(float64(d)/float64(time.Millisecond), rp.maxSamples)
}

func (rp *RuntimeProfiler) series(m map[string]*window, name string) *window {
	w, ok := m[name]
	if !ok {
		w = &window{values: make([]float64, 0, 16)}
		m[name] = w
	}
	return w
}

func (rp *RuntimeProfiler) sample() {
	rp.mu.Lock()
	collectors := append([]MetricsCollector(nil), rp.collectors...)
	runtime.ReadMemStats(&rp.memStats)
	rp.mu.Unlock()

	// Collectors may call back into the profiler.
	for _, c := range collectors {
		for name, v := range c.CollectMetrics() {
			rp.RecordMetric(name, v)
		}
	}
}

// Snapshot is the state of the profiler at one point.
type Snapshot struct {
	Uptime     time.Duration
	Goroutines int
	HeapAlloc  uint64
	HeapSys    uint64
	NumGC      uint32
	Metrics    []Summary
	// Operations are summarised in milliseconds.
	Operations []Summary
}

// Snapshot summarises every series in name order.
func (rp *RuntimeProfiler) Snapshot() Snapshot {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	runtime.ReadMemStats(&rp.memStats)
	s := Snapshot{
		Uptime:     time.Since(rp.startTime),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  rp.memStats.HeapAlloc,
		HeapSys:    rp.memStats.HeapSys,
		NumGC:      rp.memStats.NumGC,
		Metrics:    summaries(rp.metrics),
		Operations: summaries(rp.operations),
	}
	return s
}

func summaries(m map[string]*window) []Summary {
	out := make([]Summary, 0, len(m))
	for name, w := range m {
		if len(w.values) > 0 {
			out = append(out, summarize(name, w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Report logs the current snapshot.
func (rp *RuntimeProfiler) Report() {
	s := rp.Snapshot()
	rp.mu.Lock()
	newGC := s.NumGC - rp.lastGC
	rp.lastGC = s.NumGC
	rp.mu.Unlock()

	rp.logger.Info("profile",
		zap.Duration("uptime", s.Uptime.Truncate(time.Millisecond)),
		zap.Int("goroutines", s.Goroutines),
		zap.Uint64("heap_alloc", s.HeapAlloc),
		zap.Uint64("heap_sys", s.HeapSys),
		zap.Uint32("gc_cycles", newGC),
	)
	for _, op := range s.Operations {
		rp.logger.Info("operation",
			zap.String("name", op.Name),
			zap.Float64("mean_ms", op.Mean),
			zap.Float64("p95_ms", op.P95),
			zap.Float64("max_ms", op.Max),
			zap.Int64("count", op.Count),
		)
	}
	for _, m := range s.Metrics {
		rp.logger.Info("metric",
			zap.String("name", m.Name),
			zap.Float64("mean", m.Mean),
			zap.Float64("std", m.Std),
			zap.Float64("min", m.Min),
			zap.Float64("max", m.Max),
		)
	}
}
