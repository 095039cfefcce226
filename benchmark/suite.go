package benchmark

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-pcdet/inference"
	"github.com/nvr-ai/go-pcdet/logging"
)

// Suite manages and executes benchmark scenarios
type Suite struct {
	engine      inference.Engine
	outputDir   string
	numFeatures int
	pcRange     []float32
	logger      *zap.Logger

	mu        sync.RWMutex
	scenarios []Scenario
	results   []PerformanceMetrics
}

// SuiteOptions configures a Suite.
type SuiteOptions struct {
	// OutputDir receives the result files.
	OutputDir string
	// NumFeatures is the width of a generated point.
	NumFeatures int
	// Range bounds the generated points.
	Range  []float32
	Logger *zap.Logger
}

// NewSuite creates a new benchmark suite over engine. The suite does not close the engine.
func NewSuite(engine inference.Engine, opts SuiteOptions) *Suite {
	return &Suite{
		engine:      engine,
		outputDir:   opts.OutputDir,
		numFeatures: opts.NumFeatures,
		pcRange:     opts.Range,
		logger:      logging.OrNop(opts.Logger),
	}
}

// AddScenario adds a test scenario to the benchmark suite
func (bs *Suite) AddScenario(scenario Scenario) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.scenarios = append(bs.scenarios, scenario)
}

// RunScenario executes a single benchmark scenario
func (bs *Suite) RunScenario(ctx context.Context, scenario Scenario) (*PerformanceMetrics, error) {
	if scenario.Iterations <= 0 || scenario.BatchSize <= 0 {
		return nil, errors.Errorf("scenario %s: %d iterations of batch %d", scenario.Name, scenario.Iterations, scenario.BatchSize)
	}
	clouds := Clouds(scenario.BatchSize, scenario.NumPoints, bs.numFeatures, bs.pcRange, scenario.Seed)

	for i := 0; i < scenario.WarmupRuns; i++ {
		if _, err := bs.engine.PredictBatch(ctx, clouds); err != nil {
			return nil, errors.Wrapf(err, "warmup of %s", scenario.Name)
		}
	}

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	metrics := &PerformanceMetrics{Scenario: scenario, Timestamp: time.Now()}
	samples := make([]time.Duration, 0, scenario.Iterations)
	failures := 0
	began := time.Now()
	for i := 0; i < scenario.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		out, err := bs.engine.PredictBatch(ctx, clouds)
		if err != nil {
			failures++
			bs.logger.Debug("iteration failed", zap.String("scenario", scenario.Name), zap.Error(err))
			continue
		}
		samples = append(samples, time.Since(start))
		for _, dets := range out {
			metrics.DetectionCount += len(dets)
		}
	}
	metrics.TotalDuration = time.Since(began)

	var endMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&endMem)

	metrics.Latency = latencies(samples)
	metrics.FramesPerSecond = float64(len(samples)*scenario.BatchSize) / metrics.TotalDuration.Seconds()
	metrics.ErrorRate = float64(failures) / float64(scenario.Iterations)
	metrics.MemoryStats = MemoryMetrics{
		AllocBytes:      endMem.Alloc,
		TotalAllocBytes: endMem.TotalAlloc - startMem.TotalAlloc,
		SysBytes:        endMem.Sys,
		NumGC:           endMem.NumGC - startMem.NumGC,
		HeapAllocBytes:  endMem.HeapAlloc,
		HeapSysBytes:    endMem.HeapSys,
	}
	return metrics, nil
}

// RunAllScenarios executes all configured benchmark scenarios and saves the results when an
// output directory is set. A failed scenario is logged and skipped.
func (bs *Suite) RunAllScenarios(ctx context.Context) error {
	bs.mu.RLock()
	scenarios := append([]Scenario(nil), bs.scenarios...)
	bs.mu.RUnlock()

	for _, scenario := range scenarios {
		metrics, err := bs.RunScenario(ctx, scenario)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			bs.logger.Warn("scenario failed", zap.String("scenario", scenario.Name), zap.Error(err))
			continue
		}
		bs.mu.Lock()
		bs.results = append(bs.results, *metrics)
		bs.mu.Unlock()

		bs.logger.Info("scenario done",
			zap.String("scenario", scenario.Name),
			zap.Float64("fps", metrics.FramesPerSecond),
			zap.Float64("p50_ms", metrics.Latency.P50),
			zap.Float64("p95_ms", metrics.Latency.P95),
			zap.Float64("error_rate", metrics.ErrorRate),
		)
	}
	if bs.outputDir == "" {
		return nil
	}
	return bs.SaveResults()
}

// SaveResults persists benchmark results to filesystem
func (bs *Suite) SaveResults() error {
	results := bs.GetResults()
	if err := os.MkdirAll(bs.outputDir, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	resultsFile := filepath.Join(bs.outputDir, "benchmark_results_"+timestamp+".json")
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal results")
	}
	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return errors.Wrap(err, "write results file")
	}

	summaryFile := filepath.Join(bs.outputDir, "benchmark_summary_"+timestamp+".csv")
	if err := saveSummaryCSV(summaryFile, results); err != nil {
		return errors.Wrap(err, "save summary CSV")
	}
	bs.logger.Info("results saved", zap.String("results", resultsFile), zap.String("summary", summaryFile))
	return nil
}

func saveSummaryCSV(filename string, results []PerformanceMetrics) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	_ = w.Write([]string{"scenario", "backend", "batch_size", "num_points", "fps", "mean_ms", "p95_ms", "detections", "error_rate"})
	for _, r := range results {
		_ = w.Write([]string{
			r.Scenario.Name,
			r.Scenario.Backend,
			strconv.Itoa(r.Scenario.BatchSize),
			strconv.Itoa(r.Scenario.NumPoints),
			strconv.FormatFloat(r.FramesPerSecond, 'f', 2, 64),
			strconv.FormatFloat(r.Latency.Mean, 'f', 3, 64),
			strconv.FormatFloat(r.Latency.P95, 'f', 3, 64),
			strconv.Itoa(r.DetectionCount),
			strconv.FormatFloat(r.ErrorRate, 'f', 4, 64),
		})
	}
	w.Flush()
	return w.Error()
}

// GetResults returns all benchmark results
func (bs *Suite) GetResults() []PerformanceMetrics {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return append([]PerformanceMetrics(nil), bs.results...)
}
