package benchmark

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-pcdet/models/postprocess"
)

// mockEngine returns one detection per cloud and fails every failEvery-th call.
type mockEngine struct {
	mu        sync.Mutex
	calls     int
	failEvery int
	sizes     []int
}

func (m *mockEngine) Predict(ctx context.Context, points []float32) ([]postprocess.Result, error) {
	out, err := m.PredictBatch(ctx, [][]float32{points})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (m *mockEngine) PredictBatch(_ context.Context, clouds [][]float32) ([][]postprocess.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.sizes = append(m.sizes, len(clouds))
	if m.failEvery > 0 && m.calls%m.failEvery == 0 {
		return nil, errors.New("boom")
	}
	out := make([][]postprocess.Result, len(clouds))
	for i := range out {
		out[i] = []postprocess.Result{{Score: 1, Label: 1}}
	}
	return out, nil
}

func (m *mockEngine) Close() error { return nil }

var testRange = []float32{0, -10, -2, 20, 10, 2}

func TestScenarioBuilder(t *testing.T) {
	scenario := NewScenarioBuilder("test_scenario").
		WithBackend("graph").
		WithPoints(2048).
		WithIterations(50).
		WithWarmupRuns(5).
		WithBatchSize(2).
		WithSeed(7).
		Build()

	assert.Equal(t, Scenario{
		Name:       "test_scenario",
		Backend:    "graph",
		BatchSize:  2,
		NumPoints:  2048,
		Iterations: 50,
		WarmupRuns: 5,
		Seed:       7,
	}, scenario)
}

func TestPointScaling(t *testing.T) {
	scenarios := PointScaling("onnx", 4, 20, 1000, 2000)
	require.Len(t, scenarios, 2)
	assert.Equal(t, "onnx_b4_p1000", scenarios[0].Name)
	assert.Equal(t, 2000, scenarios[1].NumPoints)
	assert.Equal(t, 2, scenarios[1].WarmupRuns)
}

func TestClouds(t *testing.T) {
	clouds := Clouds(3, 100, 4, testRange, 1)
	require.Len(t, clouds, 3)
	for _, c := range clouds {
		require.Len(t, c, 400)
		for i := 0; i < len(c); i += 4 {
			for f := 0; f < 3; f++ {
				assert.GreaterOrEqual(t, c[i+f], testRange[f])
				assert.Less(t, c[i+f], testRange[f+3])
			}
			assert.GreaterOrEqual(t, c[i+3], float32(0))
			assert.Less(t, c[i+3], float32(1))
		}
	}
	assert.Equal(t, clouds, Clouds(3, 100, 4, testRange, 1))
	assert.NotEqual(t, clouds[0], Clouds(1, 100, 4, testRange, 2)[0])
}

func TestLatencies(t *testing.T) {
	assert.Equal(t, LatencyMetrics{}, latencies(nil))

	l := latencies([]time.Duration{4 * time.Millisecond, 1 * time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond})
	assert.InDelta(t, 2.5, l.Mean, 1e-9)
	assert.InDelta(t, 2, l.P50, 1e-9)
	assert.InDelta(t, 4, l.P95, 1e-9)
	assert.InDelta(t, 4, l.Max, 1e-9)
}

func TestRunScenario(t *testing.T) {
	engine := &mockEngine{failEvery: 4}
	suite := NewSuite(engine, SuiteOptions{NumFeatures: 4, Range: testRange})

	m, err := suite.RunScenario(context.Background(), NewScenarioBuilder("s").
		WithBatchSize(2).WithPoints(10).WithIterations(8).WithWarmupRuns(1).Build())
	require.NoError(t, err)
	// the warmup call is the first of nine; calls 4 and 8 fail
	assert.Equal(t, 9, engine.calls)
	assert.InDelta(t, 0.25, m.ErrorRate, 1e-9)
	assert.Equal(t, 12, m.DetectionCount)
	assert.Positive(t, m.FramesPerSecond)
	for _, n := range engine.sizes {
		assert.Equal(t, 2, n)
	}

	_, err = suite.RunScenario(context.Background(), Scenario{Name: "empty"})
	assert.Error(t, err)
}

func TestRunAllScenariosSaves(t *testing.T) {
	dir := t.TempDir()
	suite := NewSuite(&mockEngine{}, SuiteOptions{OutputDir: dir, NumFeatures: 4, Range: testRange})
	for _, s := range PointScaling("graph", 1, 3, 5, 10) {
		suite.AddScenario(s)
	}
	suite.AddScenario(Scenario{Name: "invalid"})
	require.NoError(t, suite.RunAllScenarios(context.Background()))
	require.Len(t, suite.GetResults(), 2)

	csvFiles, err := filepath.Glob(filepath.Join(dir, "benchmark_summary_*.csv"))
	require.NoError(t, err)
	require.Len(t, csvFiles, 1)
	f, err := os.Open(csvFiles[0])
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "graph_b1_p5", rows[1][0])

	jsonFiles, err := filepath.Glob(filepath.Join(dir, "benchmark_results_*.json"))
	require.NoError(t, err)
	assert.Len(t, jsonFiles, 1)
}

func TestRunAllScenariosCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	suite := NewSuite(&mockEngine{}, SuiteOptions{NumFeatures: 4, Range: testRange})
	suite.AddScenario(NewScenarioBuilder("s").WithIterations(1).WithWarmupRuns(0).Build())
	assert.ErrorIs(t, suite.RunAllScenarios(ctx), context.Canceled)
}
