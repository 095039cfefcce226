package benchmark

import (
	"fmt"
	"math/rand/v2"
)

// Scenario defines one benchmark run over synthetic point clouds.
type Scenario struct {
	Name string `json:"name"`
	// Backend labels the engine the scenario runs on.
	Backend string `json:"backend"`
	// BatchSize is the number of clouds per PredictBatch call.
	BatchSize int `json:"batch_size"`
	// NumPoints is the number of points of every cloud.
	NumPoints  int   `json:"num_points"`
	Iterations int   `json:"iterations"`
	WarmupRuns int   `json:"warmup_runs"`
	Seed       int64 `json:"seed"`
}

// ScenarioBuilder helps build test scenarios with fluent API
type ScenarioBuilder struct {
	scenario Scenario
}

// NewScenarioBuilder creates a new scenario builder
func NewScenarioBuilder(name string) *ScenarioBuilder {
	return &ScenarioBuilder{
		scenario: Scenario{
			Name:       name,
			BatchSize:  1,
			NumPoints:  16384,
			Iterations: 100,
			WarmupRuns: 10,
		},
	}
}

// WithBackend sets the engine label.
func (sb *ScenarioBuilder) WithBackend(backend string) *ScenarioBuilder {
	sb.scenario.Backend = backend
	return sb
}

// WithPoints sets the points per cloud.
func (sb *ScenarioBuilder) WithPoints(n int) *ScenarioBuilder {
	sb.scenario.NumPoints = n
	return sb
}

// WithIterations sets the number of test iterations
func (sb *ScenarioBuilder) WithIterations(iterations int) *ScenarioBuilder {
	sb.scenario.Iterations = iterations
	return sb
}

// WithWarmupRuns sets the number of warmup runs
func (sb *ScenarioBuilder) WithWarmupRuns(warmups int) *ScenarioBuilder {
	sb.scenario.WarmupRuns = warmups
	return sb
}

// WithBatchSize sets the batch size for processing
func (sb *ScenarioBuilder) WithBatchSize(batchSize int) *ScenarioBuilder {
	sb.scenario.BatchSize = batchSize
	return sb
}

// WithSeed seeds the synthetic clouds.
func (sb *ScenarioBuilder) WithSeed(seed int64) *ScenarioBuilder {
	sb.scenario.Seed = seed
	return sb
}

// Build returns the configured test scenario
func (sb *ScenarioBuilder) Build() Scenario {
	return sb.scenario
}

// PointScaling returns one scenario per point count with otherwise equal settings.
func PointScaling(backend string, batchSize, iterations int, counts ...int) []Scenario {
	out := make([]Scenario, 0, len(counts))
	for _, n := range counts {
		out = append(out, NewScenarioBuilder(fmt.Sprintf("%s_b%d_p%d", backend, batchSize, n)).
			WithBackend(backend).
			WithBatchSize(batchSize).
			WithPoints(n).
			WithIterations(iterations).
			WithWarmupRuns(min(iterations/10, 10)).
			Build())
	}
	return out
}

// Clouds returns count clouds of numPoints points with numFeatures values each. x, y and z
// are uniform within pcRange and the remaining features uniform in [0, 1).
func Clouds(count, numPoints, numFeatures int, pcRange []float32, seed int64) [][]float32 {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	out := make([][]float32, count)
	for c := range out {
		cloud := make([]float32, numPoints*numFeatures)
		for i := 0; i < len(cloud); i += numFeatures {
			for f := 0; f < numFeatures; f++ {
				v := rng.Float32()
				if f < 3 {
					v = pcRange[f] + v*(pcRange[f+3]-pcRange[f])
				}
				cloud[i+f] = v
			}
		}
		out[c] = cloud
	}
	return out
}
