package profiler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type constCollector struct{}

func (constCollector) CollectMetrics() map[string]float64 { return map[string]float64{"queue": 2} }

func TestSummaries(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{MaxSamples: 4})
	for _, v := range []float64{10, 1, 2, 3, 4} {
		rp.RecordMetric("loss", v)
	}
	rp.RecordDuration("step", 5*time.Millisecond)

	s := rp.Snapshot()
	require.Len(t, s.Metrics, 1)
	loss := s.Metrics[0]
	assert.Equal(t, "loss", loss.Name)
	// The window keeps the last four values.
	assert.Equal(t, int64(5), loss.Count)
	assert.Equal(t, 1.0, loss.Min)
	assert.Equal(t, 4.0, loss.Max)
	assert.InDelta(t, 2.5, loss.Mean, 1e-9)

	require.Len(t, s.Operations, 1)
	assert.InDelta(t, 5, s.Operations[0].Mean, 1e-9)
	assert.Zero(t, s.Operations[0].Std)
}

func TestStartOperation(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{})
	done := rp.StartOperation("bind")
	done()
	s := rp.Snapshot()
	require.Len(t, s.Operations, 1)
	assert.Equal(t, "bind", s.Operations[0].Name)
	assert.GreaterOrEqual(t, s.Operations[0].Min, 0.0)
}

func TestReportLogs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rp := NewRuntimeProfiler(ProfilingOptions{
		SampleInterval: time.Millisecond,
		ReportInterval: time.Hour,
		Logger:         zap.New(core),
	})
	rp.AddMetricsCollector(constCollector{})
	rp.Start(context.Background())
	assert.Eventually(t, func() bool {
		return len(rp.Snapshot().Metrics) == 1
	}, time.Second, time.Millisecond)
	rp.Stop()
	rp.Stop()

	rp.Report()
	assert.Equal(t, 1, logs.FilterMessage("profile").Len())
	assert.Equal(t, 1, logs.FilterMessage("metric").Len())
}
