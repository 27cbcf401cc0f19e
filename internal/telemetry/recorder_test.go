package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/BaSui01/flowguard/testutil/mocks"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestRecorder_RecordsToMeterProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	r, err := NewRecorder(mp)
	require.NoError(t, err)

	r.RecordWorkflowExecution("sequential", "completed", time.Second)
	r.RecordStepExecution("payments", "http", "failed", 200*time.Millisecond)
	r.RecordStepExecution("payments", "http", "completed", 100*time.Millisecond)
	r.RecordStepRetry("payments", "timeout")

	sums := collectSums(t, reader)
	assert.Equal(t, int64(1), sums["flowguard.workflow.executions"])
	assert.Equal(t, int64(2), sums["flowguard.step.executions"])
	assert.Equal(t, int64(1), sums["flowguard.step.retries"])
}

func TestRecorder_GlobalProviderFallback(t *testing.T) {
	r, err := NewRecorder(nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { r.RecordStepRetry("svc", "unknown") })
}

func TestFanout(t *testing.T) {
	a, b := mocks.NewMockMetrics(), mocks.NewMockMetrics()
	f := NewFanout(a, nil, b)
	require.Len(t, f, 2)

	f.RecordWorkflowExecution("parallel", "failed", time.Second)
	f.RecordStepExecution("ledger", "function", "completed", time.Millisecond)
	f.RecordStepRetry("ledger", "network_error")

	for _, m := range []*mocks.MockMetrics{a, b} {
		assert.Len(t, m.Calls("workflow"), 1)
		assert.Len(t, m.Calls("step"), 1)
		assert.Len(t, m.Calls("retry"), 1)
	}
}
