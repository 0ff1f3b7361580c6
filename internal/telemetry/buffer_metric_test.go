package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestNewBufferMetrics_Records(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	used := int64(4096)
	m, err := NewBufferMetrics(provider.Meter("test"), func() int64 { return used })
	require.NoError(t, err)

	ctx := context.Background()
	m.LoadsCounter.Add(ctx, 3)
	m.EvictionsCounter.Add(ctx, 1)
	m.LoadLatencyHistogram.Record(ctx, 12)

	data := collect(t, reader)

	loads, ok := data["gojocol.buffer.loads_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, loads.DataPoints, 1)
	assert.Equal(t, int64(3), loads.DataPoints[0].Value)

	gauge, ok := data["gojocol.buffer.memory_used"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(4096), gauge.DataPoints[0].Value)

	hist, ok := data["gojocol.buffer.load.duration"].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestNewBufferMetrics_Noop(t *testing.T) {
	m, err := NewBufferMetrics(noop.NewMeterProvider().Meter(""), nil)
	require.NoError(t, err)
	m.OOMRejectionsCounter.Add(context.Background(), 1)
}
