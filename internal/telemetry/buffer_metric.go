package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// BufferMetrics holds all the metric instruments for the buffer manager.
type BufferMetrics struct {
	LoadsCounter         metric.Int64Counter
	EvictionsCounter     metric.Int64Counter
	SpillWritesCounter   metric.Int64Counter
	FlushesCounter       metric.Int64Counter
	OOMRejectionsCounter metric.Int64Counter
	LoadLatencyHistogram metric.Int64Histogram
	MemoryUsedGauge      metric.Int64ObservableGauge
}

// NewBufferMetrics creates and registers all the metrics for the buffer
// manager. memoryUsed is sampled on every collection; it may be nil.
func NewBufferMetrics(meter metric.Meter, memoryUsed func() int64) (*BufferMetrics, error) {
	loads, err := meter.Int64Counter(
		"gojocol.buffer.loads_total",
		metric.WithDescription("Total number of physical loads (file reads or derivations)."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"gojocol.buffer.evictions_total",
		metric.WithDescription("Total number of objects evicted from memory."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	spillWrites, err := meter.Int64Counter(
		"gojocol.buffer.spill_writes_total",
		metric.WithDescription("Total number of payloads written to the spill directory."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter(
		"gojocol.buffer.flushes_total",
		metric.WithDescription("Total number of explicit flushes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	oom, err := meter.Int64Counter(
		"gojocol.buffer.oom_rejections_total",
		metric.WithDescription("Total number of requests rejected for lack of memory."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	loadLatency, err := meter.Int64Histogram(
		"gojocol.buffer.load.duration",
		metric.WithDescription("The latency of physical loads."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	var opts []metric.Int64ObservableGaugeOption
	opts = append(opts,
		metric.WithDescription("Bytes currently charged against the memory limit."),
		metric.WithUnit("By"),
	)
	if memoryUsed != nil {
		opts = append(opts, metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(memoryUsed())
			return nil
		}))
	}
	memGauge, err := meter.Int64ObservableGauge("gojocol.buffer.memory_used", opts...)
	if err != nil {
		return nil, err
	}

	return &BufferMetrics{
		LoadsCounter:         loads,
		EvictionsCounter:     evictions,
		SpillWritesCounter:   spillWrites,
		FlushesCounter:       flushes,
		OOMRejectionsCounter: oom,
		LoadLatencyHistogram: loadLatency,
		MemoryUsedGauge:      memGauge,
	}, nil
}
