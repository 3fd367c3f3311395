// Package observe records relay activity as OpenTelemetry metrics. A
// Prometheus exporter bridge is installed by InitProvider so the daemon can
// serve them on /metrics. Tests should build their own RelayMetrics from an
// SDK meter provider with a ManualReader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every framerelay metric
const meterName = "github.com/dougsko/framerelay"

// RelayMetrics holds the relay instruments. It implements relay.Observer;
// every observation is tagged with the stream name.
type RelayMetrics struct {
	Posts       metric.Int64Counter
	Completions metric.Int64Counter
	BusyTicks   metric.Int64Counter
	PostErrors  metric.Int64Counter
	Underruns   metric.Int64Counter
	Dropped     metric.Int64Counter

	// InFlight tracks buffers owned by the hardware: +1 on post, -1 on
	// completion
	InFlight metric.Int64UpDownCounter

	ActiveStreams metric.Int64UpDownCounter

	PumpLatency         metric.Float64Histogram
	HTTPRequestDuration metric.Float64Histogram

	mu    sync.Mutex
	attrs map[string]metric.MeasurementOption
}

// pumpBuckets are histogram boundaries in seconds for a single pump tick
var pumpBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05,
}

// NewRelayMetrics creates the instruments on mp
func NewRelayMetrics(mp metric.MeterProvider) (*RelayMetrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &RelayMetrics{attrs: make(map[string]metric.MeasurementOption)}

	if met.Posts, err = m.Int64Counter("framerelay.relay.posted",
		metric.WithDescription("Periods handed to the hardware."),
	); err != nil {
		return nil, err
	}
	if met.Completions, err = m.Int64Counter("framerelay.relay.completed",
		metric.WithDescription("Periods returned by the hardware."),
	); err != nil {
		return nil, err
	}
	if met.BusyTicks, err = m.Int64Counter("framerelay.relay.busy",
		metric.WithDescription("Pump ticks skipped because every slot was owned by the hardware."),
	); err != nil {
		return nil, err
	}
	if met.PostErrors, err = m.Int64Counter("framerelay.relay.post_errors",
		metric.WithDescription("Periods dropped because the hardware rejected the post."),
	); err != nil {
		return nil, err
	}
	if met.Underruns, err = m.Int64Counter("framerelay.relay.underruns",
		metric.WithDescription("Playback periods padded with silence."),
	); err != nil {
		return nil, err
	}
	if met.Dropped, err = m.Int64Counter("framerelay.relay.dropped",
		metric.WithDescription("Captured periods dropped because the consumer fell behind."),
	); err != nil {
		return nil, err
	}
	if met.InFlight, err = m.Int64UpDownCounter("framerelay.relay.inflight",
		metric.WithDescription("Periods currently owned by the hardware."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("framerelay.active_streams",
		metric.WithDescription("Number of running streams."),
	); err != nil {
		return nil, err
	}
	if met.PumpLatency, err = m.Float64Histogram("framerelay.relay.pump.duration",
		metric.WithDescription("Time spent preparing and posting one period."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(pumpBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("framerelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *RelayMetrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the global
// meter provider. Call InitProvider first for the instruments to be
// exported.
func DefaultMetrics() *RelayMetrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewRelayMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// streamAttr caches the attribute set per stream; the pump calls into the
// observer on every tick
func (m *RelayMetrics) streamAttr(stream string) metric.MeasurementOption {
	m.mu.Lock()
	defer m.mu.Unlock()
	opt, ok := m.attrs[stream]
	if !ok {
		opt = metric.WithAttributeSet(attribute.NewSet(attribute.String("stream", stream)))
		m.attrs[stream] = opt
	}
	return opt
}

// Posted implements relay.Observer
func (m *RelayMetrics) Posted(stream string) {
	ctx := context.Background()
	attr := m.streamAttr(stream)
	m.Posts.Add(ctx, 1, attr)
	m.InFlight.Add(ctx, 1, attr)
}

// Completed implements relay.Observer
func (m *RelayMetrics) Completed(stream string) {
	ctx := context.Background()
	attr := m.streamAttr(stream)
	m.Completions.Add(ctx, 1, attr)
	m.InFlight.Add(ctx, -1, attr)
}

// Busy implements relay.Observer
func (m *RelayMetrics) Busy(stream string) {
	m.BusyTicks.Add(context.Background(), 1, m.streamAttr(stream))
}

// PostFailed implements relay.Observer
func (m *RelayMetrics) PostFailed(stream string) {
	m.PostErrors.Add(context.Background(), 1, m.streamAttr(stream))
}

// PumpDuration implements relay.Observer
func (m *RelayMetrics) PumpDuration(stream string, d time.Duration) {
	m.PumpLatency.Record(context.Background(), d.Seconds(), m.streamAttr(stream))
}

// RecordUnderrun counts a playback period that was padded with silence
func (m *RelayMetrics) RecordUnderrun(stream string) {
	m.Underruns.Add(context.Background(), 1, m.streamAttr(stream))
}

// RecordDropped counts captured periods lost to a slow consumer
func (m *RelayMetrics) RecordDropped(stream string, n int64) {
	if n > 0 {
		m.Dropped.Add(context.Background(), n, m.streamAttr(stream))
	}
}

// StreamStarted increments the active stream gauge
func (m *RelayMetrics) StreamStarted(direction string) {
	m.ActiveStreams.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("direction", direction)))
}

// StreamStopped decrements the active stream gauge
func (m *RelayMetrics) StreamStopped(direction string) {
	m.ActiveStreams.Add(context.Background(), -1,
		metric.WithAttributes(attribute.String("direction", direction)))
}
