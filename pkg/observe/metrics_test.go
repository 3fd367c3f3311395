package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/dougsko/framerelay/pkg/relay"
)

var _ relay.Observer = (*RelayMetrics)(nil)

// newTestMetrics returns metrics backed by a ManualReader
func newTestMetrics(t *testing.T) (*RelayMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewRelayMetrics(mp)
	if err != nil {
		t.Fatalf("NewRelayMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the int64 sum data point carrying stream=name
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, metricName, key, value string) int64 {
	t.Helper()
	m := findMetric(rm, metricName)
	if m == nil {
		t.Fatalf("metric %s not found", metricName)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s: expected Sum[int64], got %T", metricName, m.Data)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %s: no data point with %s=%s", metricName, key, value)
	return 0
}

func TestObserverCounters(t *testing.T) {
	m, reader := newTestMetrics(t)

	for i := 0; i < 5; i++ {
		m.Posted("tx")
	}
	for i := 0; i < 3; i++ {
		m.Completed("tx")
	}
	m.Busy("tx")
	m.Busy("tx")
	m.PostFailed("tx")
	m.Posted("rx")
	m.RecordUnderrun("tx")
	m.RecordDropped("rx", 4)
	m.RecordDropped("rx", 0)

	rm := collect(t, reader)

	tests := []struct {
		metric string
		stream string
		want   int64
	}{
		{"framerelay.relay.posted", "tx", 5},
		{"framerelay.relay.posted", "rx", 1},
		{"framerelay.relay.completed", "tx", 3},
		{"framerelay.relay.busy", "tx", 2},
		{"framerelay.relay.post_errors", "tx", 1},
		{"framerelay.relay.underruns", "tx", 1},
		{"framerelay.relay.dropped", "rx", 4},
		{"framerelay.relay.inflight", "tx", 2},
		{"framerelay.relay.inflight", "rx", 1},
	}
	for _, tt := range tests {
		t.Run(tt.metric+"/"+tt.stream, func(t *testing.T) {
			if got := sumFor(t, rm, tt.metric, "stream", tt.stream); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestActiveStreams(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.StreamStarted("playback")
	m.StreamStarted("capture")
	m.StreamStarted("capture")
	m.StreamStopped("capture")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "framerelay.active_streams", "direction", "capture"); got != 1 {
		t.Errorf("capture: got %d, want 1", got)
	}
	if got := sumFor(t, rm, "framerelay.active_streams", "direction", "playback"); got != 1 {
		t.Errorf("playback: got %d, want 1", got)
	}
}

func TestPumpDuration(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.PumpDuration("rx", 20*time.Microsecond)
	m.PumpDuration("rx", 2*time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "framerelay.relay.pump.duration")
	if met == nil {
		t.Fatal("pump duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Errorf("expected count 2, got %d", dp.Count)
	}
	if len(dp.Bounds) != len(pumpBuckets) {
		t.Errorf("expected %d bucket bounds, got %d", len(pumpBuckets), len(dp.Bounds))
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, reader := newTestMetrics(t)

	router := gin.New()
	router.Use(GinMiddleware(m))
	router.GET("/api/v1/streams/:name", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"name": c.Param("name")})
	})

	for _, path := range []string{"/api/v1/streams/rx", "/api/v1/streams/tx", "/nowhere"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	rm := collect(t, reader)
	met := findMetric(rm, "framerelay.http.request.duration")
	if met == nil {
		t.Fatal("http duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		counts[route.AsString()] += dp.Count
	}
	if counts["/api/v1/streams/:name"] != 2 {
		t.Errorf("expected 2 requests on the stream route, got %d", counts["/api/v1/streams/:name"])
	}
	if counts["unmatched"] != 1 {
		t.Errorf("expected 1 unmatched request, got %d", counts["unmatched"])
	}
}

func TestInitProvider(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
