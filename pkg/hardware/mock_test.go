package hardware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/framerelay/pkg/audio"
	"github.com/dougsko/framerelay/pkg/relay"
)

func TestMockDevices(t *testing.T) {
	d := NewMockDriver(DriverConfig{})

	dev, err := d.Device("", DirCapture)
	require.NoError(t, err)
	assert.Equal(t, "Mock Audio", dev.(*mockDevice).info.Name)

	dev, err = d.Device("mock speaker", DirPlayback)
	require.NoError(t, err)
	assert.Equal(t, "Mock Speaker", dev.(*mockDevice).info.Name)

	_, err = d.Device("Mock Speaker", DirCapture)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestMockPlayback(t *testing.T) {
	d := NewMockDriver(DriverConfig{QueueDepth: 4})
	dev, err := d.Device("", DirPlayback)
	require.NoError(t, err)

	tone := audio.NewToneGenerator(testParams, 440, 0.5)
	s, err := relay.Open(dev, testParams, relay.Playback{Produce: tone.Fill}, relay.WithName("tx"))
	require.NoError(t, err)

	require.Len(t, d.Queues(), 1)
	q := d.Queues()[0]
	require.Eventually(t, func() bool {
		return q.PlayedBytes() >= int64(5*testParams.PeriodBytes())
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, s.Ring().InFlight())
	assert.False(t, s.Ready())

	ref := audio.NewToneGenerator(testParams, 440, 0.5)
	want := audio.Int16ToBytes(ref.Samples(testParams.PeriodFrames()), nil)
	assert.Equal(t, want, q.Played()[:len(want)])
	assert.GreaterOrEqual(t, q.Posts(), int64(5))
}

func TestMockCapture(t *testing.T) {
	d := NewMockDriver(DriverConfig{ToneHz: 500})
	dev, err := d.Device("Mock Line In", DirCapture)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		samples []int16
	)
	consume := func(buf []byte, frames int, _ time.Time) {
		mu.Lock()
		defer mu.Unlock()
		samples = append(samples, audio.BytesToInt16(buf[:frames*testParams.FrameSize()], nil)...)
	}

	s, err := relay.Open(dev, testParams, relay.Capture{Consume: consume})
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(samples) >= 4*testParams.SampleCount()
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	got := append([]int16(nil), samples[:testParams.SampleCount()]...)
	mu.Unlock()

	ref := audio.NewToneGenerator(testParams, 500, 0.5)
	assert.Equal(t, ref.Samples(testParams.PeriodFrames()), got)
}

func TestMockInjectedPostFailures(t *testing.T) {
	d := NewMockDriver(DriverConfig{})
	dev, err := d.Device("", DirPlayback)
	require.NoError(t, err)
	d.FailNextPosts(2)

	var (
		mu       sync.Mutex
		reported []error
	)
	s, err := relay.Open(dev, testParams, relay.Playback{},
		relay.WithErrorHandler(func(err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.PostErrors == 2 && st.Posted >= 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	for _, err := range reported {
		assert.ErrorIs(t, err, relay.ErrPost)
	}
}

func TestMockPlayedCap(t *testing.T) {
	q := &MockQueue{prm: testParams, dir: DirPlayback}
	buf := make([]byte, 4096)
	for q.PlayedBytes() <= MaxPlayedBytes {
		_, err := q.transfer(buf)
		require.NoError(t, err)
	}
	assert.Len(t, q.Played(), MaxPlayedBytes)
	assert.Greater(t, q.PlayedBytes(), int64(MaxPlayedBytes))
}
