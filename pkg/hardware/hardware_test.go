package hardware

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/framerelay/pkg/audio"
	"github.com/dougsko/framerelay/pkg/relay"
)

var testParams = audio.Params{
	SampleRate: 8000,
	Channels:   1,
	PTime:      10,
	Format:     audio.FormatS16LE,
}

// eventLog records queue events in arrival order
type eventLog struct {
	mu     sync.Mutex
	events []relay.Event
}

func (l *eventLog) handle(ev relay.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []relay.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]relay.Event(nil), l.events...)
}

func (l *eventLog) count(t relay.EventType) int {
	n := 0
	for _, ev := range l.snapshot() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func TestParseDir(t *testing.T) {
	tests := []struct {
		in      string
		want    Dir
		wantErr bool
	}{
		{"playback", DirPlayback, false},
		{"Output", DirPlayback, false},
		{"tx", DirPlayback, false},
		{"capture", DirCapture, false},
		{" input ", DirCapture, false},
		{"RX", DirCapture, false},
		{"sideways", DirPlayback, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDir(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "capture", DirCapture.String())
	assert.Equal(t, "playback", DirPlayback.String())
}

func TestResolve(t *testing.T) {
	devices := []AudioDevice{
		{ID: "hw:0,0", Name: "Line In", IsInput: true},
		{ID: "hw:1,0", Name: "Speaker", IsOutput: true, IsDefault: true},
		{ID: "hw:2,0", Name: "Headset", IsInput: true, IsOutput: true},
	}

	t.Run("default device", func(t *testing.T) {
		d, err := Resolve(devices, "", DirPlayback)
		require.NoError(t, err)
		assert.Equal(t, "Speaker", d.Name)
	})

	t.Run("first capable device without a default", func(t *testing.T) {
		d, err := Resolve(devices, "default", DirCapture)
		require.NoError(t, err)
		assert.Equal(t, "Line In", d.Name)
	})

	t.Run("name is case insensitive", func(t *testing.T) {
		d, err := Resolve(devices, "headset", DirCapture)
		require.NoError(t, err)
		assert.Equal(t, "hw:2,0", d.ID)
	})

	t.Run("match by id", func(t *testing.T) {
		d, err := Resolve(devices, "hw:1,0", DirPlayback)
		require.NoError(t, err)
		assert.Equal(t, "Speaker", d.Name)
	})

	t.Run("wrong direction", func(t *testing.T) {
		_, err := Resolve(devices, "Speaker", DirCapture)
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})

	t.Run("no devices", func(t *testing.T) {
		_, err := Resolve(nil, "", DirCapture)
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})
}

func TestRegistry(t *testing.T) {
	names := Drivers()
	assert.Contains(t, names, "mock")
	assert.Contains(t, names, "wav")
	assert.IsIncreasing(t, names)

	d, err := NewDriver("MOCK", DriverConfig{})
	require.NoError(t, err)
	assert.Equal(t, "mock", d.Name())
	assert.NoError(t, d.Close())

	_, err = NewDriver("carrier-pigeon", DriverConfig{})
	assert.ErrorIs(t, err, ErrDriverNotAvailable)
}
