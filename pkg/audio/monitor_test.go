package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var monitorParams = Params{SampleRate: 8000, Channels: 1, PTime: 20, Format: FormatS16LE}

func TestMonitorSilence(t *testing.T) {
	m := NewAudioLevelMonitor("rx", monitorParams, 256)
	m.ProcessSamples(make([]int16, 160))

	levels := m.Levels()
	assert.Equal(t, float32(SilenceDB), levels.RMSLevel)
	assert.Equal(t, float32(SilenceDB), levels.PeakLevel)
	assert.False(t, levels.Clipping)
}

func TestMonitorLevelsAndClipping(t *testing.T) {
	m := NewAudioLevelMonitor("rx", monitorParams, 256)

	half := make([]int16, 160)
	for i := range half {
		half[i] = 16384
		if i%2 == 1 {
			half[i] = -16384
		}
	}
	m.ProcessSamples(half)
	levels := m.Levels()
	assert.InDelta(t, -6.02, levels.RMSLevel, 0.05)
	assert.InDelta(t, -6.02, levels.PeakLevel, 0.05)
	assert.False(t, levels.Clipping)

	m.ProcessSamples([]int16{math.MinInt16, 0, 0, 0})
	levels = m.Levels()
	assert.True(t, levels.Clipping)
	assert.InDelta(t, 0, levels.PeakLevel, 0.01)
	assert.Equal(t, int64(1), m.Stats().ClipCount)
}

func TestMonitorSpectrumPeak(t *testing.T) {
	m := NewAudioLevelMonitor("rx", monitorParams, 256)
	assert.Equal(t, 256, m.Stats().FFTSize)

	// 1 kHz at 8 kHz lands in bin 32 of a 256 point FFT
	tone := NewToneGenerator(monitorParams, 1000, 0.5)
	m.ProcessSamples(tone.Samples(256))

	sp := m.Spectrum()
	require.Len(t, sp.Spectrum, 128)
	assert.Equal(t, float32(31.25), sp.FreqStep)
	assert.NotZero(t, sp.Timestamp)

	best := 0
	for i, v := range sp.Spectrum {
		if v > sp.Spectrum[best] {
			best = i
		}
	}
	assert.Equal(t, 32, best)
}

func TestMonitorProcessFramesUsesFirstChannel(t *testing.T) {
	stereo := Params{SampleRate: 8000, Channels: 2, PTime: 20, Format: FormatS16LE}
	m := NewAudioLevelMonitor("rx", stereo, 300)
	assert.Equal(t, 512, m.Stats().FFTSize)

	samples := make([]int16, 0, 64)
	for i := 0; i < 32; i++ {
		samples = append(samples, 0, 30000)
	}
	m.ProcessFrames(FormatS16LE, Int16ToBytes(samples, nil))
	assert.Equal(t, float32(SilenceDB), m.Levels().PeakLevel)
	assert.Equal(t, int64(32), m.Stats().SampleCount)

	m.Reset()
	assert.Zero(t, m.Stats().SampleCount)
}

func TestMonitorSnapshot(t *testing.T) {
	m := NewAudioLevelMonitor("rx", monitorParams, 64)
	snap := m.Snapshot()
	assert.Equal(t, "rx", snap.Stream)
	assert.Equal(t, 8000, snap.SampleRate)
}
