package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToneGeneratorFill(t *testing.T) {
	prm := Params{SampleRate: 8000, Channels: 2, PTime: 10, Format: FormatS16LE}
	g := NewToneGenerator(prm, 1000, 1.0)

	buf := make([]byte, prm.PeriodBytes())
	g.Fill(buf, prm.PeriodFrames())

	samples := BytesToInt16(buf, nil)
	assert.Len(t, samples, 160)
	for i := 0; i < len(samples); i += 2 {
		assert.Equal(t, samples[i], samples[i+1], "channels must carry the same tone")
	}
	// 1 kHz at 8 kHz: the quarter-period sample is the peak
	assert.InDelta(t, 32767, int(samples[2*2]), 1)
}

func TestToneGeneratorPhaseContinuity(t *testing.T) {
	prm := Params{SampleRate: 8000, Channels: 1, PTime: 10, Format: FormatS16LE}
	a := NewToneGenerator(prm, 440, 0.5)
	b := NewToneGenerator(prm, 440, 0.5)

	joined := append(a.Samples(37), a.Samples(63)...)
	assert.Equal(t, b.Samples(100), joined)
}

func TestToneGeneratorFloat(t *testing.T) {
	prm := Params{SampleRate: 8000, Channels: 1, PTime: 10, Format: FormatFloat32}
	g := NewToneGenerator(prm, 1000, 0.5)
	buf := make([]byte, prm.PeriodBytes())
	g.Fill(buf, prm.PeriodFrames())

	f := BytesToFloat32(buf, nil)
	assert.InDelta(t, 0.5, f[2], 0.001)
	assert.InDelta(t, 0, f[0], 0.001)
}
