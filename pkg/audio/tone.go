package audio

import (
	"math"
	"sync"
)

// ToneGenerator produces a continuous sine wave in any supported format.
// Phase is carried across calls so consecutive periods join without a
// click.
type ToneGenerator struct {
	mu        sync.Mutex
	prm       Params
	freq      float64
	amplitude float64
	phase     float64
	samples   []int16
}

// NewToneGenerator creates a tone of freq Hz at amplitude (0..1 of full
// scale)
func NewToneGenerator(prm Params, freq, amplitude float64) *ToneGenerator {
	if amplitude < 0 {
		amplitude = 0
	}
	if amplitude > 1 {
		amplitude = 1
	}
	return &ToneGenerator{prm: prm, freq: freq, amplitude: amplitude}
}

// Frequency returns the tone frequency in Hz
func (g *ToneGenerator) Frequency() float64 { return g.freq }

// Samples returns the next frames frames as interleaved 16-bit samples
func (g *ToneGenerator) Samples(frames int) []int16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next(frames, nil)
}

// Fill writes frames frames of the tone into buf in the generator's sample
// format. It has the signature of a playback produce callback.
func (g *ToneGenerator) Fill(buf []byte, frames int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.samples = g.next(frames, g.samples)
	out := FromInt16(g.prm.Format, g.samples, buf[:0])
	if len(out) < len(buf) {
		clear(buf[len(out):])
	}
}

func (g *ToneGenerator) next(frames int, dst []int16) []int16 {
	ch := g.prm.Channels
	if ch <= 0 {
		ch = 1
	}
	n := frames * ch
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]

	step := 2 * math.Pi * g.freq / float64(g.prm.SampleRate)
	peak := g.amplitude * math.MaxInt16
	for i := 0; i < frames; i++ {
		v := int16(peak * math.Sin(g.phase))
		for c := 0; c < ch; c++ {
			dst[i*ch+c] = v
		}
		g.phase += step
		if g.phase >= 2*math.Pi {
			g.phase -= 2 * math.Pi
		}
	}
	return dst
}
