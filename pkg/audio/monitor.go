package audio

import (
	"math"
	"sync"
	"time"

	"github.com/mjibson/go-dsp/fft"
)

// Level thresholds in dBFS
const (
	SilenceDB  = -100.0
	clipSample = 32000 // ~98% of full scale
	peakHold   = 2 * time.Second
)

// LevelData is one level measurement
type LevelData struct {
	Timestamp int64   `json:"timestamp"`
	RMSLevel  float32 `json:"rms"`      // dBFS
	PeakLevel float32 `json:"peak"`     // dBFS
	PeakHold  float32 `json:"peak_hold"`
	Clipping  bool    `json:"clipping"`
}

// SpectrumData is the magnitude spectrum of the most recent FFT window
type SpectrumData struct {
	Timestamp  int64     `json:"spectrum_timestamp"`
	SampleRate int       `json:"sample_rate"`
	Spectrum   []float32 `json:"spectrum"`  // dB per bin
	FreqStep   float32   `json:"freq_step"` // Hz per bin
}

// LevelSnapshot combines levels and spectrum for one stream
type LevelSnapshot struct {
	Stream string `json:"stream"`
	LevelData
	SpectrumData
}

// MonitorStats are cumulative counters of a monitor
type MonitorStats struct {
	SampleCount   int64   `json:"sample_count"`
	ClipCount     int64   `json:"clip_count"`
	ClipRatePct   float64 `json:"clip_rate_pct"`
	PeakHoldDB    float32 `json:"peak_hold_db"`
	SampleRate    int     `json:"sample_rate"`
	FFTSize       int     `json:"fft_size"`
	BufferSamples int     `json:"buffer_samples"`
}

// AudioLevelMonitor measures RMS, peak, clipping and the spectrum of the
// audio delivered by a capture stream. It is fed from the pump goroutine and
// read from API handlers.
type AudioLevelMonitor struct {
	mutex sync.RWMutex

	name       string
	sampleRate int
	channels   int
	fftSize    int

	currentRMS   float32
	currentPeak  float32
	peakHold     float32
	peakHoldTime time.Time
	isClipping   bool

	spectrum     []float32
	spectrumTime time.Time

	sampleBuffer []int16
	fftBuffer    []complex128
	window       []float64
	scratch      []int16

	sampleCount int64
	clipCount   int64
}

// NewAudioLevelMonitor creates a monitor for a stream with the given
// parameters. fftSize is rounded up to a power of two.
func NewAudioLevelMonitor(name string, prm Params, fftSize int) *AudioLevelMonitor {
	fftSize = nextPow2(fftSize)
	channels := prm.Channels
	if channels <= 0 {
		channels = 1
	}
	return &AudioLevelMonitor{
		name:        name,
		sampleRate:  prm.SampleRate,
		channels:    channels,
		fftSize:     fftSize,
		currentRMS:  SilenceDB,
		currentPeak: SilenceDB,
		peakHold:    SilenceDB,
		spectrum:    make([]float32, fftSize/2),
		fftBuffer:   make([]complex128, fftSize),
		window:      makeHannWindow(fftSize),
	}
}

func nextPow2(n int) int {
	if n < 2 {
		return 2
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// makeHannWindow creates a Hann window function for FFT
func makeHannWindow(size int) []float64 {
	window := make([]float64, size)
	for i := 0; i < size; i++ {
		window[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(size-1)))
	}
	return window
}

// Name returns the stream the monitor is attached to
func (m *AudioLevelMonitor) Name() string { return m.name }

// ProcessFrames converts interleaved frames in the given format and feeds
// the first channel to the monitor
func (m *AudioLevelMonitor) ProcessFrames(format SampleFormat, frames []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.scratch = ToInt16(format, frames, m.scratch)
	if m.channels > 1 {
		n := 0
		for i := 0; i < len(m.scratch); i += m.channels {
			m.scratch[n] = m.scratch[i]
			n++
		}
		m.scratch = m.scratch[:n]
	}
	m.process(m.scratch)
}

// ProcessSamples feeds mono 16-bit samples to the monitor
func (m *AudioLevelMonitor) ProcessSamples(samples []int16) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.process(samples)
}

func (m *AudioLevelMonitor) process(samples []int16) {
	if len(samples) == 0 {
		return
	}

	m.calculateLevels(samples)

	m.sampleBuffer = append(m.sampleBuffer, samples...)
	if len(m.sampleBuffer) >= m.fftSize {
		// analyse the newest window only
		if len(m.sampleBuffer) > m.fftSize {
			copy(m.sampleBuffer, m.sampleBuffer[len(m.sampleBuffer)-m.fftSize:])
			m.sampleBuffer = m.sampleBuffer[:m.fftSize]
		}
		m.calculateSpectrum()
		m.sampleBuffer = m.sampleBuffer[:0]
	}

	m.sampleCount += int64(len(samples))
}

// calculateLevels computes RMS and peak levels from samples
func (m *AudioLevelMonitor) calculateLevels(samples []int16) {
	var sumSquares float64
	var peak int32
	clipping := false

	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
		if v >= clipSample {
			clipping = true
			m.clipCount++
		}
		sumSquares += float64(v) * float64(v)
	}

	rms := math.Sqrt(sumSquares / float64(len(samples)))
	m.currentRMS = toDB(rms / 32768.0)

	if peak == 0 {
		m.currentPeak = SilenceDB
	} else {
		m.currentPeak = toDB(float64(peak) / 32768.0)
		now := time.Now()
		if m.currentPeak > m.peakHold || now.Sub(m.peakHoldTime) > peakHold {
			m.peakHold = m.currentPeak
			m.peakHoldTime = now
		}
	}

	m.isClipping = clipping
}

func toDB(v float64) float32 {
	if v <= 0 {
		return SilenceDB
	}
	return float32(20.0 * math.Log10(v))
}

// calculateSpectrum performs FFT analysis on the sample window
func (m *AudioLevelMonitor) calculateSpectrum() {
	for i := 0; i < m.fftSize; i++ {
		sample := float64(m.sampleBuffer[i]) / 32768.0
		m.fftBuffer[i] = complex(sample*m.window[i], 0)
	}

	result := fft.FFT(m.fftBuffer)

	for i := range m.spectrum {
		re, im := real(result[i]), imag(result[i])
		m.spectrum[i] = toDB(math.Sqrt(re*re + im*im))
	}
	m.spectrumTime = time.Now()
}

// Levels returns the current levels
func (m *AudioLevelMonitor) Levels() LevelData {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return LevelData{
		Timestamp: time.Now().UnixMilli(),
		RMSLevel:  m.currentRMS,
		PeakLevel: m.currentPeak,
		PeakHold:  m.peakHold,
		Clipping:  m.isClipping,
	}
}

// Spectrum returns a copy of the current spectrum
func (m *AudioLevelMonitor) Spectrum() SpectrumData {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	spectrum := make([]float32, len(m.spectrum))
	copy(spectrum, m.spectrum)

	var ts int64
	if !m.spectrumTime.IsZero() {
		ts = m.spectrumTime.UnixMilli()
	}
	return SpectrumData{
		Timestamp:  ts,
		SampleRate: m.sampleRate,
		Spectrum:   spectrum,
		FreqStep:   float32(m.sampleRate) / float32(m.fftSize),
	}
}

// Snapshot returns levels and spectrum together
func (m *AudioLevelMonitor) Snapshot() LevelSnapshot {
	return LevelSnapshot{
		Stream:       m.name,
		LevelData:    m.Levels(),
		SpectrumData: m.Spectrum(),
	}
}

// Stats returns cumulative counters
func (m *AudioLevelMonitor) Stats() MonitorStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	clipRate := float64(0)
	if m.sampleCount > 0 {
		clipRate = float64(m.clipCount) / float64(m.sampleCount) * 100.0
	}
	return MonitorStats{
		SampleCount:   m.sampleCount,
		ClipCount:     m.clipCount,
		ClipRatePct:   clipRate,
		PeakHoldDB:    m.peakHold,
		SampleRate:    m.sampleRate,
		FFTSize:       m.fftSize,
		BufferSamples: len(m.sampleBuffer),
	}
}

// Reset clears measurements and counters
func (m *AudioLevelMonitor) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.currentRMS = SilenceDB
	m.currentPeak = SilenceDB
	m.peakHold = SilenceDB
	m.peakHoldTime = time.Time{}
	m.isClipping = false
	m.sampleBuffer = m.sampleBuffer[:0]
	for i := range m.spectrum {
		m.spectrum[i] = 0
	}
	m.spectrumTime = time.Time{}
	m.sampleCount = 0
	m.clipCount = 0
}
