package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/framerelay/pkg/audio"
	"github.com/dougsko/framerelay/pkg/logging"
	"github.com/dougsko/framerelay/pkg/relay"
)

// Config represents pipeline configuration
type Config struct {
	Name   string
	Params audio.Params

	// SwapCapacity is the staging capacity in frames, 0 selects a period
	// scaled default
	SwapCapacity int

	// InputQueue is the depth of the captured sample channel
	InputQueue int

	// Monitor, when set, receives every captured period
	Monitor *audio.AudioLevelMonitor

	// OnUnderrun is called from the pump goroutine when a playback period
	// could only be partly filled
	OnUnderrun func()
}

// Stats are the pipeline counters
type Stats struct {
	QueuedFrames    int    `json:"queued_frames"`
	PlayedPeriods   uint64 `json:"played_periods"`
	SilentPeriods   uint64 `json:"silent_periods"`
	Underruns       uint64 `json:"underruns"`
	CapturedPeriods uint64 `json:"captured_periods"`
	DroppedPeriods  uint64 `json:"dropped_periods"`
}

// Pipeline is the application side of a relay stream. On playback it
// stages audio handed over in chunks of any size and releases it one
// hardware period at a time. On capture it converts recorded periods to
// 16-bit samples and publishes them on a channel.
type Pipeline struct {
	config Config
	prm    audio.Params

	mutex     sync.RWMutex
	recording bool
	playing   bool
	closed    bool

	out     *relay.SwapBuffer
	encoded []byte

	inputSamples chan []int16

	played   atomic.Uint64
	silent   atomic.Uint64
	underrun atomic.Uint64
	captured atomic.Uint64
	dropped  atomic.Uint64
}

// ErrOutputFull is returned by PlayAudio when the staging buffer cannot
// take the chunk
var ErrOutputFull = errors.New("audio output buffer full")

// New creates a pipeline
func New(config Config) (*Pipeline, error) {
	if err := config.Params.Validate(); err != nil {
		return nil, err
	}
	if config.SwapCapacity == 0 {
		config.SwapCapacity = relay.CapacityForPeriod(config.Params.PeriodFrames())
	}
	if config.InputQueue <= 0 {
		config.InputQueue = 10
	}
	if config.Name == "" {
		config.Name = "pipeline"
	}

	out, err := relay.NewSwapBuffer(config.SwapCapacity, config.Params.FrameSize())
	if err != nil {
		return nil, fmt.Errorf("failed to create staging buffer: %w", err)
	}

	return &Pipeline{
		config:       config,
		prm:          config.Params,
		out:          out,
		inputSamples: make(chan []int16, config.InputQueue),
	}, nil
}

// Params returns the stream format
func (p *Pipeline) Params() audio.Params { return p.prm }

// StartInput enables delivery of captured audio
func (p *Pipeline) StartInput() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return fmt.Errorf("pipeline closed")
	}
	if p.recording {
		return fmt.Errorf("audio input already started")
	}
	p.recording = true
	logging.Debugf("pipeline", "%s: input started", p.config.Name)
	return nil
}

// StopInput stops delivery of captured audio
func (p *Pipeline) StopInput() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.recording = false
	return nil
}

// StartOutput enables PlayAudio
func (p *Pipeline) StartOutput() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return fmt.Errorf("pipeline closed")
	}
	if p.playing {
		return fmt.Errorf("audio output already started")
	}
	p.playing = true
	logging.Debugf("pipeline", "%s: output started", p.config.Name)
	return nil
}

// StopOutput disables PlayAudio and discards staged audio
func (p *Pipeline) StopOutput() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.playing = false
	p.out.Reset()
	return nil
}

// PlayAudio queues interleaved 16-bit samples for output. Any chunk size
// that holds whole frames is accepted.
func (p *Pipeline) PlayAudio(samples []int16) error {
	if len(samples)%p.prm.Channels != 0 {
		return fmt.Errorf("%w: %d samples for %d channels", relay.ErrPartialFrame, len(samples), p.prm.Channels)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.playing {
		return fmt.Errorf("audio output not started")
	}

	p.encoded = audio.FromInt16(p.prm.Format, samples, p.encoded)
	if err := p.out.Write(p.encoded); err != nil {
		if errors.Is(err, relay.ErrCapacityExceeded) {
			return ErrOutputFull
		}
		return err
	}
	return nil
}

// Produce fills one hardware period from the staged audio. Missing frames
// are played as silence.
func (p *Pipeline) Produce(buf []byte, frames int) {
	p.mutex.Lock()
	avail := p.out.Available()
	n := min(avail, frames)
	copied := 0
	if n > 0 {
		if view, err := p.out.Read(n); err == nil {
			copied = copy(buf, view)
		}
	}
	p.mutex.Unlock()

	if copied < len(buf) {
		clear(buf[copied:])
	}

	switch {
	case n == frames:
		p.played.Add(1)
	case n == 0:
		p.silent.Add(1)
	default:
		p.played.Add(1)
		p.underrun.Add(1)
		if p.config.OnUnderrun != nil {
			p.config.OnUnderrun()
		}
	}
}

// Consume receives one recorded period. The samples are published on
// InputSamples without blocking; periods are dropped while the consumer is
// behind.
func (p *Pipeline) Consume(buf []byte, frames int, ts time.Time) {
	if p.config.Monitor != nil {
		p.config.Monitor.ProcessFrames(p.prm.Format, buf)
	}

	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if !p.recording || p.closed {
		return
	}

	samples := audio.ToInt16(p.prm.Format, buf[:frames*p.prm.FrameSize()], nil)
	select {
	case p.inputSamples <- samples:
		p.captured.Add(1)
	default:
		p.dropped.Add(1)
	}
}

// Playback returns the relay direction driving this pipeline's output
func (p *Pipeline) Playback() relay.Playback {
	return relay.Playback{Produce: p.Produce}
}

// Capture returns the relay direction feeding this pipeline's input
func (p *Pipeline) Capture() relay.Capture {
	return relay.Capture{Consume: p.Consume}
}

// InputSamples returns a channel for receiving captured audio samples
func (p *Pipeline) InputSamples() <-chan []int16 {
	return p.inputSamples
}

// QueuedFrames returns the number of staged playback frames
func (p *Pipeline) QueuedFrames() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.out.Available()
}

// Stats returns the pipeline counters
func (p *Pipeline) Stats() Stats {
	return Stats{
		QueuedFrames:    p.QueuedFrames(),
		PlayedPeriods:   p.played.Load(),
		SilentPeriods:   p.silent.Load(),
		Underruns:       p.underrun.Load(),
		CapturedPeriods: p.captured.Load(),
		DroppedPeriods:  p.dropped.Load(),
	}
}

// IsRecording returns whether audio input is active
func (p *Pipeline) IsRecording() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.recording
}

// IsPlaying returns whether audio output is active
func (p *Pipeline) IsPlaying() bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.playing
}

// Close shuts the pipeline down. The stream feeding it must be stopped
// first.
func (p *Pipeline) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.recording = false
	p.playing = false
	p.out.Reset()
	close(p.inputSamples)
	return nil
}
