package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dougsko/framerelay/pkg/audio"
	"github.com/dougsko/framerelay/pkg/config"
	"github.com/dougsko/framerelay/pkg/hardware"
	"github.com/dougsko/framerelay/pkg/logging"
	"github.com/dougsko/framerelay/pkg/pipeline"
	"github.com/dougsko/framerelay/pkg/protocol"
	"github.com/dougsko/framerelay/pkg/relay"
	"github.com/google/uuid"
)

// underrunJournalInterval limits UNDERRUN journal entries per stream
const underrunJournalInterval = time.Second

// streamState is one running stream
type streamState struct {
	cfg       config.StreamConfig
	params    audio.Params
	stream    *relay.Stream
	pipeline  *pipeline.Pipeline
	monitor   *audio.AudioLevelMonitor
	sessionID string
	startedAt time.Time

	lastUnderrun atomic.Int64

	// closed when the capture fan-out goroutine exits
	fanoutDone chan struct{}
}

func (st *streamState) direction() string {
	if st.cfg.IsCapture() {
		return "capture"
	}
	return "playback"
}

// StreamParams returns the audio format of a configured stream
func StreamParams(sc config.StreamConfig) (audio.Params, error) {
	format, err := audio.ParseSampleFormat(sc.Format)
	if err != nil {
		return audio.Params{}, err
	}
	prm := audio.Params{
		SampleRate: sc.SampleRate,
		Channels:   sc.Channels,
		PTime:      sc.PTime,
		Format:     format,
	}
	return prm, prm.Validate()
}

// StartStream opens the named stream on its driver and starts its pump
func (e *CoreEngine) StartStream(name string) error {
	sc, ok := e.config.Stream(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStream, name)
	}

	e.streamMutex.Lock()
	if _, running := e.streams[name]; running || e.starting[name] {
		e.streamMutex.Unlock()
		return fmt.Errorf("%w: %s", ErrStreamRunning, name)
	}
	e.starting[name] = true
	e.streamMutex.Unlock()

	st, err := e.openStream(sc)

	e.streamMutex.Lock()
	delete(e.starting, name)
	if err == nil {
		e.streams[name] = st
	}
	e.streamMutex.Unlock()

	if err != nil {
		logging.Errorf("engine", "%s: failed to start: %v", name, err)
		return err
	}

	e.metrics.StreamStarted(st.direction())
	e.recordEvent(protocol.StreamEvent{
		SessionID: st.sessionID,
		Stream:    name,
		Direction: st.direction(),
		Event:     protocol.EventStarted,
		Detail:    fmt.Sprintf("%s %s/%s", st.params, sc.Driver, sc.Device),
	})
	logging.Info("engine", fmt.Sprintf("%s: started %s stream", name, st.direction()), map[string]interface{}{
		"stream":  name,
		"session": st.sessionID,
		"driver":  sc.Driver,
		"device":  sc.Device,
	})
	return nil
}

// openStream builds the application side of a stream and opens the relay
func (e *CoreEngine) openStream(sc config.StreamConfig) (*streamState, error) {
	prm, err := StreamParams(sc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sc.Name, err)
	}
	dir, err := hardware.ParseDir(sc.Direction)
	if err != nil {
		return nil, err
	}
	drv, err := e.Driver(sc.Driver)
	if err != nil {
		return nil, err
	}
	dev, err := drv.Device(sc.Device, dir)
	if err != nil {
		return nil, err
	}

	st := &streamState{
		cfg:       sc,
		params:    prm,
		sessionID: uuid.NewString(),
		startedAt: time.Now(),
	}

	var direction relay.Direction
	var source *streamState
	if dir == hardware.DirCapture {
		if sc.Monitor {
			st.monitor = audio.NewAudioLevelMonitor(sc.Name, prm, e.config.Monitor.FFTSize)
		}
		if st.pipeline, err = e.newPipeline(st); err != nil {
			return nil, err
		}
		if err := st.pipeline.StartInput(); err != nil {
			return nil, err
		}
		direction = st.pipeline.Capture()
	} else {
		switch sc.Source {
		case config.SourceTone:
			gen := audio.NewToneGenerator(prm, sc.ToneHz, 0.5)
			direction = relay.Playback{Produce: gen.Fill}
		case config.SourcePipeline, config.SourceLoopback:
			if sc.Source == config.SourceLoopback {
				if source = e.lookup(sc.From); source == nil {
					return nil, fmt.Errorf("%s: loopback source %q is not running", sc.Name, sc.From)
				}
			}
			if st.pipeline, err = e.newPipeline(st); err != nil {
				return nil, err
			}
			if err := st.pipeline.StartOutput(); err != nil {
				return nil, err
			}
			direction = st.pipeline.Playback()
		default:
			direction = relay.Playback{}
		}
	}

	poll := e.config.PlaybackPoll()
	if dir == hardware.DirCapture {
		poll = e.config.CapturePoll()
	}
	opts := []relay.Option{
		relay.WithName(sc.Name),
		relay.WithSlots(sc.Slots),
		relay.WithPollInterval(poll),
		relay.WithWakeOnComplete(e.config.Relay.WakeOnComplete),
		relay.WithShutdownTimeout(e.config.ShutdownTimeout()),
		relay.WithObserver(e.metrics),
		relay.WithErrorHandler(func(err error) {
			e.recordEvent(protocol.StreamEvent{
				SessionID: st.sessionID,
				Stream:    sc.Name,
				Direction: st.direction(),
				Event:     protocol.EventError,
				Detail:    err.Error(),
			})
		}),
	}
	if e.allocator != nil {
		opts = append(opts, relay.WithAllocator(e.allocator))
	}

	st.stream, err = relay.Open(dev, prm, direction, opts...)
	if err != nil {
		if st.pipeline != nil {
			st.pipeline.Close()
		}
		return nil, err
	}

	if dir == hardware.DirCapture {
		st.fanoutDone = make(chan struct{})
		go e.fanout(st)
	}
	if source != nil {
		e.subscribe(source.cfg.Name, sc.Name, st.pipeline)
	}
	return st, nil
}

func (e *CoreEngine) newPipeline(st *streamState) (*pipeline.Pipeline, error) {
	name := st.cfg.Name
	return pipeline.New(pipeline.Config{
		Name:         name,
		Params:       st.params,
		SwapCapacity: e.config.Relay.SwapCapacityFrames,
		InputQueue:   e.config.Relay.InputQueue,
		Monitor:      st.monitor,
		OnUnderrun:   func() { e.underrun(st) },
	})
}

// underrun counts every partly filled playback period and journals at most
// one per interval
func (e *CoreEngine) underrun(st *streamState) {
	e.metrics.RecordUnderrun(st.cfg.Name)

	now := time.Now().UnixNano()
	last := st.lastUnderrun.Load()
	if now-last < int64(underrunJournalInterval) || !st.lastUnderrun.CompareAndSwap(last, now) {
		return
	}
	e.recordEvent(protocol.StreamEvent{
		SessionID: st.sessionID,
		Stream:    st.cfg.Name,
		Direction: st.direction(),
		Event:     protocol.EventUnderrun,
	})
}

func (e *CoreEngine) subscribe(source, name string, p *pipeline.Pipeline) {
	e.loopMutex.Lock()
	defer e.loopMutex.Unlock()
	subs := e.loopbacks[source]
	if subs == nil {
		subs = make(map[string]*pipeline.Pipeline)
		e.loopbacks[source] = subs
	}
	subs[name] = p
}

func (e *CoreEngine) unsubscribe(source, name string) {
	e.loopMutex.Lock()
	defer e.loopMutex.Unlock()
	delete(e.loopbacks[source], name)
	if len(e.loopbacks[source]) == 0 {
		delete(e.loopbacks, source)
	}
}

// subscribers returns the names of the loopback streams fed by source
func (e *CoreEngine) subscribers(source string) []string {
	e.loopMutex.RLock()
	defer e.loopMutex.RUnlock()
	names := make([]string, 0, len(e.loopbacks[source]))
	for name := range e.loopbacks[source] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fanout drains a capture pipeline and repeats each chunk on the loopback
// streams fed by it. It exits when the pipeline is closed.
func (e *CoreEngine) fanout(st *streamState) {
	defer close(st.fanoutDone)
	source := st.cfg.Name
	for samples := range st.pipeline.InputSamples() {
		e.loopMutex.RLock()
		for name, p := range e.loopbacks[source] {
			if err := p.PlayAudio(samples); err != nil {
				e.metrics.RecordDropped(name, 1)
				logging.Debugf("engine", "%s: loopback chunk dropped: %v", name, err)
			}
		}
		e.loopMutex.RUnlock()
	}
}

// lookup returns the named running stream or nil
func (e *CoreEngine) lookup(name string) *streamState {
	e.streamMutex.RLock()
	defer e.streamMutex.RUnlock()
	return e.streams[name]
}

// runningNames lists running streams, playback first so that loopback
// streams stop before their sources
func (e *CoreEngine) runningNames() []string {
	e.streamMutex.RLock()
	defer e.streamMutex.RUnlock()

	var playback, capture []string
	for _, sc := range e.config.Streams {
		st, ok := e.streams[sc.Name]
		if !ok {
			continue
		}
		if st.cfg.IsCapture() {
			capture = append(capture, sc.Name)
		} else {
			playback = append(playback, sc.Name)
		}
	}
	return append(playback, capture...)
}

// StopStream stops the named stream. It returns an error wrapping
// relay.ErrShutdownTimeout when the hardware did not release its buffers in
// time; the stream is removed either way.
func (e *CoreEngine) StopStream(name string) error {
	e.streamMutex.Lock()
	st, ok := e.streams[name]
	if ok {
		delete(e.streams, name)
	}
	e.streamMutex.Unlock()
	if !ok {
		if _, known := e.config.Stream(name); !known {
			return fmt.Errorf("%w: %q", ErrUnknownStream, name)
		}
		return fmt.Errorf("%w: %s", ErrStreamStopped, name)
	}

	if st.cfg.IsPlayback() && st.cfg.Source == config.SourceLoopback {
		e.unsubscribe(st.cfg.From, name)
	}
	if st.cfg.IsCapture() {
		if subs := e.subscribers(name); len(subs) > 0 {
			logging.Warnf("engine", "%s: loopback streams %s play silence until it restarts",
				name, strings.Join(subs, ", "))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.config.ShutdownTimeout())
	defer cancel()
	err := st.stream.Stop(ctx)

	if st.pipeline != nil {
		st.pipeline.Close()
	}
	if st.fanoutDone != nil {
		<-st.fanoutDone
	}

	event := protocol.StreamEvent{
		SessionID: st.sessionID,
		Stream:    name,
		Direction: st.direction(),
		Event:     protocol.EventStopped,
	}
	stats := st.stream.Stats()
	event.Detail = fmt.Sprintf("posted=%d completed=%d busy=%d errors=%d",
		stats.Posted, stats.Completed, stats.BusyTicks, stats.PostErrors)
	if errors.Is(err, relay.ErrShutdownTimeout) {
		event.Event = protocol.EventStopTimeout
		event.Detail = err.Error()
	} else if err != nil {
		event.Detail = err.Error()
	}
	e.recordEvent(event)
	e.metrics.StreamStopped(st.direction())

	if err != nil {
		logging.Errorf("engine", "%s: stop: %v", name, err)
		return err
	}
	logging.Info("engine", fmt.Sprintf("%s: stopped", name), map[string]interface{}{
		"stream":  name,
		"session": st.sessionID,
		"uptime":  time.Since(st.startedAt).Truncate(time.Millisecond),
		"posted":  stats.Posted,
	})
	return nil
}

// PlayAudio queues samples on a playback stream fed by a pipeline
func (e *CoreEngine) PlayAudio(name string, samples []int16) error {
	st := e.lookup(name)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrStreamStopped, name)
	}
	if st.pipeline == nil || st.cfg.IsCapture() {
		return fmt.Errorf("stream %s does not accept audio", name)
	}
	return st.pipeline.PlayAudio(samples)
}

// ListStreams describes every configured stream in configuration order
func (e *CoreEngine) ListStreams() []protocol.StreamStatus {
	list := make([]protocol.StreamStatus, 0, len(e.config.Streams))
	for _, sc := range e.config.Streams {
		list = append(list, e.describe(sc))
	}
	return list
}

// StreamStatus describes one configured stream
func (e *CoreEngine) StreamStatus(name string) (*protocol.StreamStatus, error) {
	sc, ok := e.config.Stream(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, name)
	}
	status := e.describe(sc)
	return &status, nil
}

func (e *CoreEngine) describe(sc config.StreamConfig) protocol.StreamStatus {
	status := protocol.StreamStatus{
		Name:      sc.Name,
		Direction: sc.Direction,
		Driver:    sc.Driver,
		Device:    sc.Device,
		Format:    sc.Format,
	}
	if prm, err := StreamParams(sc); err == nil {
		status.Format = prm.String()
	}
	if sc.IsPlayback() {
		status.Source = sc.Source
	}

	st := e.lookup(sc.Name)
	if st == nil {
		return status
	}
	status.Direction = st.direction()
	status.Running = true
	status.SessionID = st.sessionID
	started := st.startedAt
	status.StartedAt = &started
	rs := st.stream.Stats()
	status.Relay = &rs
	if st.pipeline != nil {
		ps := st.pipeline.Stats()
		status.Pipeline = &ps
	}
	return status
}
