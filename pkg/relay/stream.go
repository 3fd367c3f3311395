package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/framerelay/pkg/audio"
	"github.com/dougsko/framerelay/pkg/logging"
)

// Stats is a point-in-time snapshot of a stream
type Stats struct {
	Name       string `json:"name"`
	Direction  string `json:"direction"`
	Slots      int    `json:"slots"`
	InFlight   int    `json:"in_flight"`
	Posted     uint64 `json:"posted"`
	Completed  uint64 `json:"completed"`
	BusyTicks  uint64 `json:"busy_ticks"`
	PostErrors uint64 `json:"post_errors"`
	Ready      bool   `json:"ready"`
	Running    bool   `json:"running"`
}

// Stream relays fixed-size periods between an application callback and a
// hardware queue. A background pump keeps up to N periods queued at the
// hardware; completions from the hardware free slots for reuse.
type Stream struct {
	opts  options
	prm   audio.Params
	dir   Direction
	ring  *Ring
	queue Queue
	mem   [][]byte

	ready   atomic.Bool
	running atomic.Bool

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error

	posted     atomic.Uint64
	completed  atomic.Uint64
	busy       atomic.Uint64
	postErrors atomic.Uint64
}

// Open allocates the ring, opens the hardware queue on dev and starts the
// pump. Invalid parameters, allocation failures and hardware open failures
// are returned to the caller; nothing is left running in that case.
func Open(dev Device, prm audio.Params, dir Direction, opts ...Option) (*Stream, error) {
	if dev == nil {
		return nil, fmt.Errorf("relay: nil device")
	}
	if dir == nil {
		return nil, fmt.Errorf("relay: nil direction")
	}
	if err := prm.Validate(); err != nil {
		return nil, fmt.Errorf("relay: invalid stream parameters: %w", err)
	}

	o := options{
		name:            dir.Name(),
		slots:           DefaultSlots,
		shutdownTimeout: DefaultShutdownTimeout,
		allocator:       heapAllocator{},
		observer:        nopObserver{},
	}
	if dir.Name() == "capture" {
		o.pollInterval = DefaultCapturePoll
	} else {
		o.pollInterval = DefaultPlaybackPoll
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.slots <= 0 {
		return nil, fmt.Errorf("relay: invalid slot count %d", o.slots)
	}
	if o.pollInterval <= 0 {
		return nil, fmt.Errorf("relay: invalid poll interval %v", o.pollInterval)
	}

	s := &Stream{
		opts:   o,
		prm:    prm,
		dir:    dir,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	periodFrames := prm.PeriodFrames()
	frameSize := prm.FrameSize()
	buffers := make([]*FrameBuffer, 0, o.slots)
	for i := 0; i < o.slots; i++ {
		mem := o.allocator.Get(periodFrames * frameSize)
		if len(mem) < periodFrames*frameSize {
			s.release()
			return nil, fmt.Errorf("relay: failed to allocate slot %d of %d bytes", i, periodFrames*frameSize)
		}
		s.mem = append(s.mem, mem)
		buffers = append(buffers, wrapFrameBuffer(mem, periodFrames, frameSize))
	}

	ring, err := NewRing(buffers)
	if err != nil {
		s.release()
		return nil, err
	}
	s.ring = ring

	q, err := dev.OpenQueue(prm, periodFrames, func(ev Event) { s.handleEvent(ev) })
	if err != nil {
		s.release()
		return nil, fmt.Errorf("relay: open %s queue: %w", dir.Name(), err)
	}
	s.queue = q
	s.running.Store(true)

	logging.Debugf("relay", "%s: opened %s stream (%s, %d slots of %d frames)",
		o.name, dir.Name(), prm, o.slots, periodFrames)

	if o.manualPump {
		close(s.done)
	} else {
		go s.pump()
	}
	return s, nil
}

// Name returns the stream name
func (s *Stream) Name() string { return s.opts.name }

// Params returns the stream format
func (s *Stream) Params() audio.Params { return s.prm }

// Direction returns the stream direction
func (s *Stream) Direction() Direction { return s.dir }

// Ring exposes the slot ring
func (s *Stream) Ring() *Ring { return s.ring }

// Ready reports whether the hardware has signalled that it accepts buffers
func (s *Stream) Ready() bool { return s.ready.Load() }

// Running reports whether the stream has not been stopped
func (s *Stream) Running() bool { return s.running.Load() }

// handleEvent is registered with the hardware. It runs on the hardware's
// goroutine and only touches the ring counter and atomics.
func (s *Stream) handleEvent(ev Event) {
	switch ev.Type {
	case EventOpen:
		s.ready.Store(true)
	case EventDone:
		if s.ring.Complete(ev.Buffer, ev.Length) {
			s.completed.Add(1)
			s.opts.observer.Completed(s.opts.name)
		}
	case EventClose:
		s.ready.Store(false)
	}
}

// PumpOnce runs one pump tick: when the hardware is ready and has room it
// prepares the next slot through the direction and posts it. ErrNotReady
// and ErrBusy mean the tick was a no-op.
func (s *Stream) PumpOnce() error {
	if !s.running.Load() {
		return ErrStopped
	}
	if !s.ready.Load() {
		return ErrNotReady
	}

	b := s.ring.Next()
	if b == nil {
		s.busy.Add(1)
		s.opts.observer.Busy(s.opts.name)
		return ErrBusy
	}

	start := time.Now()
	s.dir.prepare(b, s.ring.recorded())
	if !s.running.Load() {
		return ErrStopped
	}
	err := s.ring.Post(s.queue)
	s.opts.observer.PumpDuration(s.opts.name, time.Since(start))

	switch {
	case err == nil:
		s.posted.Add(1)
		s.opts.observer.Posted(s.opts.name)
	case errors.Is(err, ErrBusy):
		s.busy.Add(1)
		s.opts.observer.Busy(s.opts.name)
	default:
		s.postErrors.Add(1)
		s.opts.observer.PostFailed(s.opts.name)
		logging.Warnf("relay", "%s: %v", s.opts.name, err)
		if s.opts.onError != nil {
			s.opts.onError(err)
		}
	}
	return err
}

// pump drives PumpOnce at the poll interval until Stop
func (s *Stream) pump() {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.pollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if s.opts.wakeOnComplete {
		wake = s.ring.Wake()
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-wake:
		}
		_ = s.PumpOnce()
	}
}

// Stop halts the pump, reclaims every buffer from the hardware, closes the
// hardware queue and only then releases slot memory. It waits at most the
// configured shutdown timeout (or until ctx expires) for each step and
// returns ErrShutdownTimeout if the pump or the hardware did not let go in
// time; slot memory is not recycled in that case. When the pump itself is
// late the hardware is still reset and closed once the pump exits. Stop is
// idempotent.
func (s *Stream) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Stream) stop(ctx context.Context) error {
	s.running.Store(false)
	close(s.stopCh)

	ctx, cancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer cancel()

	select {
	case <-s.done:
	case <-ctx.Done():
		logging.Errorf("relay", "%s: pump did not exit before shutdown deadline", s.opts.name)
		go s.teardownAfterPump()
		return fmt.Errorf("%w: pump still running", ErrShutdownTimeout)
	}

	return s.teardown(ctx)
}

// teardownAfterPump releases the hardware once a late pump has exited
func (s *Stream) teardownAfterPump() {
	<-s.done

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.shutdownTimeout)
	defer cancel()
	if err := s.teardown(ctx); err != nil {
		logging.Errorf("relay", "%s: late teardown: %v", s.opts.name, err)
	}
}

// teardown resets the hardware, waits for every slot to come back, closes
// the hardware and then frees slot memory
func (s *Stream) teardown(ctx context.Context) error {
	var errs []error
	if err := s.queue.Reset(); err != nil {
		errs = append(errs, fmt.Errorf("reset hardware: %w", err))
	}
	drainErr := s.ring.Drain(ctx)
	if drainErr != nil {
		errs = append(errs, drainErr)
	}
	if err := s.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close hardware: %w", err))
	}
	s.ready.Store(false)

	if drainErr == nil {
		s.release()
	} else {
		logging.Errorf("relay", "%s: %v", s.opts.name, drainErr)
	}

	stats := s.Stats()
	logging.Debugf("relay", "%s: stopped (posted=%d completed=%d busy=%d errors=%d)",
		s.opts.name, stats.Posted, stats.Completed, stats.BusyTicks, stats.PostErrors)

	return errors.Join(errs...)
}

// Close stops the stream with a background context
func (s *Stream) Close() error {
	return s.Stop(context.Background())
}

// release returns slot memory to the allocator
func (s *Stream) release() {
	for _, m := range s.mem {
		s.opts.allocator.Put(m)
	}
	s.mem = nil
}

// Stats returns a snapshot of the stream counters
func (s *Stream) Stats() Stats {
	st := Stats{
		Name:       s.opts.name,
		Direction:  s.dir.Name(),
		Slots:      s.opts.slots,
		Posted:     s.posted.Load(),
		Completed:  s.completed.Load(),
		BusyTicks:  s.busy.Load(),
		PostErrors: s.postErrors.Load(),
		Ready:      s.ready.Load(),
		Running:    s.running.Load(),
	}
	if s.ring != nil {
		st.InFlight = s.ring.InFlight()
	}
	return st
}
