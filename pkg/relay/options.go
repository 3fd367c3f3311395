package relay

import "time"

// Default pump cadences
const (
	DefaultSlots           = 4
	DefaultPlaybackPoll    = 5 * time.Millisecond
	DefaultCapturePoll     = 1 * time.Millisecond
	DefaultShutdownTimeout = 2 * time.Second
)

// ErrorHandler receives steady-state hardware errors. It is called from the
// pump goroutine and must not block for long.
type ErrorHandler func(error)

// Observer receives relay activity, typically for metrics
type Observer interface {
	Posted(stream string)
	Completed(stream string)
	Busy(stream string)
	PostFailed(stream string)
	PumpDuration(stream string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) Posted(string)                      {}
func (nopObserver) Completed(string)                   {}
func (nopObserver) Busy(string)                        {}
func (nopObserver) PostFailed(string)                  {}
func (nopObserver) PumpDuration(string, time.Duration) {}

type options struct {
	name            string
	slots           int
	pollInterval    time.Duration
	wakeOnComplete  bool
	shutdownTimeout time.Duration
	allocator       Allocator
	onError         ErrorHandler
	observer        Observer
	manualPump      bool
}

// Option configures a Stream
type Option func(*options)

// WithName sets the stream name used in logs and observer calls
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithSlots sets the number of period buffers in the ring
func WithSlots(n int) Option {
	return func(o *options) { o.slots = n }
}

// WithPollInterval sets the pump period
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithWakeOnComplete lets completions wake the pump before the next poll
// tick. The poll interval still bounds the idle wait.
func WithWakeOnComplete(enabled bool) Option {
	return func(o *options) { o.wakeOnComplete = enabled }
}

// WithShutdownTimeout bounds how long Stop waits for the pump and the
// hardware
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

// WithAllocator sets where slot memory comes from
func WithAllocator(a Allocator) Option {
	return func(o *options) { o.allocator = a }
}

// WithErrorHandler sets the side channel for steady-state hardware errors
func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) { o.onError = h }
}

// WithObserver sets the activity observer
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithManualPump disables the pump goroutine; the caller drives the relay
// with PumpOnce
func WithManualPump() Option {
	return func(o *options) { o.manualPump = true }
}
