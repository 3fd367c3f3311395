package relay

import "errors"

// Flow-control conditions. Callers back off and retry on the next cycle;
// none of these are reported through the stream error handler.
var (
	ErrCapacityExceeded = errors.New("relay: capacity exceeded")
	ErrInsufficientData = errors.New("relay: insufficient data")
	ErrBusy             = errors.New("relay: hardware queue full")
	ErrNotReady         = errors.New("relay: hardware not ready")
)

var (
	// ErrPartialFrame is returned for byte slices that do not hold a whole
	// number of frames
	ErrPartialFrame = errors.New("relay: partial frame")

	// ErrPost wraps a hardware failure to accept a buffer
	ErrPost = errors.New("relay: hardware post failed")

	// ErrStopped is returned by operations on a stopped stream
	ErrStopped = errors.New("relay: stream stopped")

	// ErrShutdownTimeout is returned when the pump or the hardware does not
	// release its buffers before the shutdown deadline
	ErrShutdownTimeout = errors.New("relay: shutdown timed out")
)

// IsFlowControl reports whether err is a transient back-off condition
func IsFlowControl(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrNotReady)
}
