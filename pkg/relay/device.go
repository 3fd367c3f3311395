package relay

import "github.com/dougsko/framerelay/pkg/audio"

// EventType identifies a notification from the hardware layer
type EventType int

const (
	// EventOpen reports that the device is ready to accept buffers
	EventOpen EventType = iota
	// EventDone reports that the hardware finished with one buffer
	EventDone
	// EventClose reports that the device stopped accepting buffers
	EventClose
)

func (e EventType) String() string {
	switch e {
	case EventOpen:
		return "open"
	case EventDone:
		return "done"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered by the hardware layer, possibly from a goroutine the
// relay does not control. For EventDone, Buffer is the slice previously
// given to Queue.Post and Length is the number of bytes the hardware
// played or recorded.
type Event struct {
	Type   EventType
	Buffer []byte
	Length int
}

// EventHandler receives hardware events. Implementations must not block.
type EventHandler func(Event)

// Device opens hardware queues for one direction of one audio endpoint
type Device interface {
	// OpenQueue opens the hardware stream. The handler stays registered
	// until Close returns.
	OpenQueue(prm audio.Params, periodFrames int, handler EventHandler) (Queue, error)
}

// Queue is an open hardware stream that consumes (playback) or fills
// (capture) buffers asynchronously
type Queue interface {
	// Post hands buf to the hardware. It returns ErrBusy when the hardware
	// queue is full. The hardware owns buf until it reports EventDone.
	Post(buf []byte) error

	// Reset aborts pending I/O and reports EventDone for every buffer the
	// hardware still owns
	Reset() error

	// Close releases the stream. No events are delivered after Close
	// returns.
	Close() error
}

// Allocator supplies slot memory
type Allocator interface {
	Get(size int) []byte
	Put(buf []byte)
}

type heapAllocator struct{}

func (heapAllocator) Get(size int) []byte { return make([]byte, size) }
func (heapAllocator) Put([]byte)          {}
