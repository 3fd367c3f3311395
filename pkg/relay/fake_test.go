package relay

import (
	"errors"
	"sync"

	"github.com/dougsko/framerelay/pkg/audio"
)

// fakeQueue is an in-memory hardware queue. Buffers stay pending until the
// test completes them.
type fakeQueue struct {
	mu      sync.Mutex
	handler EventHandler
	pending [][]byte
	played  [][]byte
	posts   int
	postErr error
	closed  bool

	// holdOnReset keeps buffers pending across Reset, simulating hardware
	// that never returns them
	holdOnReset bool
}

func (q *fakeQueue) Post(buf []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}
	if q.postErr != nil {
		return q.postErr
	}
	q.posts++
	q.pending = append(q.pending, buf)
	q.played = append(q.played, append([]byte(nil), buf...))
	return nil
}

// complete finishes the oldest pending buffer, writing fill into it first
// when given, and reports length bytes
func (q *fakeQueue) complete(fill []byte, length int) bool {
	q.mu.Lock()
	if len(q.pending) == 0 || q.closed {
		q.mu.Unlock()
		return false
	}
	buf := q.pending[0]
	q.pending = q.pending[1:]
	h := q.handler
	q.mu.Unlock()

	if fill != nil {
		copy(buf, fill)
	}
	h(Event{Type: EventDone, Buffer: buf, Length: length})
	return true
}

func (q *fakeQueue) pendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *fakeQueue) Reset() error {
	q.mu.Lock()
	if q.holdOnReset {
		q.mu.Unlock()
		return nil
	}
	pending := q.pending
	q.pending = nil
	h := q.handler
	q.mu.Unlock()

	for _, buf := range pending {
		h(Event{Type: EventDone, Buffer: buf})
	}
	return nil
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	h := q.handler
	q.mu.Unlock()
	h(Event{Type: EventClose})
	return nil
}

func (q *fakeQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// fakeDevice hands out a single fakeQueue
type fakeDevice struct {
	q       *fakeQueue
	openErr error
	noOpen  bool
	prm     audio.Params
	period  int
}

func (d *fakeDevice) OpenQueue(prm audio.Params, periodFrames int, handler EventHandler) (Queue, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.prm = prm
	d.period = periodFrames
	d.q.mu.Lock()
	d.q.handler = handler
	d.q.mu.Unlock()
	if !d.noOpen {
		handler(Event{Type: EventOpen})
	}
	return d.q, nil
}

// countingAllocator records Get and Put calls
type countingAllocator struct {
	mu      sync.Mutex
	gets    int
	puts    int
	failAt  int
	outputs [][]byte
}

func (a *countingAllocator) Get(size int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gets++
	if a.failAt > 0 && a.gets == a.failAt {
		return nil
	}
	b := make([]byte, size)
	a.outputs = append(a.outputs, b)
	return b
}

func (a *countingAllocator) Put([]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.puts++
}

func (a *countingAllocator) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gets, a.puts
}

// testParams is 8 kHz mono s16le with 10 ms periods: 80 frames, 160 bytes
var testParams = audio.Params{
	SampleRate: 8000,
	Channels:   1,
	PTime:      10,
	Format:     audio.FormatS16LE,
}
