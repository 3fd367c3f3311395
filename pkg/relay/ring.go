package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// slot is one period-sized buffer of the ring
type slot struct {
	buf *FrameBuffer

	// owned is set while the hardware holds the buffer
	owned bool

	// recorded is set once capture hardware has filled the buffer at least
	// once
	recorded bool
}

// Ring cycles a fixed set of period buffers through the hardware in strict
// order and tracks how many of them the hardware currently owns
type Ring struct {
	slots      []slot
	writeIndex int

	mu       sync.Mutex
	inFlight int

	// wake is signalled without blocking on every completion
	wake chan struct{}
}

// NewRing builds a ring over the given buffers. All buffers must have the
// same geometry.
func NewRing(buffers []*FrameBuffer) (*Ring, error) {
	if len(buffers) == 0 {
		return nil, fmt.Errorf("relay: ring needs at least one slot")
	}
	r := &Ring{
		slots: make([]slot, len(buffers)),
		wake:  make(chan struct{}, 1),
	}
	for i, b := range buffers {
		if b == nil {
			return nil, fmt.Errorf("relay: slot %d is nil", i)
		}
		r.slots[i].buf = b
	}
	return r, nil
}

// Len returns the number of slots
func (r *Ring) Len() int { return len(r.slots) }

// WriteIndex returns the index of the slot the next post will use
func (r *Ring) WriteIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeIndex
}

// InFlight returns the number of slots currently owned by the hardware
func (r *Ring) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// Next returns the buffer at the write index, or nil while the hardware
// still owns it or the hardware queue is full. Only the pump goroutine may
// call Next and Post.
func (r *Ring) Next() *FrameBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight == len(r.slots) || r.slots[r.writeIndex].owned {
		return nil
	}
	return r.slots[r.writeIndex].buf
}

// recorded reports whether the slot at the write index holds capture data
// that has not been delivered yet
func (r *Ring) recorded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[r.writeIndex].recorded
}

// Post hands the slot at the write index to q and advances the index.
// When q rejects the buffer with an error other than ErrBusy the period is
// dropped: the index still advances and the error is returned wrapped in
// ErrPost.
func (r *Ring) Post(q Queue) error {
	r.mu.Lock()
	if r.inFlight == len(r.slots) || r.slots[r.writeIndex].owned {
		r.mu.Unlock()
		return ErrBusy
	}
	s := &r.slots[r.writeIndex]
	s.owned = true
	s.recorded = false
	r.inFlight++
	r.mu.Unlock()

	err := q.Post(s.buf.Bytes())

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		// the hardware never accepted the buffer, so no completion for it
		// can be pending
		if s.owned {
			s.owned = false
			r.inFlight--
		}
		if errors.Is(err, ErrBusy) {
			return ErrBusy
		}
		r.writeIndex = (r.writeIndex + 1) % len(r.slots)
		return fmt.Errorf("%w: %v", ErrPost, err)
	}
	r.writeIndex = (r.writeIndex + 1) % len(r.slots)
	return nil
}

// Complete records that the hardware is done with buf. length is the
// number of bytes the hardware played or recorded. Completions
// for buffers the ring does not own are ignored. Complete neither blocks
// nor allocates.
func (r *Ring) Complete(buf []byte, length int) bool {
	r.mu.Lock()
	matched := false
	for i := range r.slots {
		s := &r.slots[i]
		if !s.owned || !sameBuffer(s.buf.Bytes(), buf) {
			continue
		}
		s.owned = false
		s.buf.SetFilled(length / s.buf.FrameSize())
		s.recorded = length > 0
		r.inFlight--
		matched = true
		break
	}
	r.mu.Unlock()

	if matched {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	return matched
}

// Wake returns a channel that receives after completions
func (r *Ring) Wake() <-chan struct{} { return r.wake }

// Drain waits until the hardware owns no slot or ctx expires
func (r *Ring) Drain(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if r.InFlight() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d buffers still owned by hardware", ErrShutdownTimeout, r.InFlight())
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

func sameBuffer(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}
