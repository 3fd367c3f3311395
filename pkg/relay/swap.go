package relay

// DefaultCapacity is the per-buffer frame capacity of a SwapBuffer when no
// explicit capacity is configured
const DefaultCapacity = 4096

// CapacityForPeriod returns a swap capacity that always holds at least
// two periods of periodFrames, never less than DefaultCapacity
func CapacityForPeriod(periodFrames int) int {
	if c := 2 * periodFrames; c > DefaultCapacity {
		return c
	}
	return DefaultCapacity
}

// SwapBuffer accumulates frames arriving in irregular chunks and hands
// them out in the exact counts the consumer asks for. Two buffers are used
// in turn: a read returns a view of the active buffer and moves any
// remainder to the other one, which then becomes active.
//
// A SwapBuffer has no internal locking. One producer and one consumer may
// share it only under an external lock.
type SwapBuffer struct {
	front *FrameBuffer
	back  *FrameBuffer

	// useBack selects back as the active buffer
	useBack bool
}

// NewSwapBuffer creates a swap buffer holding up to capacity frames of
// frameSize bytes. A capacity of zero selects DefaultCapacity.
func NewSwapBuffer(capacity, frameSize int) (*SwapBuffer, error) {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	front, err := NewFrameBuffer(capacity, frameSize)
	if err != nil {
		return nil, err
	}
	back, err := NewFrameBuffer(capacity, frameSize)
	if err != nil {
		return nil, err
	}
	return &SwapBuffer{front: front, back: back}, nil
}

func (s *SwapBuffer) active() *FrameBuffer {
	if s.useBack {
		return s.back
	}
	return s.front
}

func (s *SwapBuffer) inactive() *FrameBuffer {
	if s.useBack {
		return s.front
	}
	return s.back
}

// Capacity returns the maximum number of frames held at once
func (s *SwapBuffer) Capacity() int { return s.front.Capacity() }

// FrameSize returns the size of one frame in bytes
func (s *SwapBuffer) FrameSize() int { return s.front.FrameSize() }

// Available returns the number of frames ready to be read
func (s *SwapBuffer) Available() int { return s.active().Filled() }

// Free returns the number of frames that can be written before the
// buffer is full
func (s *SwapBuffer) Free() int { return s.active().Free() }

// Write appends whole frames. It fails with ErrCapacityExceeded without
// writing anything when the frames do not fit.
func (s *SwapBuffer) Write(frames []byte) error {
	return s.active().Append(frames)
}

// Reserve appends count frames and returns the region for the caller to
// fill in place
func (s *SwapBuffer) Reserve(count int) ([]byte, error) {
	return s.active().Reserve(count)
}

// Read returns exactly count frames in write order. The view is valid
// until the next call to Read.
func (s *SwapBuffer) Read(count int) ([]byte, error) {
	if count < 0 {
		return nil, ErrInsufficientData
	}
	src := s.active()
	if src.Filled() < count {
		return nil, ErrInsufficientData
	}

	fs := src.FrameSize()
	view := src.Bytes()[:count*fs]

	dst := s.inactive()
	dst.Reset()
	if rest := src.Frames()[count*fs:]; len(rest) > 0 {
		// cannot fail: dst is empty and rest fits in src
		_ = dst.Append(rest)
	}
	src.Reset()
	s.useBack = !s.useBack

	return view, nil
}

// Reset discards all buffered frames
func (s *SwapBuffer) Reset() {
	s.front.Reset()
	s.back.Reset()
	s.useBack = false
}
