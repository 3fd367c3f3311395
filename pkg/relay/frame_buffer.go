package relay

import "fmt"

// FrameBuffer is a fixed block of memory holding up to Capacity frames.
// It is owned by exactly one relay and never shared.
type FrameBuffer struct {
	data      []byte
	frameSize int
	capacity  int
	filled    int
}

// NewFrameBuffer allocates a buffer for capacity frames of frameSize bytes
func NewFrameBuffer(capacity, frameSize int) (*FrameBuffer, error) {
	if capacity <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("relay: invalid frame buffer geometry %dx%d", capacity, frameSize)
	}
	return &FrameBuffer{
		data:      make([]byte, capacity*frameSize),
		frameSize: frameSize,
		capacity:  capacity,
	}, nil
}

// wrapFrameBuffer builds a FrameBuffer over memory obtained from an allocator
func wrapFrameBuffer(mem []byte, capacity, frameSize int) *FrameBuffer {
	return &FrameBuffer{
		data:      mem[:capacity*frameSize],
		frameSize: frameSize,
		capacity:  capacity,
	}
}

// Capacity returns the maximum number of frames
func (b *FrameBuffer) Capacity() int { return b.capacity }

// FrameSize returns the size of one frame in bytes
func (b *FrameBuffer) FrameSize() int { return b.frameSize }

// Filled returns the number of frames currently held
func (b *FrameBuffer) Filled() int { return b.filled }

// Free returns the number of frames that can still be appended
func (b *FrameBuffer) Free() int { return b.capacity - b.filled }

// Reset discards all held frames
func (b *FrameBuffer) Reset() { b.filled = 0 }

// Frames returns a view of the filled region
func (b *FrameBuffer) Frames() []byte {
	return b.data[:b.filled*b.frameSize]
}

// Bytes returns the whole backing block regardless of fill level
func (b *FrameBuffer) Bytes() []byte {
	return b.data
}

// Reserve extends the filled region by count frames and returns it for the
// caller to write into
func (b *FrameBuffer) Reserve(count int) ([]byte, error) {
	if count < 0 {
		return nil, fmt.Errorf("relay: negative frame count %d", count)
	}
	if b.filled+count > b.capacity {
		return nil, ErrCapacityExceeded
	}
	start := b.filled * b.frameSize
	b.filled += count
	return b.data[start : b.filled*b.frameSize], nil
}

// Append copies whole frames to the end of the filled region
func (b *FrameBuffer) Append(frames []byte) error {
	count, err := b.frameCount(frames)
	if err != nil {
		return err
	}
	dst, err := b.Reserve(count)
	if err != nil {
		return err
	}
	copy(dst, frames)
	return nil
}

// SetFilled marks the first n frames as valid, used after hardware wrote
// directly into Bytes
func (b *FrameBuffer) SetFilled(n int) {
	if n < 0 {
		n = 0
	}
	if n > b.capacity {
		n = b.capacity
	}
	b.filled = n
}

func (b *FrameBuffer) frameCount(frames []byte) (int, error) {
	if len(frames)%b.frameSize != 0 {
		return 0, fmt.Errorf("%w: %d bytes with frame size %d", ErrPartialFrame, len(frames), b.frameSize)
	}
	return len(frames) / b.frameSize, nil
}
