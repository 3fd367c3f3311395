package relay

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frames builds n one-byte frames counting up from start
func frames(start, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(start + i)
	}
	return out
}

func TestSwapBufferDefaults(t *testing.T) {
	s, err := NewSwapBuffer(0, 4)
	require.NoError(t, err)
	assert.Equal(t, DefaultCapacity, s.Capacity())
	assert.Equal(t, 4, s.FrameSize())
	assert.Equal(t, 0, s.Available())

	assert.Equal(t, DefaultCapacity, CapacityForPeriod(160))
	assert.Equal(t, 2*4800, CapacityForPeriod(4800))
}

// wideFrames builds n four-byte frames, each holding its index
func wideFrames(n int) []byte {
	out := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(i))
	}
	return out
}

func TestSwapBufferReadCarriesRemainder(t *testing.T) {
	s, err := NewSwapBuffer(4096, 4)
	require.NoError(t, err)

	in := wideFrames(1500)
	require.NoError(t, s.Write(in[:4*1000]))
	require.NoError(t, s.Write(in[4*1000:]))
	assert.Equal(t, 1500, s.Available())

	view, err := s.Read(1200)
	require.NoError(t, err)
	assert.Len(t, view, 4*1200)
	assert.True(t, bytes.Equal(in[:4*1200], view), "read must return the oldest frames in order")
	assert.Equal(t, 300, s.Available())

	// the 300 leftover frames moved to the front of the other buffer
	view, err = s.Read(300)
	require.NoError(t, err)
	require.Len(t, view, 4*300)
	assert.Equal(t, uint32(1200), binary.LittleEndian.Uint32(view))
	assert.Equal(t, uint32(1499), binary.LittleEndian.Uint32(view[4*299:]))
	assert.True(t, bytes.Equal(in[4*1200:], view))
	assert.Equal(t, 0, s.Available())
}

func TestSwapBufferInsufficientData(t *testing.T) {
	s, err := NewSwapBuffer(64, 2)
	require.NoError(t, err)
	require.NoError(t, s.Write(frames(0, 10)))

	_, err = s.Read(6)
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Equal(t, 5, s.Available(), "failed read must not consume frames")
}

func TestSwapBufferCapacityExceeded(t *testing.T) {
	s, err := NewSwapBuffer(8, 1)
	require.NoError(t, err)
	require.NoError(t, s.Write(frames(0, 6)))

	assert.ErrorIs(t, s.Write(frames(6, 3)), ErrCapacityExceeded)
	assert.Equal(t, 6, s.Available())

	_, err = s.Reserve(3)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	region, err := s.Reserve(2)
	require.NoError(t, err)
	copy(region, []byte{6, 7})
	view, err := s.Read(8)
	require.NoError(t, err)
	assert.Equal(t, frames(0, 8), view)
}

func TestSwapBufferViewSurvivesWrites(t *testing.T) {
	s, err := NewSwapBuffer(16, 1)
	require.NoError(t, err)
	require.NoError(t, s.Write(frames(0, 10)))

	view, err := s.Read(4)
	require.NoError(t, err)
	snapshot := append([]byte(nil), view...)

	// writes after the read go to the other buffer
	require.NoError(t, s.Write(frames(100, 8)))
	assert.Equal(t, snapshot, view)
	assert.Equal(t, 14, s.Available())

	view, err = s.Read(14)
	require.NoError(t, err)
	assert.Equal(t, append(frames(4, 6), frames(100, 8)...), view)
}

func TestSwapBufferOrderingAcrossManyCycles(t *testing.T) {
	s, err := NewSwapBuffer(256, 2)
	require.NoError(t, err)

	var written, read []byte
	next := 0
	chunks := []int{3, 17, 40, 1, 25, 9}
	for i := 0; i < 60; i++ {
		n := chunks[i%len(chunks)]
		chunk := make([]byte, 2*n)
		for j := range chunk {
			chunk[j] = byte(next)
			next++
		}
		require.NoError(t, s.Write(chunk))
		written = append(written, chunk...)

		for s.Available() >= 20 {
			view, err := s.Read(20)
			require.NoError(t, err)
			read = append(read, view...)
		}
	}
	assert.Equal(t, written[:len(read)], read)
	assert.Equal(t, (len(written)-len(read))/2, s.Available())
}

func TestSwapBufferReset(t *testing.T) {
	s, err := NewSwapBuffer(8, 1)
	require.NoError(t, err)
	require.NoError(t, s.Write(frames(0, 5)))
	s.Reset()
	assert.Equal(t, 0, s.Available())
	assert.Equal(t, 8, s.Free())
}
