package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameBuffer(t *testing.T) {
	t.Run("invalid geometry", func(t *testing.T) {
		_, err := NewFrameBuffer(0, 4)
		assert.Error(t, err)
		_, err = NewFrameBuffer(8, 0)
		assert.Error(t, err)
	})

	t.Run("append and overflow", func(t *testing.T) {
		b, err := NewFrameBuffer(4, 2)
		require.NoError(t, err)

		require.NoError(t, b.Append([]byte{1, 2, 3, 4, 5, 6}))
		assert.Equal(t, 3, b.Filled())
		assert.Equal(t, 1, b.Free())

		err = b.Append([]byte{7, 8, 9, 10})
		assert.ErrorIs(t, err, ErrCapacityExceeded)
		assert.Equal(t, 3, b.Filled(), "failed append must not change the fill level")
		assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, b.Frames())
	})

	t.Run("partial frame", func(t *testing.T) {
		b, err := NewFrameBuffer(4, 4)
		require.NoError(t, err)
		assert.ErrorIs(t, b.Append([]byte{1, 2, 3}), ErrPartialFrame)
		assert.Equal(t, 0, b.Filled())
	})

	t.Run("reserve", func(t *testing.T) {
		b, err := NewFrameBuffer(4, 2)
		require.NoError(t, err)

		region, err := b.Reserve(2)
		require.NoError(t, err)
		assert.Len(t, region, 4)
		copy(region, []byte{9, 9, 8, 8})
		assert.Equal(t, []byte{9, 9, 8, 8}, b.Frames())

		_, err = b.Reserve(3)
		assert.ErrorIs(t, err, ErrCapacityExceeded)

		_, err = b.Reserve(-1)
		assert.Error(t, err)
	})

	t.Run("set filled clamps", func(t *testing.T) {
		b, err := NewFrameBuffer(4, 2)
		require.NoError(t, err)
		b.SetFilled(10)
		assert.Equal(t, 4, b.Filled())
		b.SetFilled(-3)
		assert.Equal(t, 0, b.Filled())
	})
}
