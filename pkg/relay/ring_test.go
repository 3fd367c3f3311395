package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, n, capacity, frameSize int) *Ring {
	t.Helper()
	bufs := make([]*FrameBuffer, n)
	for i := range bufs {
		b, err := NewFrameBuffer(capacity, frameSize)
		require.NoError(t, err)
		bufs[i] = b
	}
	r, err := NewRing(bufs)
	require.NoError(t, err)
	return r
}

func TestNewRingRejectsEmpty(t *testing.T) {
	_, err := NewRing(nil)
	assert.Error(t, err)
	_, err = NewRing([]*FrameBuffer{nil})
	assert.Error(t, err)
}

func TestRingBusyWhenFull(t *testing.T) {
	r := newTestRing(t, 4, 8, 2)
	q := &fakeQueue{handler: func(ev Event) { r.Complete(ev.Buffer, ev.Length) }}

	for i := 0; i < 4; i++ {
		require.NoError(t, r.Post(q), "post %d", i)
		assert.Equal(t, i+1, r.InFlight())
	}
	assert.Nil(t, r.Next())
	assert.ErrorIs(t, r.Post(q), ErrBusy)
	assert.Equal(t, 4, r.InFlight())
	assert.Equal(t, 0, r.WriteIndex())

	require.True(t, q.complete(nil, 16))
	assert.Equal(t, 3, r.InFlight())
	require.NotNil(t, r.Next())
	require.NoError(t, r.Post(q))
	assert.Equal(t, 4, r.InFlight())
	assert.Equal(t, 1, r.WriteIndex())
}

func TestRingPostsInSlotOrder(t *testing.T) {
	r := newTestRing(t, 3, 4, 1)
	q := &fakeQueue{handler: func(ev Event) { r.Complete(ev.Buffer, ev.Length) }}

	var order [][]byte
	for i := 0; i < 7; i++ {
		b := r.Next()
		require.NotNil(t, b)
		order = append(order, b.Bytes())
		require.NoError(t, r.Post(q))
		require.True(t, q.complete(nil, 4))
	}
	for i := range order {
		assert.True(t, sameBuffer(order[i], order[i%3]), "post %d used the wrong slot", i)
	}
	assert.False(t, sameBuffer(order[0], order[1]))
	assert.False(t, sameBuffer(order[1], order[2]))
}

func TestRingIgnoresUnknownCompletions(t *testing.T) {
	r := newTestRing(t, 2, 4, 1)

	assert.False(t, r.Complete(make([]byte, 4), 4))
	assert.False(t, r.Complete(nil, 0))
	assert.Equal(t, 0, r.InFlight())

	q := &fakeQueue{handler: func(ev Event) {}}
	require.NoError(t, r.Post(q))
	buf := q.pending[0]
	assert.True(t, r.Complete(buf, 4))
	assert.False(t, r.Complete(buf, 4), "double completion must be ignored")
	assert.Equal(t, 0, r.InFlight())
}

func TestRingPostFailureDropsPeriod(t *testing.T) {
	r := newTestRing(t, 4, 4, 1)
	hwErr := errors.New("device unplugged")
	q := &fakeQueue{postErr: hwErr}

	err := r.Post(q)
	assert.ErrorIs(t, err, ErrPost)
	assert.Contains(t, err.Error(), "device unplugged")
	assert.Equal(t, 0, r.InFlight())
	assert.Equal(t, 1, r.WriteIndex(), "a failed post still advances the write index")
}

func TestRingQueueBusyRetriesSameSlot(t *testing.T) {
	r := newTestRing(t, 4, 4, 1)
	q := &fakeQueue{postErr: ErrBusy}

	assert.ErrorIs(t, r.Post(q), ErrBusy)
	assert.Equal(t, 0, r.InFlight())
	assert.Equal(t, 0, r.WriteIndex())
}

func TestRingCompleteRecordsLength(t *testing.T) {
	r := newTestRing(t, 1, 8, 2)
	q := &fakeQueue{handler: func(ev Event) { r.Complete(ev.Buffer, ev.Length) }}

	require.NoError(t, r.Post(q))
	assert.False(t, r.recorded())
	require.True(t, q.complete([]byte{1, 2, 3, 4, 5, 6}, 6))

	b := r.Next()
	require.NotNil(t, b)
	assert.True(t, r.recorded())
	assert.Equal(t, 3, b.Filled())
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, b.Frames())
}

func TestRingInFlightBoundsUnderConcurrency(t *testing.T) {
	const slots = 4
	r := newTestRing(t, slots, 16, 2)

	work := make(chan []byte, 64)
	q := &fakeQueue{}
	q.handler = func(Event) {}

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case buf := <-work:
				r.Complete(buf, len(buf))
			case <-done:
				return
			}
		}
	}()

	violations := 0
	posted := 0
	for posted < 2000 {
		b := r.Next()
		if b == nil {
			continue
		}
		if err := r.Post(q); err != nil {
			continue
		}
		posted++
		if n := r.InFlight(); n < 0 || n > slots {
			violations++
		}
		q.mu.Lock()
		buf := q.pending[len(q.pending)-1]
		q.mu.Unlock()
		work <- buf
	}
	require.NoError(t, r.Drain(t.Context()))
	close(done)
	wg.Wait()

	assert.Zero(t, violations)
	assert.Equal(t, 0, r.InFlight())
}
