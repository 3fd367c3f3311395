package hardware

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/framerelay/pkg/relay"
)

func TestWorkerQueueCompletesInOrder(t *testing.T) {
	var log eventLog
	q := newWorkerQueue(queueConfig{
		name: "test",
		xfer: func(buf []byte) (int, error) { return len(buf), nil },
	}, log.handle)

	bufs := [][]byte{make([]byte, 10), make([]byte, 20), make([]byte, 30)}
	for _, b := range bufs {
		require.NoError(t, q.Post(b))
	}
	require.Eventually(t, func() bool { return log.count(relay.EventDone) == 3 }, time.Second, time.Millisecond)
	require.NoError(t, q.Close())

	events := log.snapshot()
	require.Len(t, events, 5)
	assert.Equal(t, relay.EventOpen, events[0].Type)
	for i, b := range bufs {
		assert.Equal(t, relay.EventDone, events[i+1].Type)
		assert.Same(t, &b[0], &events[i+1].Buffer[0])
		assert.Equal(t, len(b), events[i+1].Length)
	}
	assert.Equal(t, relay.EventClose, events[4].Type)

	ok, failed := q.Transfers()
	assert.Equal(t, uint64(3), ok)
	assert.Zero(t, failed)
}

func TestWorkerQueueBusyResetAndClose(t *testing.T) {
	var log eventLog
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var closed atomic.Bool

	q := newWorkerQueue(queueConfig{
		name:  "blocking",
		depth: 2,
		xfer: func(buf []byte) (int, error) {
			started <- struct{}{}
			<-release
			return len(buf), nil
		},
		closer: func() error {
			closed.Store(true)
			return nil
		},
	}, log.handle)

	first := make([]byte, 8)
	require.NoError(t, q.Post(first))
	<-started

	require.NoError(t, q.Post(make([]byte, 8)))
	require.NoError(t, q.Post(make([]byte, 8)))
	assert.ErrorIs(t, q.Post(make([]byte, 8)), relay.ErrBusy)

	// queued buffers come back empty; the one in the device is untouched
	require.NoError(t, q.Reset())
	assert.Equal(t, 2, log.count(relay.EventDone))
	for _, ev := range log.snapshot()[1:] {
		assert.Zero(t, ev.Length)
	}

	close(release)
	require.Eventually(t, func() bool { return log.count(relay.EventDone) == 3 }, time.Second, time.Millisecond)
	last := log.snapshot()[3]
	assert.Same(t, &first[0], &last.Buffer[0])
	assert.Equal(t, 8, last.Length)

	require.NoError(t, q.Close())
	assert.True(t, closed.Load())
	events := log.snapshot()
	assert.Equal(t, relay.EventClose, events[len(events)-1].Type)

	assert.Error(t, q.Post(make([]byte, 8)))
	assert.NoError(t, q.Close(), "close is idempotent")
	assert.Equal(t, 1, log.count(relay.EventClose))
}

func TestWorkerQueueTransferFailure(t *testing.T) {
	var log eventLog
	q := newWorkerQueue(queueConfig{
		name: "failing",
		xfer: func(buf []byte) (int, error) { return 0, errors.New("device unplugged") },
	}, log.handle)
	defer q.Close()

	require.NoError(t, q.Post(make([]byte, 4)))
	require.Eventually(t, func() bool { return log.count(relay.EventDone) == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, log.snapshot()[1].Length)

	_, failed := q.Transfers()
	assert.Equal(t, uint64(1), failed)
}

func TestWorkerQueuePacing(t *testing.T) {
	var log eventLog
	q := newWorkerQueue(queueConfig{
		name:   "paced",
		period: 20 * time.Millisecond,
		xfer:   func(buf []byte) (int, error) { return len(buf), nil },
	}, log.handle)
	defer q.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Post(make([]byte, 4)))
	}
	require.Eventually(t, func() bool { return log.count(relay.EventDone) == 3 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPacerStops(t *testing.T) {
	stop := make(chan struct{})
	p := &pacer{period: time.Hour, stop: stop}
	close(stop)
	assert.False(t, p.wait())

	assert.True(t, (&pacer{}).wait())
}
