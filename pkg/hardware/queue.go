package hardware

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougsko/framerelay/pkg/logging"
	"github.com/dougsko/framerelay/pkg/relay"
)

var errQueueClosed = errors.New("hardware queue closed")

// defaultQueueDepth bounds drivers that have no natural queue limit
const defaultQueueDepth = 64

// transferFunc moves one buffer to or from the device. It blocks for as
// long as the device takes and returns the number of bytes transferred.
type transferFunc func(buf []byte) (int, error)

// queueConfig describes a blocking device for newWorkerQueue
type queueConfig struct {
	name  string
	depth int

	// period paces transfers in wall-clock time; zero leaves pacing to the
	// device
	period time.Duration

	xfer   transferFunc
	closer func() error
}

// workerQueue adapts a blocking device to the relay's post/complete model.
// Posted buffers are handed to a worker goroutine in order; each transfer
// is followed by a completion event.
type workerQueue struct {
	name    string
	handler relay.EventHandler
	xfer    transferFunc
	closer  func() error
	pace    *pacer

	pending chan []byte

	mu     sync.Mutex
	closed bool

	flushing atomic.Bool
	stop     chan struct{}
	done     chan struct{}

	transferred atomic.Uint64
	failures    atomic.Uint64
}

// newWorkerQueue starts the worker and reports the device open
func newWorkerQueue(cfg queueConfig, handler relay.EventHandler) *workerQueue {
	depth := cfg.depth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	q := &workerQueue{
		name:    cfg.name,
		handler: handler,
		xfer:    cfg.xfer,
		closer:  cfg.closer,
		pending: make(chan []byte, depth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.period > 0 {
		q.pace = &pacer{period: cfg.period, stop: q.stop}
	}
	go q.run()
	handler(relay.Event{Type: relay.EventOpen})
	return q
}

func (q *workerQueue) run() {
	defer close(q.done)

	for {
		select {
		case <-q.stop:
			return
		case buf := <-q.pending:
			q.handler(relay.Event{Type: relay.EventDone, Buffer: buf, Length: q.transfer(buf)})
		}
	}
}

func (q *workerQueue) transfer(buf []byte) int {
	if q.flushing.Load() {
		return 0
	}
	if q.pace != nil && !q.pace.wait() {
		return 0
	}
	n, err := q.xfer(buf)
	if err != nil {
		q.failures.Add(1)
		logging.Warnf("hardware", "%s: transfer failed: %v", q.name, err)
		return 0
	}
	q.transferred.Add(1)
	return n
}

// Post queues buf for the worker
func (q *workerQueue) Post(buf []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errQueueClosed
	}
	q.flushing.Store(false)
	select {
	case q.pending <- buf:
		return nil
	default:
		return relay.ErrBusy
	}
}

// Reset returns every queued buffer untransferred. A transfer already in
// progress completes normally.
func (q *workerQueue) Reset() error {
	q.flushing.Store(true)
	q.flush()
	return nil
}

func (q *workerQueue) flush() {
	for {
		select {
		case buf := <-q.pending:
			q.handler(relay.Event{Type: relay.EventDone, Buffer: buf})
		default:
			return
		}
	}
}

// Close stops the worker, returns leftover buffers, closes the device and
// reports the close event
func (q *workerQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.flushing.Store(true)
	close(q.stop)
	<-q.done
	q.flush()

	var err error
	if q.closer != nil {
		err = q.closer()
	}
	q.handler(relay.Event{Type: relay.EventClose})
	return err
}

// Transfers returns the number of successful and failed transfers
func (q *workerQueue) Transfers() (ok, failed uint64) {
	return q.transferred.Load(), q.failures.Load()
}

// pacer spaces transfers one period apart in wall-clock time
type pacer struct {
	period time.Duration
	next   time.Time
	stop   <-chan struct{}
}

// wait blocks until the next period boundary. It returns false when the
// queue is stopping.
func (p *pacer) wait() bool {
	if p.period <= 0 {
		return true
	}
	now := time.Now()
	if p.next.Before(now.Add(-p.period)) {
		// idle for more than a period: restart the clock
		p.next = now
	}
	p.next = p.next.Add(p.period)

	t := time.NewTimer(time.Until(p.next))
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.stop:
		return false
	}
}
