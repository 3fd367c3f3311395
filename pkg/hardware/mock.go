package hardware

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dougsko/framerelay/pkg/audio"
	"github.com/dougsko/framerelay/pkg/logging"
	"github.com/dougsko/framerelay/pkg/relay"
)

// MaxPlayedBytes caps how much played audio a mock queue keeps
const MaxPlayedBytes = 1 << 20

// errMockPost is returned for injected post failures
var errMockPost = errors.New("mock: injected post failure")

func init() {
	Register("mock", func(cfg DriverConfig) (Driver, error) {
		return NewMockDriver(cfg), nil
	})
}

// MockDriver simulates a sound card with a bounded hardware queue. Buffers
// complete one period (or the configured latency) after they reach the
// head of the queue. Capture buffers are filled with a test tone.
type MockDriver struct {
	config DriverConfig

	mu     sync.Mutex
	queues []*MockQueue

	failPosts atomic.Int64
}

// NewMockDriver creates a mock driver
func NewMockDriver(config DriverConfig) *MockDriver {
	if config.ToneHz == 0 {
		config.ToneHz = 1000
	}
	return &MockDriver{config: config}
}

// Name implements Driver
func (d *MockDriver) Name() string { return "mock" }

// Devices implements Driver
func (d *MockDriver) Devices() ([]AudioDevice, error) {
	return []AudioDevice{
		{ID: "0", Name: "Mock Audio", IsInput: true, IsOutput: true, IsDefault: true},
		{ID: "1", Name: "Mock Line In", IsInput: true},
		{ID: "2", Name: "Mock Speaker", IsOutput: true},
	}, nil
}

// Device implements Driver
func (d *MockDriver) Device(name string, dir Dir) (relay.Device, error) {
	devices, _ := d.Devices()
	dev, err := Resolve(devices, name, dir)
	if err != nil {
		return nil, err
	}
	return &mockDevice{driver: d, info: dev, dir: dir}, nil
}

// FailNextPosts makes the next n posts on any mock queue fail
func (d *MockDriver) FailNextPosts(n int) {
	d.failPosts.Store(int64(n))
}

// Queues returns every queue opened so far
func (d *MockDriver) Queues() []*MockQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockQueue(nil), d.queues...)
}

// Close implements Driver
func (d *MockDriver) Close() error {
	return nil
}

// takeFailure consumes one injected failure
func (d *MockDriver) takeFailure() bool {
	for {
		n := d.failPosts.Load()
		if n <= 0 {
			return false
		}
		if d.failPosts.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

type mockDevice struct {
	driver *MockDriver
	info   AudioDevice
	dir    Dir
}

// OpenQueue implements relay.Device
func (m *mockDevice) OpenQueue(prm audio.Params, periodFrames int, handler relay.EventHandler) (relay.Queue, error) {
	if err := prm.Validate(); err != nil {
		return nil, err
	}

	latency := m.driver.config.Latency
	if latency <= 0 {
		latency = prm.FramesDuration(periodFrames)
	}

	q := &MockQueue{
		driver: m.driver,
		device: m.info,
		dir:    m.dir,
		prm:    prm,
		tone:   audio.NewToneGenerator(prm, m.driver.config.ToneHz, 0.5),
	}
	name := fmt.Sprintf("mock %s (%s)", m.info.Name, m.dir)
	q.workerQueue = newWorkerQueue(queueConfig{
		name:   name,
		depth:  m.driver.config.QueueDepth,
		period: latency,
		xfer:   q.transfer,
	}, handler)

	m.driver.mu.Lock()
	m.driver.queues = append(m.driver.queues, q)
	m.driver.mu.Unlock()

	logging.Debugf("hardware", "%s: opened (%s, latency %v)", name, prm, latency)
	return q, nil
}

// MockQueue is an open mock stream
type MockQueue struct {
	*workerQueue

	driver *MockDriver
	device AudioDevice
	dir    Dir
	prm    audio.Params
	tone   *audio.ToneGenerator

	mu          sync.Mutex
	played      []byte
	playedBytes int64
	posts       int64
}

// Post implements relay.Queue with failure injection
func (q *MockQueue) Post(buf []byte) error {
	if q.driver.takeFailure() {
		return errMockPost
	}
	q.mu.Lock()
	q.posts++
	q.mu.Unlock()
	return q.workerQueue.Post(buf)
}

func (q *MockQueue) transfer(buf []byte) (int, error) {
	frames := len(buf) / q.prm.FrameSize()
	n := frames * q.prm.FrameSize()

	if q.dir == DirCapture {
		q.tone.Fill(buf[:n], frames)
		return n, nil
	}

	q.mu.Lock()
	q.playedBytes += int64(n)
	if room := MaxPlayedBytes - len(q.played); room > 0 {
		q.played = append(q.played, buf[:min(n, room)]...)
	}
	q.mu.Unlock()
	return n, nil
}

// Played returns a copy of the audio played so far, up to MaxPlayedBytes
func (q *MockQueue) Played() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]byte(nil), q.played...)
}

// PlayedBytes returns the total number of bytes played
func (q *MockQueue) PlayedBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playedBytes
}

// Posts returns the number of buffers accepted from the relay
func (q *MockQueue) Posts() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.posts
}

// Device returns the device the queue was opened on
func (q *MockQueue) Device() AudioDevice { return q.device }

// Dir returns the direction the queue was opened for
func (q *MockQueue) Dir() Dir { return q.dir }
