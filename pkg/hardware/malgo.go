//go:build cgo

package hardware

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/dougsko/framerelay/pkg/audio"
	"github.com/dougsko/framerelay/pkg/logging"
	"github.com/dougsko/framerelay/pkg/relay"
)

func init() {
	Register("malgo", func(cfg DriverConfig) (Driver, error) {
		return NewMalgoDriver(cfg)
	})
}

// MalgoDriver drives sound cards through miniaudio
type MalgoDriver struct {
	config DriverConfig
	ctx    *malgo.AllocatedContext
}

// NewMalgoDriver initialises a miniaudio context with the platform's
// default backends
func NewMalgoDriver(config DriverConfig) (*MalgoDriver, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logging.Debugf("malgo", "%s", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise miniaudio: %w", err)
	}
	return &MalgoDriver{config: config, ctx: ctx}, nil
}

// Name implements Driver
func (d *MalgoDriver) Name() string { return "malgo" }

// Devices implements Driver
func (d *MalgoDriver) Devices() ([]AudioDevice, error) {
	var devices []AudioDevice

	inputs, err := d.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	for _, info := range inputs {
		devices = append(devices, AudioDevice{
			ID:        info.ID.String(),
			Name:      strings.TrimSpace(info.Name()),
			IsInput:   true,
			IsDefault: info.IsDefault != 0,
		})
	}

	outputs, err := d.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate playback devices: %w", err)
	}
	for _, info := range outputs {
		devices = append(devices, AudioDevice{
			ID:        info.ID.String(),
			Name:      strings.TrimSpace(info.Name()),
			IsOutput:  true,
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// Device implements Driver
func (d *MalgoDriver) Device(name string, dir Dir) (relay.Device, error) {
	devices, err := d.Devices()
	if err != nil {
		return nil, err
	}
	dev, err := Resolve(devices, name, dir)
	if err != nil {
		return nil, err
	}

	typ := malgo.Playback
	if dir == DirCapture {
		typ = malgo.Capture
	}
	infos, err := d.ctx.Devices(typ)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if infos[i].ID.String() == dev.ID {
			id := infos[i].ID
			return &malgoDevice{driver: d, info: dev, id: &id, dir: dir}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q disappeared", ErrDeviceNotFound, dev.Name)
}

// Close implements Driver
func (d *MalgoDriver) Close() error {
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return err
}

func malgoFormat(f audio.SampleFormat) (malgo.FormatType, error) {
	switch f {
	case audio.FormatS16LE:
		return malgo.FormatS16, nil
	case audio.FormatS24_3LE:
		return malgo.FormatS24, nil
	case audio.FormatFloat32:
		return malgo.FormatF32, nil
	}
	return malgo.FormatUnknown, fmt.Errorf("%w: %s", audio.ErrUnsupportedFormat, f)
}

type malgoDevice struct {
	driver *MalgoDriver
	info   AudioDevice
	id     *malgo.DeviceID
	dir    Dir
}

// OpenQueue implements relay.Device. miniaudio pulls and pushes audio from
// its own thread in whatever chunk size it likes; a swap buffer regroups
// those chunks into the relay's fixed periods.
func (m *malgoDevice) OpenQueue(prm audio.Params, periodFrames int, handler relay.EventHandler) (relay.Queue, error) {
	format, err := malgoFormat(prm.Format)
	if err != nil {
		return nil, err
	}
	swap, err := relay.NewSwapBuffer(relay.CapacityForPeriod(periodFrames), prm.FrameSize())
	if err != nil {
		return nil, err
	}

	depth := m.driver.config.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	q := &malgoQueue{
		name:         fmt.Sprintf("malgo %s (%s)", m.info.Name, m.dir),
		dir:          m.dir,
		handler:      handler,
		periodFrames: periodFrames,
		frameSize:    prm.FrameSize(),
		depth:        depth,
		swap:         swap,
	}

	var cfg malgo.DeviceConfig
	if m.dir == DirCapture {
		cfg = malgo.DefaultDeviceConfig(malgo.Capture)
		cfg.Capture.Format = format
		cfg.Capture.Channels = uint32(prm.Channels)
		cfg.Capture.DeviceID = m.id.Pointer()
	} else {
		cfg = malgo.DefaultDeviceConfig(malgo.Playback)
		cfg.Playback.Format = format
		cfg.Playback.Channels = uint32(prm.Channels)
		cfg.Playback.DeviceID = m.id.Pointer()
	}
	cfg.SampleRate = uint32(prm.SampleRate)
	cfg.PeriodSizeInFrames = uint32(periodFrames)

	dev, err := malgo.InitDevice(m.driver.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: q.onData,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", q.name, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("failed to start %s: %w", q.name, err)
	}
	q.device = dev

	logging.Infof("hardware", "%s: started (%s)", q.name, prm)
	handler(relay.Event{Type: relay.EventOpen})
	return q, nil
}

type completion struct {
	buf []byte
	n   int
}

// malgoQueue bridges miniaudio's data callback to the relay
type malgoQueue struct {
	name         string
	dir          Dir
	handler      relay.EventHandler
	device       *malgo.Device
	periodFrames int
	frameSize    int
	depth        int

	mu      sync.Mutex
	pending [][]byte
	swap    *relay.SwapBuffer
	done    []completion
	closed  bool

	underruns atomic.Uint64
	overruns  atomic.Uint64
}

// onData runs on the miniaudio thread
func (q *malgoQueue) onData(out, in []byte, frameCount uint32) {
	frames := int(frameCount)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		clear(out)
		return
	}
	done := q.done[:0]

	if q.dir == DirPlayback {
		// whole periods move into the swap buffer as soon as they fit; the
		// relay gets the slot back at that point
		for len(q.pending) > 0 && q.swap.Free() >= len(q.pending[0])/q.frameSize {
			buf := q.pending[0]
			q.pending = q.pending[1:]
			_ = q.swap.Write(buf)
			done = append(done, completion{buf, len(buf)})
		}
		n := min(frames, q.swap.Available())
		copied := 0
		if n > 0 {
			if view, err := q.swap.Read(n); err == nil {
				copied = copy(out, view)
			}
		}
		clear(out[copied:])
		if n < frames {
			q.underruns.Add(1)
		}
	} else {
		if err := q.swap.Write(in[:frames*q.frameSize]); err != nil {
			q.overruns.Add(1)
		}
		for len(q.pending) > 0 && q.swap.Available() >= q.periodFrames {
			buf := q.pending[0]
			q.pending = q.pending[1:]
			view, _ := q.swap.Read(q.periodFrames)
			done = append(done, completion{buf, copy(buf, view)})
		}
	}
	q.done = done
	q.mu.Unlock()

	for _, c := range done {
		q.handler(relay.Event{Type: relay.EventDone, Buffer: c.buf, Length: c.n})
	}
}

// Post implements relay.Queue
func (q *malgoQueue) Post(buf []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errQueueClosed
	}
	if len(q.pending) >= q.depth {
		return relay.ErrBusy
	}
	q.pending = append(q.pending, buf)
	return nil
}

// Reset implements relay.Queue
func (q *malgoQueue) Reset() error {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.swap.Reset()
	q.mu.Unlock()

	for _, buf := range pending {
		q.handler(relay.Event{Type: relay.EventDone, Buffer: buf})
	}
	return nil
}

// Close implements relay.Queue. Uninit waits for the data callback to
// return, so no completion can follow the close event.
func (q *malgoQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.device.Uninit()
	if err := q.Reset(); err != nil {
		return err
	}

	if u, o := q.underruns.Load(), q.overruns.Load(); u > 0 || o > 0 {
		logging.Debugf("hardware", "%s: %d underruns, %d overruns", q.name, u, o)
	}
	q.handler(relay.Event{Type: relay.EventClose})
	return nil
}
