package hardware

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/framerelay/pkg/relay"
)

var (
	// ErrDeviceNotFound is returned when no device matches the requested name
	ErrDeviceNotFound = errors.New("audio device not found")

	// ErrDriverNotAvailable is returned for drivers not compiled into this
	// binary
	ErrDriverNotAvailable = errors.New("audio driver not available")
)

// Dir is the direction of a device stream
type Dir int

const (
	DirPlayback Dir = iota
	DirCapture
)

func (d Dir) String() string {
	if d == DirCapture {
		return "capture"
	}
	return "playback"
}

// ParseDir parses "playback"/"output" or "capture"/"input"
func ParseDir(s string) (Dir, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "playback", "output", "tx":
		return DirPlayback, nil
	case "capture", "input", "rx":
		return DirCapture, nil
	}
	return DirPlayback, fmt.Errorf("unknown stream direction %q", s)
}

// AudioDevice describes one endpoint offered by a driver
type AudioDevice struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsInput   bool   `json:"is_input"`
	IsOutput  bool   `json:"is_output"`
	IsDefault bool   `json:"is_default"`
}

// Supports reports whether the device can carry a stream in direction d
func (d AudioDevice) Supports(dir Dir) bool {
	if dir == DirCapture {
		return d.IsInput
	}
	return d.IsOutput
}

// Driver enumerates devices of one audio backend and opens them for the
// relay
type Driver interface {
	Name() string
	Devices() ([]AudioDevice, error)

	// Device resolves name (empty for the default device) and returns a
	// handle the relay can open a queue on
	Device(name string, dir Dir) (relay.Device, error)

	Close() error
}

// DriverConfig carries driver-specific settings
type DriverConfig struct {
	// QueueDepth bounds the number of buffers a driver accepts before
	// reporting busy. Zero means unbounded up to the relay's slot count.
	QueueDepth int

	// Latency is the mock completion delay; zero means one period
	Latency time.Duration

	// ToneHz is the frequency of the mock capture tone
	ToneHz float64

	// WAVDir is where the wav driver looks for and writes files
	WAVDir string

	// WAVLoop restarts wav capture at end of file
	WAVLoop bool

	// Realtime paces file and mock devices at the stream's sample rate
	Realtime bool
}

// Factory builds a driver
type Factory func(cfg DriverConfig) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a driver available under name. Drivers that need cgo
// register themselves from their own build-tagged files.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = f
}

// Drivers lists the registered driver names
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewDriver creates the named driver
func NewDriver(name string, cfg DriverConfig) (Driver, error) {
	registryMu.RLock()
	f, ok := registry[strings.ToLower(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrDriverNotAvailable, name, strings.Join(Drivers(), ", "))
	}
	return f(cfg)
}

// Resolve picks the device called name for direction dir. Names compare
// case-insensitively. An empty name selects the default device, or the
// first capable one when none is flagged default.
func Resolve(devices []AudioDevice, name string, dir Dir) (AudioDevice, error) {
	name = strings.TrimSpace(name)

	if name == "" || strings.EqualFold(name, "default") {
		var first *AudioDevice
		for i := range devices {
			d := &devices[i]
			if !d.Supports(dir) {
				continue
			}
			if d.IsDefault {
				return *d, nil
			}
			if first == nil {
				first = d
			}
		}
		if first != nil {
			return *first, nil
		}
		return AudioDevice{}, fmt.Errorf("%w: no default %s device", ErrDeviceNotFound, dir)
	}

	for _, d := range devices {
		if d.Supports(dir) && (strings.EqualFold(d.Name, name) || d.ID == name) {
			return d, nil
		}
	}
	return AudioDevice{}, fmt.Errorf("%w: %q (%s)", ErrDeviceNotFound, name, dir)
}
