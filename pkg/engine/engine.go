package engine

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/framerelay/pkg/audio"
	"github.com/dougsko/framerelay/pkg/config"
	"github.com/dougsko/framerelay/pkg/hardware"
	"github.com/dougsko/framerelay/pkg/logging"
	"github.com/dougsko/framerelay/pkg/observe"
	"github.com/dougsko/framerelay/pkg/pipeline"
	"github.com/dougsko/framerelay/pkg/protocol"
	"github.com/dougsko/framerelay/pkg/relay"
	"github.com/dougsko/framerelay/pkg/storage"
	"golang.org/x/sync/errgroup"
)

// Version is reported by STATUS
var Version = "0.1.0-dev"

var (
	// ErrUnknownStream is returned for stream names missing from the
	// configuration
	ErrUnknownStream = errors.New("unknown stream")

	// ErrStreamRunning is returned when starting a stream twice
	ErrStreamRunning = errors.New("stream already running")

	// ErrStreamStopped is returned when stopping a stream that is not running
	ErrStreamStopped = errors.New("stream not running")

	// ErrJournalDisabled is returned by event queries without an event store
	ErrJournalDisabled = errors.New("event journal disabled")
)

const eventQueueSize = 256

// CoreEngine owns the audio drivers and the configured relay streams and
// serves the control socket
type CoreEngine struct {
	config     *config.Config
	socketPath string
	listener   net.Listener
	running    bool
	mutex      sync.RWMutex
	startTime  time.Time

	driverMutex sync.Mutex
	drivers     map[string]hardware.Driver

	// streams holds running streams; starting reserves names while a
	// stream is being opened
	streamMutex sync.RWMutex
	streams     map[string]*streamState
	starting    map[string]bool

	// loopbacks maps a capture stream to the playback pipelines it feeds.
	// Entries survive restarts of the capture stream.
	loopMutex sync.RWMutex
	loopbacks map[string]map[string]*pipeline.Pipeline

	store     *storage.EventStore
	ownStore  bool
	metrics   *observe.RelayMetrics
	allocator relay.Allocator

	events       chan protocol.StreamEvent
	eventsMutex  sync.RWMutex
	eventsClosed bool
	writerActive bool
	writerDone   chan struct{}
}

// Option configures a CoreEngine
type Option func(*CoreEngine)

// WithEventStore journals to an already open store. The engine does not
// close it.
func WithEventStore(store *storage.EventStore) Option {
	return func(e *CoreEngine) { e.store = store }
}

// WithMetrics sets the relay metrics; the default instruments report to the
// global meter provider
func WithMetrics(m *observe.RelayMetrics) Option {
	return func(e *CoreEngine) { e.metrics = m }
}

// WithDriver installs a driver instance under its name instead of building
// it from the registry
func WithDriver(d hardware.Driver) Option {
	return func(e *CoreEngine) { e.drivers[strings.ToLower(d.Name())] = d }
}

// NewCoreEngine creates a new core engine
func NewCoreEngine(cfg *config.Config, socketPath string, opts ...Option) *CoreEngine {
	e := &CoreEngine{
		config:     cfg,
		socketPath: socketPath,
		startTime:  time.Now(),
		drivers:    make(map[string]hardware.Driver),
		streams:    make(map[string]*streamState),
		starting:   make(map[string]bool),
		loopbacks:  make(map[string]map[string]*pipeline.Pipeline),
		events:     make(chan protocol.StreamEvent, eventQueueSize),
		writerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if cfg.Relay.UseBufferPool {
		e.allocator = hardware.GetGlobalAudioPool()
	}
	return e
}

// Start opens the event journal and the control socket, then starts every
// autostart stream. Capture streams start before playback streams so that
// loopback sources exist.
func (e *CoreEngine) Start() error {
	if e.store == nil && e.config.Storage.DatabasePath != "" {
		store, err := storage.NewEventStore(e.config.Storage.DatabasePath, e.config.Storage.MaxEvents)
		if err != nil {
			return fmt.Errorf("failed to open event journal: %w", err)
		}
		e.store = store
		e.ownStore = true
	}
	e.eventsMutex.Lock()
	if !e.writerActive && !e.eventsClosed {
		e.writerActive = true
		go e.eventWriter()
	}
	e.eventsMutex.Unlock()

	if e.socketPath != "" {
		// Remove existing socket file
		os.Remove(e.socketPath)

		listener, err := net.Listen("unix", e.socketPath)
		if err != nil {
			return fmt.Errorf("failed to create Unix socket: %w", err)
		}
		e.listener = listener

		if err := os.Chmod(e.socketPath, 0660); err != nil {
			logging.Warnf("engine", "failed to set socket permissions: %v", err)
		}
		logging.Infof("engine", "control socket listening on %s", e.socketPath)
	}

	e.mutex.Lock()
	e.running = true
	e.mutex.Unlock()

	if e.listener != nil {
		go e.acceptConnections()
	}

	var capture, playback []string
	for _, sc := range e.config.Streams {
		if !sc.Autostart {
			continue
		}
		if sc.IsCapture() {
			capture = append(capture, sc.Name)
		} else {
			playback = append(playback, sc.Name)
		}
	}
	for _, names := range [][]string{capture, playback} {
		if err := e.startAll(names); err != nil {
			return err
		}
	}
	return nil
}

// startAll opens the named streams concurrently
func (e *CoreEngine) startAll(names []string) error {
	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			return e.StartStream(name)
		})
	}
	return g.Wait()
}

// Stop stops every stream, closes the control socket and the journal
func (e *CoreEngine) Stop() error {
	e.mutex.Lock()
	e.running = false
	e.mutex.Unlock()

	if e.listener != nil {
		e.listener.Close()
	}

	var errs []error
	for _, name := range e.runningNames() {
		if err := e.StopStream(name); err != nil && !errors.Is(err, ErrStreamStopped) {
			errs = append(errs, err)
		}
	}

	e.eventsMutex.Lock()
	if !e.eventsClosed {
		e.eventsClosed = true
		close(e.events)
	}
	writerActive := e.writerActive
	e.eventsMutex.Unlock()
	if writerActive {
		select {
		case <-e.writerDone:
		case <-time.After(5 * time.Second):
			logging.Warnf("engine", "event writer did not finish")
		}
	}

	e.driverMutex.Lock()
	for name, d := range e.drivers {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close driver %s: %w", name, err))
		}
	}
	e.driverMutex.Unlock()

	if e.ownStore && e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if e.socketPath != "" {
		os.Remove(e.socketPath)
	}
	return errors.Join(errs...)
}

func (e *CoreEngine) isRunning() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.running
}

// Driver returns the named driver, creating it on first use
func (e *CoreEngine) Driver(name string) (hardware.Driver, error) {
	key := strings.ToLower(name)
	e.driverMutex.Lock()
	defer e.driverMutex.Unlock()

	if d, ok := e.drivers[key]; ok {
		return d, nil
	}
	d, err := hardware.NewDriver(key, hardware.DriverConfig{
		QueueDepth: e.config.Drivers.QueueDepth,
		Latency:    e.config.Latency(),
		ToneHz:     e.config.Drivers.ToneHz,
		WAVDir:     e.config.Drivers.WAVDir,
		WAVLoop:    e.config.Drivers.WAVLoop,
		Realtime:   e.config.Drivers.Realtime,
	})
	if err != nil {
		return nil, err
	}
	e.drivers[key] = d
	logging.Debugf("engine", "driver %s loaded", key)
	return d, nil
}

// Devices lists the devices of a driver
func (e *CoreEngine) Devices(driver string) ([]hardware.AudioDevice, error) {
	d, err := e.Driver(driver)
	if err != nil {
		return nil, err
	}
	return d.Devices()
}

// Status returns a daemon summary
func (e *CoreEngine) Status() protocol.Status {
	return protocol.Status{
		Version:        Version,
		StartTime:      e.startTime,
		Uptime:         time.Since(e.startTime).Truncate(time.Second).String(),
		Streams:        len(e.config.Streams),
		RunningStreams: len(e.runningNames()),
		Drivers:        hardware.Drivers(),
	}
}

// Events returns journal entries, newest first. An empty stream selects
// every stream.
func (e *CoreEngine) Events(stream string, limit int) ([]protocol.StreamEvent, error) {
	if e.store == nil {
		return nil, ErrJournalDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	return e.store.GetEvents(storage.EventQuery{Stream: stream, Limit: limit})
}

// StreamStats returns the journal totals per stream
func (e *CoreEngine) StreamStats() ([]storage.StreamStats, error) {
	if e.store == nil {
		return nil, ErrJournalDisabled
	}
	return e.store.GetStreamStats()
}

// Levels returns the latest level snapshot of every monitored capture
// stream
func (e *CoreEngine) Levels() []audio.LevelSnapshot {
	e.streamMutex.RLock()
	defer e.streamMutex.RUnlock()

	snapshots := make([]audio.LevelSnapshot, 0)
	for _, sc := range e.config.Streams {
		st, ok := e.streams[sc.Name]
		if !ok || st.monitor == nil {
			continue
		}
		snapshots = append(snapshots, st.monitor.Snapshot())
	}
	return snapshots
}

// recordEvent queues a journal entry without blocking the caller, which may
// be a pump goroutine
func (e *CoreEngine) recordEvent(ev protocol.StreamEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e.eventsMutex.RLock()
	defer e.eventsMutex.RUnlock()
	if e.eventsClosed {
		return
	}
	select {
	case e.events <- ev:
	default:
		logging.Warnf("engine", "event queue full, dropping %s event for %s", ev.Event, ev.Stream)
	}
}

// eventWriter persists queued journal entries until Stop
func (e *CoreEngine) eventWriter() {
	defer close(e.writerDone)
	for ev := range e.events {
		logging.Debugf("engine", "%s %s %s", ev.Stream, ev.Event, ev.Detail)
		if e.store == nil {
			continue
		}
		if _, err := e.store.RecordEvent(ev); err != nil {
			logging.Errorf("engine", "failed to journal %s event: %v", ev.Event, err)
		}
	}
}

// acceptConnections accepts and handles socket connections
func (e *CoreEngine) acceptConnections() {
	for e.isRunning() {
		conn, err := e.listener.Accept()
		if err != nil {
			if !e.isRunning() || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Warnf("engine", "socket accept error: %v", err)
			continue
		}

		go e.handleConnection(conn)
	}
}

// handleConnection handles a single socket connection
func (e *CoreEngine) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			response := protocol.NewErrorResponse(fmt.Sprintf("parse error: %v", err))
			conn.Write([]byte(response.String() + "\n"))
			continue
		}

		response := e.HandleCommand(cmd)
		conn.Write([]byte(response.String() + "\n"))

		// Close connection after QUIT command
		if cmd.Type == protocol.CmdQuit {
			break
		}
	}
}

// HandleCommand processes a single command
func (e *CoreEngine) HandleCommand(cmd *protocol.Command) *protocol.Response {
	switch cmd.Type {
	case protocol.CmdStatus:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"status": e.Status(),
		})

	case protocol.CmdStreams:
		streams := e.ListStreams()
		return protocol.NewSuccessResponse(map[string]interface{}{
			"streams": streams,
			"count":   len(streams),
		})

	case protocol.CmdStats:
		return e.handleStats(cmd)

	case protocol.CmdStart:
		name := cmd.Arg("name")
		if err := e.StartStream(name); err != nil {
			return protocol.NewErrorResponse(err.Error())
		}
		return e.handleStats(cmd)

	case protocol.CmdStop:
		name := cmd.Arg("name")
		err := e.StopStream(name)
		if err != nil && !errors.Is(err, relay.ErrShutdownTimeout) {
			return protocol.NewErrorResponse(err.Error())
		}
		data := map[string]interface{}{"stopped": name}
		if err != nil {
			data["warning"] = err.Error()
		}
		return protocol.NewSuccessResponse(data)

	case protocol.CmdDevices:
		driver := cmd.Arg("driver")
		if driver == "" {
			driver = "mock"
		}
		devices, err := e.Devices(driver)
		if err != nil {
			return protocol.NewErrorResponse(err.Error())
		}
		return protocol.NewSuccessResponse(map[string]interface{}{
			"driver":  driver,
			"devices": devices,
		})

	case protocol.CmdEvents:
		events, err := e.Events(cmd.Arg("stream"), cmd.IntArg("limit", 50))
		if err != nil {
			return protocol.NewErrorResponse(err.Error())
		}
		return protocol.NewSuccessResponse(map[string]interface{}{
			"events": events,
			"count":  len(events),
		})

	case protocol.CmdLevels:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"levels": e.Levels(),
		})

	case protocol.CmdPing:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"pong": time.Now().Unix(),
		})

	case protocol.CmdQuit:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"message": "goodbye",
		})

	default:
		return protocol.NewErrorResponse(fmt.Sprintf("unknown command: %s", cmd.Type))
	}
}

func (e *CoreEngine) handleStats(cmd *protocol.Command) *protocol.Response {
	status, err := e.StreamStatus(cmd.Arg("name"))
	if err != nil {
		return protocol.NewErrorResponse(err.Error())
	}
	return protocol.NewSuccessResponse(map[string]interface{}{
		"stream": status,
	})
}
