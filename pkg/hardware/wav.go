package hardware

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/dougsko/framerelay/pkg/audio"
	"github.com/dougsko/framerelay/pkg/logging"
	"github.com/dougsko/framerelay/pkg/relay"
)

// wavFormatPCM is the RIFF format tag for integer PCM
const wavFormatPCM = 1

func init() {
	Register("wav", func(cfg DriverConfig) (Driver, error) {
		return NewWAVDriver(cfg)
	})
}

// WAVDriver plays into and captures from WAV files. Capture devices are
// the files found in the driver directory; a playback device name is the
// file to write.
type WAVDriver struct {
	config DriverConfig
}

// NewWAVDriver creates a wav driver rooted at config.WAVDir
func NewWAVDriver(config DriverConfig) (*WAVDriver, error) {
	if config.WAVDir == "" {
		config.WAVDir = "."
	}
	if err := os.MkdirAll(config.WAVDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create wav directory: %w", err)
	}
	return &WAVDriver{config: config}, nil
}

// Name implements Driver
func (d *WAVDriver) Name() string { return "wav" }

// Devices lists the WAV files in the driver directory
func (d *WAVDriver) Devices() ([]AudioDevice, error) {
	entries, err := os.ReadDir(d.config.WAVDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list wav directory: %w", err)
	}

	var devices []AudioDevice
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			continue
		}
		devices = append(devices, AudioDevice{
			ID:       e.Name(),
			Name:     e.Name(),
			IsInput:  true,
			IsOutput: true,
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices, nil
}

// Device implements Driver. Capture requires an existing file; playback
// creates or truncates the named file.
func (d *WAVDriver) Device(name string, dir Dir) (relay.Device, error) {
	if dir == DirPlayback {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: wav playback needs a file name", ErrDeviceNotFound)
		}
		return &wavDevice{driver: d, path: d.path(name), dir: dir}, nil
	}

	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
		}
		return &wavDevice{driver: d, path: name, dir: dir}, nil
	}

	devices, err := d.Devices()
	if err != nil {
		return nil, err
	}
	dev, err := Resolve(devices, name, dir)
	if err != nil {
		return nil, err
	}
	return &wavDevice{driver: d, path: d.path(dev.Name), dir: dir}, nil
}

func (d *WAVDriver) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(d.config.WAVDir, name)
}

// Close implements Driver
func (d *WAVDriver) Close() error { return nil }

type wavDevice struct {
	driver *WAVDriver
	path   string
	dir    Dir
}

// OpenQueue implements relay.Device
func (w *wavDevice) OpenQueue(prm audio.Params, periodFrames int, handler relay.EventHandler) (relay.Queue, error) {
	if err := prm.Validate(); err != nil {
		return nil, err
	}

	var (
		xfer   transferFunc
		closer func() error
	)
	if w.dir == DirCapture {
		r, err := openWAVReader(w.path, prm, w.driver.config.WAVLoop)
		if err != nil {
			return nil, err
		}
		xfer, closer = r.read, r.close
	} else {
		wr, err := createWAVWriter(w.path, prm)
		if err != nil {
			return nil, err
		}
		xfer, closer = wr.write, wr.close
	}

	cfg := queueConfig{
		name:   fmt.Sprintf("wav %s (%s)", filepath.Base(w.path), w.dir),
		depth:  w.driver.config.QueueDepth,
		xfer:   xfer,
		closer: closer,
	}
	if w.driver.config.Realtime {
		cfg.period = prm.FramesDuration(periodFrames)
	}

	logging.Infof("hardware", "%s: opened %s (%s)", cfg.name, w.path, prm)
	return newWorkerQueue(cfg, handler), nil
}

// wavReader decodes periods from a WAV file
type wavReader struct {
	mu       sync.Mutex
	file     *os.File
	decoder  *wav.Decoder
	prm      audio.Params
	loop     bool
	bitDepth int
	ints     *goaudio.IntBuffer
	samples  []int16
}

func openWAVReader(path string, prm audio.Params, loop bool) (*wavReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%s: not a valid wav file", path)
	}
	if int(dec.SampleRate) != prm.SampleRate || int(dec.NumChans) != prm.Channels {
		f.Close()
		return nil, fmt.Errorf("%s: file is %d Hz %d ch, stream wants %d Hz %d ch",
			path, dec.SampleRate, dec.NumChans, prm.SampleRate, prm.Channels)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &wavReader{
		file:     f,
		decoder:  dec,
		prm:      prm,
		loop:     loop,
		bitDepth: int(dec.BitDepth),
		ints: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: prm.Channels, SampleRate: prm.SampleRate},
			Data:   make([]int, prm.SampleCount()),
		},
	}, nil
}

// read fills buf with the next period. A short final period reports only
// the frames that were in the file.
func (r *wavReader) read(buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := len(buf) / r.prm.FrameSize() * r.prm.Channels
	if cap(r.ints.Data) < want {
		r.ints.Data = make([]int, want)
	}
	r.ints.Data = r.ints.Data[:want]

	n, err := r.decoder.PCMBuffer(r.ints)
	if err != nil && err != io.EOF {
		return 0, err
	}
	if n == 0 && r.loop {
		if err := r.rewind(); err != nil {
			return 0, err
		}
		if n, err = r.decoder.PCMBuffer(r.ints); err != nil && err != io.EOF {
			return 0, err
		}
	}
	n -= n % r.prm.Channels
	if n == 0 {
		return 0, nil
	}

	if cap(r.samples) < n {
		r.samples = make([]int16, n)
	}
	r.samples = r.samples[:n]
	shift := r.bitDepth - 16
	for i, v := range r.ints.Data[:n] {
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		r.samples[i] = int16(v)
	}

	out := audio.FromInt16(r.prm.Format, r.samples, buf[:0])
	return len(out), nil
}

func (r *wavReader) rewind() error {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r.decoder = wav.NewDecoder(r.file)
	return r.decoder.FwdToPCM()
}

func (r *wavReader) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// wavWriter encodes periods into a 16-bit WAV file
type wavWriter struct {
	mu      sync.Mutex
	file    *os.File
	encoder *wav.Encoder
	prm     audio.Params
	samples []int16
	ints    *goaudio.IntBuffer
}

func createWAVWriter(path string, prm audio.Params) (*wavWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return &wavWriter{
		file:    f,
		encoder: wav.NewEncoder(f, prm.SampleRate, 16, prm.Channels, wavFormatPCM),
		prm:     prm,
		ints: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: prm.Channels, SampleRate: prm.SampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

func (w *wavWriter) write(buf []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = audio.ToInt16(w.prm.Format, buf, w.samples)
	if cap(w.ints.Data) < len(w.samples) {
		w.ints.Data = make([]int, len(w.samples))
	}
	w.ints.Data = w.ints.Data[:len(w.samples)]
	for i, s := range w.samples {
		w.ints.Data[i] = int(s)
	}
	if err := w.encoder.Write(w.ints); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (w *wavWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.encoder.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to finalize wav file: %w", err)
	}
	return w.file.Close()
}
