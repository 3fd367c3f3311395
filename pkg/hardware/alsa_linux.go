//go:build linux && cgo && alsa

package hardware

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"github.com/dougsko/framerelay/pkg/audio"
	"github.com/dougsko/framerelay/pkg/logging"
	"github.com/dougsko/framerelay/pkg/relay"
)

/*
#cgo pkg-config: alsa
#include <alsa/asoundlib.h>
#include <errno.h>
#include <stdlib.h>

// Helper function to get error string
static const char* alsa_strerror_wrapper(int err) {
    return snd_strerror(err);
}

// snd_pcm_hw_params_alloca is a macro over stack memory, so the whole
// configuration runs in C
static int configure_pcm(snd_pcm_t *handle, snd_pcm_format_t format,
                         unsigned int channels, unsigned int *rate,
                         snd_pcm_uframes_t *period, snd_pcm_uframes_t *buffer) {
    snd_pcm_hw_params_t *params;
    int err;

    snd_pcm_hw_params_alloca(&params);
    if ((err = snd_pcm_hw_params_any(handle, params)) < 0) return err;
    if ((err = snd_pcm_hw_params_set_access(handle, params, SND_PCM_ACCESS_RW_INTERLEAVED)) < 0) return err;
    if ((err = snd_pcm_hw_params_set_format(handle, params, format)) < 0) return err;
    if ((err = snd_pcm_hw_params_set_channels(handle, params, channels)) < 0) return err;
    if ((err = snd_pcm_hw_params_set_rate_near(handle, params, rate, NULL)) < 0) return err;
    if ((err = snd_pcm_hw_params_set_period_size_near(handle, params, period, NULL)) < 0) return err;
    if ((err = snd_pcm_hw_params_set_buffer_size_near(handle, params, buffer)) < 0) return err;
    return snd_pcm_hw_params(handle, params);
}
*/
import "C"

func init() {
	Register("alsa", func(cfg DriverConfig) (Driver, error) {
		return NewALSADriver(cfg), nil
	})
}

func alsaError(ret C.int) string {
	return C.GoString(C.alsa_strerror_wrapper(ret))
}

// ALSADriver opens PCM devices through libasound
type ALSADriver struct {
	config DriverConfig
}

// NewALSADriver creates an ALSA driver
func NewALSADriver(config DriverConfig) *ALSADriver {
	return &ALSADriver{config: config}
}

// Name implements Driver
func (d *ALSADriver) Name() string { return "alsa" }

// Devices returns "default" plus hw and plughw entries for every card
// listed in /proc/asound
func (d *ALSADriver) Devices() ([]AudioDevice, error) {
	devices := []AudioDevice{{
		ID:        "default",
		Name:      "default",
		IsInput:   true,
		IsOutput:  true,
		IsDefault: true,
	}}

	for card := 0; card < 32; card++ {
		cardPath := fmt.Sprintf("/proc/asound/card%d", card)
		if _, err := os.Stat(cardPath); err != nil {
			continue
		}

		cardName := fmt.Sprintf("card%d", card)
		if idData, err := os.ReadFile(cardPath + "/id"); err == nil {
			cardName = strings.TrimSpace(string(idData))
		}

		for _, prefix := range []string{"hw", "plughw"} {
			name := fmt.Sprintf("%s:%d,0", prefix, card)
			devices = append(devices, AudioDevice{
				ID:       name,
				Name:     name,
				IsInput:  true,
				IsOutput: true,
			})
		}
		logging.Debugf("hardware", "ALSA: found audio card %d: %s", card, cardName)
	}
	return devices, nil
}

// Device implements Driver. Names that are not enumerated (pulse, dmix
// plugins and so on) are passed to ALSA as-is.
func (d *ALSADriver) Device(name string, dir Dir) (relay.Device, error) {
	devices, _ := d.Devices()
	pcm := name
	if dev, err := Resolve(devices, name, dir); err == nil {
		pcm = dev.ID
	}
	if err := validateDeviceExists(pcm, dir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	return &alsaDevice{driver: d, pcm: pcm, dir: dir}, nil
}

// Close implements Driver
func (d *ALSADriver) Close() error { return nil }

// validateDeviceExists checks hw and plughw names against /proc/asound and
// /dev/snd
func validateDeviceExists(deviceName string, dir Dir) error {
	if !strings.HasPrefix(deviceName, "hw:") && !strings.HasPrefix(deviceName, "plughw:") {
		return nil
	}

	devicePart := strings.TrimPrefix(strings.TrimPrefix(deviceName, "plughw:"), "hw:")
	parts := strings.Split(devicePart, ",")
	cardNum := parts[0]

	if _, err := os.Stat(fmt.Sprintf("/proc/asound/card%s", cardNum)); err != nil {
		return fmt.Errorf("ALSA card %s not found in /proc/asound/", cardNum)
	}
	controlPath := fmt.Sprintf("/dev/snd/controlC%s", cardNum)
	if _, err := os.Stat(controlPath); err != nil {
		return fmt.Errorf("ALSA control device %s not accessible", controlPath)
	}

	if len(parts) >= 2 {
		suffix := "p"
		if dir == DirCapture {
			suffix = "c"
		}
		pcmPath := fmt.Sprintf("/dev/snd/pcmC%sD%s%s", cardNum, parts[1], suffix)
		if _, err := os.Stat(pcmPath); err != nil {
			// some devices have no separate node
			logging.Warnf("hardware", "ALSA: PCM device %s not found, will attempt to open anyway", pcmPath)
		}
	}
	return nil
}

func alsaFormat(f audio.SampleFormat) (C.snd_pcm_format_t, error) {
	switch f {
	case audio.FormatS16LE:
		return C.SND_PCM_FORMAT_S16_LE, nil
	case audio.FormatS24_3LE:
		return C.SND_PCM_FORMAT_S24_3LE, nil
	case audio.FormatFloat32:
		return C.SND_PCM_FORMAT_FLOAT_LE, nil
	}
	return 0, fmt.Errorf("%w: %s", audio.ErrUnsupportedFormat, f)
}

type alsaDevice struct {
	driver *ALSADriver
	pcm    string
	dir    Dir
}

// OpenQueue implements relay.Device
func (a *alsaDevice) OpenQueue(prm audio.Params, periodFrames int, handler relay.EventHandler) (relay.Queue, error) {
	format, err := alsaFormat(prm.Format)
	if err != nil {
		return nil, err
	}

	stream := C.snd_pcm_stream_t(C.SND_PCM_STREAM_PLAYBACK)
	if a.dir == DirCapture {
		stream = C.SND_PCM_STREAM_CAPTURE
	}

	deviceName := C.CString(a.pcm)
	defer C.free(unsafe.Pointer(deviceName))

	var handle *C.snd_pcm_t
	if ret := C.snd_pcm_open(&handle, deviceName, stream, 0); ret < 0 {
		return nil, fmt.Errorf("unable to open %s device %s: %s (error code: %d)",
			a.dir, a.pcm, alsaError(ret), int(ret))
	}

	depth := a.driver.config.QueueDepth
	if depth <= 0 {
		depth = 4
	}
	rate := C.uint(prm.SampleRate)
	period := C.snd_pcm_uframes_t(periodFrames)
	buffer := C.snd_pcm_uframes_t(periodFrames * depth)
	if ret := C.configure_pcm(handle, format, C.uint(prm.Channels), &rate, &period, &buffer); ret < 0 {
		C.snd_pcm_close(handle)
		return nil, fmt.Errorf("unable to set hw parameters for %s: %s", a.pcm, alsaError(ret))
	}
	if int(rate) != prm.SampleRate {
		C.snd_pcm_close(handle)
		return nil, fmt.Errorf("%s does not support %d Hz (nearest %d)", a.pcm, prm.SampleRate, int(rate))
	}

	logging.Infof("hardware", "ALSA: %s %s configured - %d Hz, %d channels, period %d, buffer %d",
		a.pcm, a.dir, int(rate), prm.Channels, int(period), int(buffer))

	pcm := &alsaPCM{handle: handle, name: a.pcm, dir: a.dir, frameSize: prm.FrameSize()}
	return newWorkerQueue(queueConfig{
		name:   fmt.Sprintf("alsa %s (%s)", a.pcm, a.dir),
		depth:  depth,
		xfer:   pcm.transfer,
		closer: pcm.close,
	}, handler), nil
}

// alsaPCM is one open PCM handle. Only the worker goroutine touches it
// until close.
type alsaPCM struct {
	handle    *C.snd_pcm_t
	name      string
	dir       Dir
	frameSize int
}

func (p *alsaPCM) transfer(buf []byte) (int, error) {
	frames := len(buf) / p.frameSize
	if frames == 0 {
		return 0, nil
	}

	for {
		var ret C.snd_pcm_sframes_t
		if p.dir == DirCapture {
			ret = C.snd_pcm_readi(p.handle, unsafe.Pointer(&buf[0]), C.snd_pcm_uframes_t(frames))
		} else {
			ret = C.snd_pcm_writei(p.handle, unsafe.Pointer(&buf[0]), C.snd_pcm_uframes_t(frames))
		}
		if ret >= 0 {
			return int(ret) * p.frameSize, nil
		}
		if ret == -C.EPIPE {
			logging.Debugf("hardware", "ALSA: %s %s xrun, recovering", p.name, p.dir)
			if r := C.snd_pcm_prepare(p.handle); r < 0 {
				return 0, fmt.Errorf("recover from xrun: %s", alsaError(r))
			}
			continue
		}
		return 0, fmt.Errorf("%s error: %s", p.dir, alsaError(C.int(ret)))
	}
}

func (p *alsaPCM) close() error {
	C.snd_pcm_drop(p.handle)
	if ret := C.snd_pcm_close(p.handle); ret < 0 {
		return fmt.Errorf("close %s: %s", p.name, alsaError(ret))
	}
	return nil
}
