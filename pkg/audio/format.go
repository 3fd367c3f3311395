package audio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupportedFormat is returned for sample formats no driver can carry
var ErrUnsupportedFormat = errors.New("unsupported sample format")

// SampleFormat identifies the encoding of a single PCM sample
type SampleFormat int

const (
	FormatUnknown SampleFormat = iota
	FormatS16LE
	FormatS24_3LE
	FormatFloat32
)

// String returns the configuration name of the format
func (f SampleFormat) String() string {
	switch f {
	case FormatS16LE:
		return "s16le"
	case FormatS24_3LE:
		return "s24_3le"
	case FormatFloat32:
		return "float"
	default:
		return "unknown"
	}
}

// SampleSize returns the size of one sample in bytes, 0 for unknown formats
func (f SampleFormat) SampleSize() int {
	switch f {
	case FormatS16LE:
		return 2
	case FormatS24_3LE:
		return 3
	case FormatFloat32:
		return 4
	default:
		return 0
	}
}

// ParseSampleFormat parses a format name as used in the config file
func ParseSampleFormat(name string) (SampleFormat, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "s16le", "s16", "int16", "":
		return FormatS16LE, nil
	case "s24_3le", "s24", "int24":
		return FormatS24_3LE, nil
	case "float", "float32", "f32":
		return FormatFloat32, nil
	default:
		return FormatUnknown, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// Params describes the format of one audio stream
type Params struct {
	SampleRate int          // Hz
	Channels   int          // interleaved channels per frame
	PTime      int          // packet time in milliseconds
	Format     SampleFormat // sample encoding
}

// Validate checks that the parameters describe a stream that can be opened
func (p Params) Validate() error {
	if p.Format.SampleSize() == 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, p.Format)
	}
	if p.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", p.SampleRate)
	}
	if p.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", p.Channels)
	}
	if p.PTime <= 0 {
		return fmt.Errorf("invalid ptime %d", p.PTime)
	}
	if p.PeriodFrames() == 0 {
		return fmt.Errorf("ptime %dms at %d Hz yields an empty period", p.PTime, p.SampleRate)
	}
	return nil
}

// FrameSize returns the size of one interleaved frame in bytes
func (p Params) FrameSize() int {
	return p.Channels * p.Format.SampleSize()
}

// PeriodFrames returns the number of frames in one ptime period
func (p Params) PeriodFrames() int {
	return p.SampleRate * p.PTime / 1000
}

// SampleCount returns the number of samples (all channels) in one period
func (p Params) SampleCount() int {
	return p.SampleRate * p.Channels * p.PTime / 1000
}

// PeriodBytes returns the size of one period in bytes
func (p Params) PeriodBytes() int {
	return p.PeriodFrames() * p.FrameSize()
}

// PeriodDuration returns the wall-clock length of one period
func (p Params) PeriodDuration() time.Duration {
	return time.Duration(p.PTime) * time.Millisecond
}

// FramesDuration returns the wall-clock length of n frames
func (p Params) FramesDuration(n int) time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(p.SampleRate)
}

func (p Params) String() string {
	return fmt.Sprintf("%s %dHz %dch %dms", p.Format, p.SampleRate, p.Channels, p.PTime)
}
