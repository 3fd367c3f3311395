package audio

import (
	"encoding/binary"
	"math"
)

// BytesToInt16 decodes little-endian 16-bit PCM into dst, growing it as needed
func BytesToInt16(buf []byte, dst []int16) []int16 {
	n := len(buf) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return dst
}

// Int16ToBytes encodes samples as little-endian 16-bit PCM into dst
func Int16ToBytes(samples []int16, dst []byte) []byte {
	n := len(samples) * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}

// BytesToFloat32 decodes little-endian IEEE-754 samples
func BytesToFloat32(buf []byte, dst []float32) []float32 {
	n := len(buf) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return dst
}

// Float32ToBytes encodes samples as little-endian IEEE-754
func Float32ToBytes(samples []float32, dst []byte) []byte {
	n := len(samples) * 4
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
	return dst
}

// ToInt16 normalises PCM of any supported format to 16-bit samples
func ToInt16(format SampleFormat, buf []byte, dst []int16) []int16 {
	switch format {
	case FormatS16LE:
		return BytesToInt16(buf, dst)

	case FormatS24_3LE:
		n := len(buf) / 3
		if cap(dst) < n {
			dst = make([]int16, n)
		}
		dst = dst[:n]
		for i := 0; i < n; i++ {
			// keep the two most significant bytes
			dst[i] = int16(uint16(buf[i*3+1]) | uint16(buf[i*3+2])<<8)
		}
		return dst

	case FormatFloat32:
		n := len(buf) / 4
		if cap(dst) < n {
			dst = make([]int16, n)
		}
		dst = dst[:n]
		for i := 0; i < n; i++ {
			f := math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
			dst[i] = floatToInt16(f)
		}
		return dst
	}
	return dst[:0]
}

// FromInt16 encodes 16-bit samples into the given format
func FromInt16(format SampleFormat, samples []int16, dst []byte) []byte {
	switch format {
	case FormatS16LE:
		return Int16ToBytes(samples, dst)

	case FormatS24_3LE:
		n := len(samples) * 3
		if cap(dst) < n {
			dst = make([]byte, n)
		}
		dst = dst[:n]
		for i, s := range samples {
			dst[i*3] = 0
			dst[i*3+1] = byte(uint16(s))
			dst[i*3+2] = byte(uint16(s) >> 8)
		}
		return dst

	case FormatFloat32:
		n := len(samples) * 4
		if cap(dst) < n {
			dst = make([]byte, n)
		}
		dst = dst[:n]
		for i, s := range samples {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(float32(s)/32768.0))
		}
		return dst
	}
	return dst[:0]
}

func floatToInt16(f float32) int16 {
	v := f * 32768.0
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
