package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// TargetSampleRate is the rate every recognizer in this module expects.
const TargetSampleRate = 16000

// SampleFormat is the native integer PCM layout delivered by a capture driver.
type SampleFormat int

const (
	FormatUnknown SampleFormat = iota
	FormatS16
	FormatS32
)

func (f SampleFormat) String() string {
	switch f {
	case FormatS16:
		return "s16"
	case FormatS32:
		return "s32"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the size of one sample of one channel.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatS16:
		return 2
	case FormatS32:
		return 4
	default:
		return 0
	}
}

// ParseFormat accepts the config spelling of a sample format. Float layouts
// are refused: only integer PCM is captured.
func ParseFormat(value string) (SampleFormat, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "s16", "s16le", "int16":
		return FormatS16, nil
	case "s32", "s32le", "int32":
		return FormatS32, nil
	default:
		return FormatUnknown, fmt.Errorf("unsupported sample format %q", value)
	}
}

// Frame is one block of interleaved little-endian PCM as the device produced it.
type Frame struct {
	Data       []byte
	Format     SampleFormat
	Channels   int
	SampleRate int
	Timestamp  time.Time
}

// Frames returns the number of sample frames (one sample per channel) in f.
func (f Frame) Frames() int {
	stride := f.Format.BytesPerSample() * f.Channels
	if stride == 0 {
		return 0
	}
	return len(f.Data) / stride
}

// DecodePCM appends the samples in data, normalized to [-1, 1), to dst.
// Trailing bytes that do not form a whole sample are ignored.
func DecodePCM(data []byte, format SampleFormat, dst []float32) []float32 {
	switch format {
	case FormatS16:
		for i := 0; i+1 < len(data); i += 2 {
			v := int16(binary.LittleEndian.Uint16(data[i:]))
			dst = append(dst, float32(v)/32768.0)
		}
	case FormatS32:
		for i := 0; i+3 < len(data); i += 4 {
			v := int32(binary.LittleEndian.Uint32(data[i:]))
			dst = append(dst, float32(float64(v)/2147483648.0))
		}
	}
	return dst
}

// Downmix averages interleaved channels into mono and appends to dst.
func Downmix(interleaved []float32, channels int, dst []float32) []float32 {
	if channels <= 1 {
		return append(dst, interleaved...)
	}
	n := len(interleaved) / channels
	scale := 1 / float32(channels)
	for i := 0; i < n; i++ {
		var sum float32
		base := i * channels
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[base+ch]
		}
		dst = append(dst, sum*scale)
	}
	return dst
}

// RMS returns the root-mean-square amplitude of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSPCM computes RMS directly over raw PCM without allocating. It is safe to
// call from a real-time capture callback.
func RMSPCM(data []byte, format SampleFormat) float64 {
	var sum float64
	var n int
	switch format {
	case FormatS16:
		for i := 0; i+1 < len(data); i += 2 {
			v := float64(int16(binary.LittleEndian.Uint16(data[i:]))) / 32768.0
			sum += v * v
			n++
		}
	case FormatS32:
		for i := 0; i+3 < len(data); i += 4 {
			v := float64(int32(binary.LittleEndian.Uint32(data[i:]))) / 2147483648.0
			sum += v * v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// EncodeS16 converts float samples to little-endian 16-bit PCM. Values are
// clipped to the representable range.
func EncodeS16(samples []float32, dst []byte) []byte {
	for _, s := range samples {
		v := math.Round(float64(s) * 32767)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(v)))
	}
	return dst
}

// EncodeS32 converts float samples to little-endian 32-bit PCM.
func EncodeS32(samples []float32, dst []byte) []byte {
	for _, s := range samples {
		v := math.Round(float64(s) * 2147483647)
		if v > math.MaxInt32 {
			v = math.MaxInt32
		} else if v < math.MinInt32 {
			v = math.MinInt32
		}
		dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(v)))
	}
	return dst
}
