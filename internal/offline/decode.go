package offline

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/zeozeozeo/gomplerate"
)

// ErrInvalidWAV is returned for input that is not a PCM WAV file.
var ErrInvalidWAV = errors.New("not a valid wav file")

// Clip is decoded audio ready for the chunker: mono, 16 kHz, normalized.
type Clip struct {
	Samples        []float32
	SourceRate     int
	SourceChannels int
	SourceBits     int
}

// DecodeWAV reads a PCM WAV stream, downmixes it to mono and resamples it to
// the recognizer rate.
func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return Clip{}, ErrInvalidWAV
	}

	clip := Clip{
		SourceRate:     buf.Format.SampleRate,
		SourceChannels: buf.Format.NumChannels,
		SourceBits:     buf.SourceBitDepth,
	}
	mono := toMono16(buf)
	if clip.SourceRate != audio.TargetSampleRate && len(mono) > 0 {
		rs, err := gomplerate.NewResampler(1, clip.SourceRate, audio.TargetSampleRate)
		if err != nil {
			return Clip{}, fmt.Errorf("create resampler: %w", err)
		}
		mono = rs.ResampleInt16(mono)
	}
	clip.Samples = make([]float32, len(mono))
	for i, v := range mono {
		clip.Samples[i] = float32(v) / 32768.0
	}
	return clip, nil
}

// Seconds is the decoded length at the recognizer rate.
func (c Clip) Seconds() float64 {
	return float64(len(c.Samples)) / audio.TargetSampleRate
}

func toMono16(buf *goaudio.IntBuffer) []int16 {
	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int64
		for ch := 0; ch < channels; ch++ {
			sum += int64(to16(buf.Data[i*channels+ch], buf.SourceBitDepth))
		}
		out[i] = int16(sum / int64(channels))
	}
	return out
}

// to16 scales a sample of the given bit depth to 16 bits. 8-bit WAV is
// unsigned.
func to16(v, bits int) int16 {
	switch {
	case bits == 8:
		return int16((v - 128) << 8)
	case bits > 16:
		return int16(v >> (bits - 16))
	default:
		return int16(v)
	}
}
