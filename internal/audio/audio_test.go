package audio

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestDownmixIsChannelMean(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for channels := 1; channels <= 6; channels++ {
		frames := 64
		interleaved := make([]float32, frames*channels)
		for i := range interleaved {
			interleaved[i] = rng.Float32()*2 - 1
		}
		mono := Downmix(interleaved, channels, nil)
		if len(mono) != frames {
			t.Fatalf("channels=%d: expected %d samples, got %d", channels, frames, len(mono))
		}
		for i := 0; i < frames; i++ {
			var sum float64
			for ch := 0; ch < channels; ch++ {
				sum += float64(interleaved[i*channels+ch])
			}
			want := sum / float64(channels)
			if math.Abs(float64(mono[i])-want) > 1e-6 {
				t.Fatalf("channels=%d index=%d: got %v want %v", channels, i, mono[i], want)
			}
		}
	}
}

func TestDecodePCMRoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 0.25, -1}
	s16 := DecodePCM(EncodeS16(samples, nil), FormatS16, nil)
	s32 := DecodePCM(EncodeS32(samples, nil), FormatS32, nil)
	for i, want := range samples {
		if math.Abs(float64(s16[i]-want)) > 1e-4 {
			t.Fatalf("s16[%d] = %v want %v", i, s16[i], want)
		}
		if math.Abs(float64(s32[i]-want)) > 1e-6 {
			t.Fatalf("s32[%d] = %v want %v", i, s32[i], want)
		}
	}
}

func TestParseFormatRejectsFloat(t *testing.T) {
	if _, err := ParseFormat("f32"); err == nil {
		t.Fatal("expected float format to be rejected")
	}
	if f, err := ParseFormat("s16"); err != nil || f != FormatS16 {
		t.Fatalf("unexpected parse result %v %v", f, err)
	}
}

func TestResampleLengthDoesNotDrift(t *testing.T) {
	rates := []int{8000, 22050, 44100, 48000, 96000, 11025}
	blockSizes := []int{1, 7, 441, 480, 1024, 333}
	for _, rate := range rates {
		r := NewResampler()
		var totalIn, totalOut int64
		for call := 0; call < 2000; call++ {
			n := blockSizes[call%len(blockSizes)]
			in := make([]float32, n)
			expected := r.OutputLength(n, rate)
			out := r.Resample(in, rate, nil)
			if len(out) != expected {
				t.Fatalf("rate=%d call=%d: OutputLength=%d but produced %d", rate, call, expected, len(out))
			}
			totalIn += int64(n)
			totalOut += int64(len(out))
			want := (totalIn*TargetSampleRate + int64(rate) - 1) / int64(rate)
			if totalOut != want {
				t.Fatalf("rate=%d after %d calls: produced %d, want ceil(%d*16000/%d)=%d", rate, call+1, totalOut, totalIn, rate, want)
			}
		}
	}
}

func TestResamplePreservesFrequency(t *testing.T) {
	const (
		rate = 44100
		freq = 440.0
	)
	r := NewResampler()
	var out []float32
	phase := 0
	// Feed one second in uneven blocks to exercise the carried phase.
	for phase < rate {
		n := 512 + phase%97
		if phase+n > rate {
			n = rate - phase
		}
		block := make([]float32, n)
		for i := range block {
			block[i] = float32(math.Sin(2 * math.Pi * freq * float64(phase+i) / rate))
		}
		out = r.Resample(block, rate, out)
		phase += n
	}
	if len(out) != TargetSampleRate {
		t.Fatalf("expected %d samples, got %d", TargetSampleRate, len(out))
	}
	crossings := 0
	for i := 1; i < len(out); i++ {
		if (out[i-1] < 0) != (out[i] < 0) {
			crossings++
		}
	}
	estimated := float64(crossings) / 2
	if math.Abs(estimated-freq) > 2 {
		t.Fatalf("expected ~%v Hz after resampling, estimated %v", freq, estimated)
	}
	// Interpolated values track the analytic signal delayed by one input sample.
	for i := 101; i < len(out); i += 101 {
		want := math.Sin(2 * math.Pi * freq * (float64(i)/TargetSampleRate - 1.0/rate))
		if math.Abs(float64(out[i])-want) > 0.02 {
			t.Fatalf("sample %d: got %v want %v", i, out[i], want)
		}
	}
}

func TestResamplerProcessFrame(t *testing.T) {
	// Stereo 48 kHz with left=0.5 right=-0.1 should come out as constant 0.2 at 16 kHz.
	frames := 480
	interleaved := make([]float32, 0, frames*2)
	for i := 0; i < frames; i++ {
		interleaved = append(interleaved, 0.5, -0.1)
	}
	f := Frame{Data: EncodeS16(interleaved, nil), Format: FormatS16, Channels: 2, SampleRate: 48000, Timestamp: time.Now()}
	if f.Frames() != frames {
		t.Fatalf("expected %d frames, got %d", frames, f.Frames())
	}
	r := NewResampler()
	out := r.Process(f, nil)
	if len(out) != 160 {
		t.Fatalf("expected 160 samples, got %d", len(out))
	}
	for i, v := range out {
		if math.Abs(float64(v)-0.2) > 1e-3 {
			t.Fatalf("sample %d = %v, want 0.2", i, v)
		}
	}
}

func TestResamplerResetOnRateChange(t *testing.T) {
	r := NewResampler()
	r.Resample(make([]float32, 7), 44100, nil)
	if r.phase == 0 {
		t.Fatal("expected carried phase after uneven block")
	}
	out := r.Resample(make([]float32, 3), 48000, nil)
	if len(out) != 1 {
		t.Fatalf("expected fresh phase at new rate, got %d samples", len(out))
	}
}

func TestQueueDropsOldest(t *testing.T) {
	q := NewQueue[int](3)
	for i := 1; i <= 5; i++ {
		q.Push(i)
	}
	if q.Dropped() != 2 {
		t.Fatalf("expected 2 drops, got %d", q.Dropped())
	}
	var got []int
	q.Drain(func(v int) { got = append(got, v) })
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestFrameQueueSteadyStateDoesNotAllocate(t *testing.T) {
	fq := NewFrameQueue(4, 4096)
	block := make([]byte, 4096)
	now := time.Now()
	allocs := testing.AllocsPerRun(200, func() {
		fq.Push(block, FormatS16, 2, 48000, now)
		f := <-fq.C()
		fq.Release(f)
	})
	if allocs != 0 {
		t.Fatalf("expected zero allocations per push, got %v", allocs)
	}
}

func TestFrameQueueOverflowRecyclesBuffers(t *testing.T) {
	fq := NewFrameQueue(2, 16)
	for i := 0; i < 10; i++ {
		fq.Push([]byte{byte(i), 0}, FormatS16, 1, 16000, time.Now())
	}
	if fq.Dropped() != 8 {
		t.Fatalf("expected 8 dropped frames, got %d", fq.Dropped())
	}
	first := <-fq.C()
	if first.Data[0] != 8 {
		t.Fatalf("expected oldest surviving frame 8, got %d", first.Data[0])
	}
	fq.Release(first)
	if n := fq.Drain(); n != 1 {
		t.Fatalf("expected 1 pending frame, got %d", n)
	}
}

func TestRMSPCMMatchesFloatRMS(t *testing.T) {
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*float64(i)/40))
	}
	want := RMS(samples)
	got := RMSPCM(EncodeS16(samples, nil), FormatS16)
	if math.Abs(got-want) > 1e-3 {
		t.Fatalf("RMSPCM=%v RMS=%v", got, want)
	}
	if math.Abs(want-0.3/math.Sqrt2) > 1e-3 {
		t.Fatalf("unexpected sine RMS %v", want)
	}
}
