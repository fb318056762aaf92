package audio

// Resampler downmixes frames to mono and converts them to TargetSampleRate by
// linear interpolation.
//
// Output positions are tracked with exact integer arithmetic: after any
// sequence of calls totalling N input samples at rate R, exactly
// ceil(N*16000/R) samples have been produced. Each output interpolates
// between the input sample at or after its position and the one before it,
// which costs one input sample of latency; the previous call's last sample is
// carried along with the fractional phase so chunk boundaries stay continuous.
// A Resampler is owned by a single goroutine.
type Resampler struct {
	rate   int
	phase  int64 // position of the next output, in units of 1/TargetSampleRate input samples
	prev   float32
	primed bool

	interleaved []float32
	mono        []float32
}

func NewResampler() *Resampler {
	return &Resampler{}
}

// Reset clears the carried phase. Call it when the stream restarts.
func (r *Resampler) Reset() {
	r.rate = 0
	r.phase = 0
	r.prev = 0
	r.primed = false
}

// Process converts f and appends the 16 kHz mono result to dst.
func (r *Resampler) Process(f Frame, dst []float32) []float32 {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return dst
	}
	r.interleaved = DecodePCM(f.Data, f.Format, r.interleaved[:0])
	r.mono = Downmix(r.interleaved, f.Channels, r.mono[:0])
	return r.Resample(r.mono, f.SampleRate, dst)
}

// Resample converts mono samples at rate to TargetSampleRate, appending to dst.
// A change of rate between calls resets the carried phase.
func (r *Resampler) Resample(mono []float32, rate int, dst []float32) []float32 {
	if rate <= 0 {
		return dst
	}
	if rate != r.rate {
		r.Reset()
		r.rate = rate
	}
	n := int64(len(mono))
	if n == 0 {
		return dst
	}
	if rate == TargetSampleRate {
		return append(dst, mono...)
	}

	if !r.primed {
		r.prev = mono[0]
		r.primed = true
	}

	const out = int64(TargetSampleRate)
	step := int64(rate)
	limit := n * out
	pos := r.phase
	for pos < limit {
		i := pos / out
		frac := float32(pos%out) / float32(out)
		b := mono[i]
		a := r.prev
		if i > 0 {
			a = mono[i-1]
		}
		dst = append(dst, a+(b-a)*frac)
		pos += step
	}
	r.phase = pos - limit
	r.prev = mono[n-1]
	return dst
}

// OutputLength reports how many samples Resample will produce for n input
// samples at rate given the current carried phase.
func (r *Resampler) OutputLength(n, rate int) int {
	if n <= 0 || rate <= 0 {
		return 0
	}
	if rate == TargetSampleRate {
		return n
	}
	phase := r.phase
	if rate != r.rate {
		phase = 0
	}
	limit := int64(n) * TargetSampleRate
	if phase >= limit {
		return 0
	}
	return int((limit - phase + int64(rate) - 1) / int64(rate))
}
