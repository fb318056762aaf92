package vad

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Chunk is a fixed-duration window of mono 16 kHz audio. It is not modified
// after it has been handed to a Sink.
type Chunk struct {
	Samples       []float32
	VoiceDetected bool
	SequenceID    uint64
	RMS           float64
	StartedAt     time.Time
}

// Duration is the audio length covered by the chunk.
func (c Chunk) Duration() time.Duration {
	return time.Duration(len(c.Samples)) * time.Second / audio.TargetSampleRate
}

// Sink receives finalized chunks in sequence order. Live capture pushes them
// onto a drop-oldest queue; offline transcription collects them.
type Sink func(Chunk)

// QueueSink adapts a bounded queue into a Sink.
func QueueSink(q *audio.Queue[Chunk]) Sink {
	return func(c Chunk) { q.Push(c) }
}

// Chunker accumulates samples into chunks of a fixed size and tags each as
// speech or silence by comparing the RMS of every appended window with a
// threshold. Write, Flush and Reset must come from one goroutine; Emitted
// may be called from any.
type Chunker struct {
	size      int
	threshold float64
	sink      Sink
	now       func() time.Time

	buf     []float32
	voice   bool
	sumSq   float64
	started time.Time
	nextSeq uint64

	emitted atomic.Uint64
	voiced  atomic.Uint64
}

func NewChunker(cfg config.ChunkerConfig, sink Sink) *Chunker {
	size := cfg.ChunkDurationMS * audio.TargetSampleRate / 1000
	if size <= 0 {
		size = 3 * audio.TargetSampleRate
	}
	return &Chunker{
		size:      size,
		threshold: cfg.VoiceThreshold,
		sink:      sink,
		now:       time.Now,
		buf:       make([]float32, 0, size),
		nextSeq:   1,
	}
}

// Size is the number of samples in a full chunk.
func (c *Chunker) Size() int { return c.size }

// Write appends samples, finalizing a chunk every time the buffer fills. It
// returns how many chunks were finalized.
func (c *Chunker) Write(samples []float32) int {
	finalized := 0
	for len(samples) > 0 {
		room := c.size - len(c.buf)
		n := len(samples)
		if n > room {
			n = room
		}
		c.append(samples[:n])
		samples = samples[n:]
		if len(c.buf) == c.size {
			c.finalize()
			finalized++
		}
	}
	return finalized
}

// Flush finalizes a non-empty partial chunk. Live sessions never call it:
// audio shorter than a full chunk at stop is discarded.
func (c *Chunker) Flush() bool {
	if len(c.buf) == 0 {
		return false
	}
	c.finalize()
	return true
}

// Reset drops buffered audio and restarts sequence numbering.
func (c *Chunker) Reset() {
	c.buf = c.buf[:0]
	c.voice = false
	c.sumSq = 0
	c.started = time.Time{}
	c.nextSeq = 1
}

// Pending reports the number of buffered samples not yet part of a chunk.
func (c *Chunker) Pending() int { return len(c.buf) }

// Emitted reports the total chunks finalized and how many of them carried voice.
func (c *Chunker) Emitted() (total, voiced uint64) {
	// voiced first so a concurrent reader never sees voiced > total.
	voiced = c.voiced.Load()
	return c.emitted.Load(), voiced
}

func (c *Chunker) append(window []float32) {
	if len(c.buf) == 0 {
		c.started = c.now()
	}
	var sum float64
	for _, s := range window {
		sum += float64(s) * float64(s)
	}
	if math.Sqrt(sum/float64(len(window))) > c.threshold {
		c.voice = true
	}
	c.sumSq += sum
	c.buf = append(c.buf, window...)
}

func (c *Chunker) finalize() {
	samples := make([]float32, len(c.buf))
	copy(samples, c.buf)
	chunk := Chunk{
		Samples:       samples,
		VoiceDetected: c.voice,
		SequenceID:    c.nextSeq,
		RMS:           math.Sqrt(c.sumSq / float64(len(samples))),
		StartedAt:     c.started,
	}
	c.nextSeq++
	c.emitted.Add(1)
	if chunk.VoiceDetected {
		c.voiced.Add(1)
	}
	c.buf = c.buf[:0]
	c.voice = false
	c.sumSq = 0
	c.started = time.Time{}
	if c.sink != nil {
		c.sink(chunk)
	}
}
