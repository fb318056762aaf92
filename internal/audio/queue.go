package audio

import (
	"sync/atomic"
	"time"
)

// Queue is a bounded FIFO whose Push never blocks: when full, the oldest
// pending item is evicted and counted as dropped. It supports one producer
// and one consumer.
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push enqueues item. If an older item had to be evicted to make room it is
// returned with evicted set.
func (q *Queue[T]) Push(item T) (old T, evicted bool) {
	for {
		select {
		case q.ch <- item:
			return old, evicted
		default:
		}
		select {
		case o := <-q.ch:
			old, evicted = o, true
			q.dropped.Add(1)
		default:
		}
	}
}

// C exposes the receive side for select loops.
func (q *Queue[T]) C() <-chan T { return q.ch }

func (q *Queue[T]) Len() int { return len(q.ch) }

func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Dropped reports how many items were evicted since creation.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }

// Drain removes every pending item, passing each to fn when fn is non-nil,
// and returns the count.
func (q *Queue[T]) Drain(fn func(T)) int {
	n := 0
	for {
		select {
		case item := <-q.ch:
			n++
			if fn != nil {
				fn(item)
			}
		default:
			return n
		}
	}
}

// FrameQueue carries capture blocks from the real-time callback to the
// resampling goroutine. Buffers come from a fixed pool sized so the producer
// always finds one free; in steady state Push does not allocate.
type FrameQueue struct {
	q    *Queue[Frame]
	free chan []byte
}

func NewFrameQueue(capacity, bufferBytes int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	// capacity in the queue + one held by the consumer + one being filled.
	pool := capacity + 2
	fq := &FrameQueue{
		q:    NewQueue[Frame](capacity),
		free: make(chan []byte, pool),
	}
	for i := 0; i < pool; i++ {
		fq.free <- make([]byte, 0, bufferBytes)
	}
	return fq
}

// Push copies data into a pooled buffer and enqueues it. It never blocks.
func (fq *FrameQueue) Push(data []byte, format SampleFormat, channels, rate int, ts time.Time) {
	var buf []byte
	select {
	case buf = <-fq.free:
	default:
		buf = make([]byte, 0, len(data))
	}
	if cap(buf) < len(data) {
		// Driver delivered a larger period than configured; grow once.
		buf = make([]byte, 0, len(data))
	}
	buf = append(buf[:0], data...)
	old, evicted := fq.q.Push(Frame{Data: buf, Format: format, Channels: channels, SampleRate: rate, Timestamp: ts})
	if evicted {
		fq.Release(old)
	}
}

// C exposes pending frames. Consumers must Release each frame when done.
func (fq *FrameQueue) C() <-chan Frame { return fq.q.C() }

// Release returns a frame's buffer to the pool.
func (fq *FrameQueue) Release(f Frame) {
	if f.Data == nil {
		return
	}
	select {
	case fq.free <- f.Data[:0]:
	default:
	}
}

func (fq *FrameQueue) Len() int { return fq.q.Len() }

func (fq *FrameQueue) Dropped() uint64 { return fq.q.Dropped() }

// Drain releases all pending frames and returns how many there were.
func (fq *FrameQueue) Drain() int {
	return fq.q.Drain(fq.Release)
}
