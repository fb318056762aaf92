package events

import (
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Hub fans session events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event and the miss is counted
// on its subscription.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

type Subscription struct {
	hub    *Hub
	ch     chan protocol.Event
	kinds  map[protocol.EventKind]bool
	missed atomic.Uint64
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with the given buffer. When kinds is
// non-empty only those event kinds are delivered.
func (h *Hub) Subscribe(buffer int, kinds ...protocol.EventKind) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{hub: h, ch: make(chan protocol.Event, buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[protocol.EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *Hub) Publish(ev protocol.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.kinds != nil && !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.missed.Add(1)
		}
	}
}

func (h *Hub) PublishLevel(l protocol.AudioLevel) { h.Publish(protocol.LevelEvent(l)) }

func (h *Hub) PublishTranscription(r protocol.TranscriptionResult) {
	h.Publish(protocol.TranscriptionEvent(r))
}

func (h *Hub) PublishError(e protocol.SessionError) { h.Publish(protocol.ErrorEvent(e)) }

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(h.subs, sub)
	}
}

// C delivers events until the subscription or hub is closed.
func (s *Subscription) C() <-chan protocol.Event { return s.ch }

// Missed reports events dropped because the buffer was full.
func (s *Subscription) Missed() uint64 { return s.missed.Load() }

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subs[s]; !ok {
		return
	}
	delete(s.hub.subs, s)
	s.once.Do(func() { close(s.ch) })
}
