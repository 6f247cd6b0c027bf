package rpc

import (
	"sync"

	"yieldsource/adapter"
)

const eventBuffer = 16

// EventStream fans committed adapter events out to live websocket
// subscribers. It plugs into the engine as one more Emitter; a subscriber
// that falls behind its buffer misses events rather than stalling the
// engine.
type EventStream struct {
	mu   sync.Mutex
	subs map[chan adapter.Event]struct{}
}

func NewEventStream() *EventStream {
	return &EventStream{subs: make(map[chan adapter.Event]struct{})}
}

func (s *EventStream) Emit(ev adapter.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *EventStream) subscribe() (<-chan adapter.Event, func()) {
	ch := make(chan adapter.Event, eventBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}
