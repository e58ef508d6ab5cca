package stream

import (
	"context"
	"sync"

	"ledgerbook.org/internal/ledger"
)

// Stream fans ledger events out to live subscribers (SSE clients). It is a
// ledger.Notifier.
type Stream struct {
	mu     sync.RWMutex
	subs   map[int]subscriber
	next   int
	buffer int
}

type subscriber struct {
	ch         chan ledger.Event
	customerID string
}

var _ ledger.Notifier = (*Stream)(nil)

// New initialises an empty stream. buffer is the per-subscriber queue length.
func New(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{subs: make(map[int]subscriber), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. A non-empty customerID limits delivery to that customer's events.
// The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, customerID string) <-chan ledger.Event {
	ch := make(chan ledger.Event, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, customerID: customerID}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the event out to all matching subscribers. A slow subscriber
// misses events rather than blocking the ledger.
func (s *Stream) Publish(_ context.Context, evt ledger.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.customerID != "" && sub.customerID != evt.CustomerID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribers reports how many clients are attached.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
