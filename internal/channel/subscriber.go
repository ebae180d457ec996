package channel

import "sync"

// DefaultBufferSize is the default per-subscriber buffer. It is sized to
// absorb a few seconds of burst at normal consumption rates before the
// drop-on-full policy kicks in.
const DefaultBufferSize = 1000

// subscriber is one bounded queue, private to a single Subscribe or
// PSubscribe call. The listener writes to it without ever blocking.
type subscriber struct {
	ch     chan Message
	mu     sync.Mutex
	closed bool
}

func newSubscriber(buffer int) *subscriber {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &subscriber{ch: make(chan Message, buffer)}
}

// send attempts a non-blocking delivery.
// Returns false if the subscriber is closed or its buffer is full.
func (s *subscriber) send(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- msg:
		return true
	default:
		// Buffer full: the message is dropped for this subscriber only.
		return false
	}
}

// close ends the subscriber's stream. Safe to call more than once.
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// subscriberSet is the registration set for one topic or pattern. A broker
// side subscription exists iff the set is non-empty.
type subscriberSet map[*subscriber]struct{}
