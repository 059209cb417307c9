package api

import (
	"sync"
	"time"
)

// SessionExpiredEvent is broadcast when a refresh fails after a 401.
type SessionExpiredEvent struct {
	Endpoint string
	At       time.Time
}

// SessionEvents fans session-expired events out to subscribers. Delivery is
// non-blocking: a subscriber whose buffer is full misses the event.
type SessionEvents struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan SessionExpiredEvent
}

// NewSessionEvents creates a broadcaster with no subscribers.
func NewSessionEvents() *SessionEvents {
	return &SessionEvents{subs: make(map[int]chan SessionExpiredEvent)}
}

// Subscribe returns a channel of events and a function that unsubscribes and
// closes it.
func (s *SessionEvents) Subscribe() (<-chan SessionExpiredEvent, func()) {
	ch := make(chan SessionExpiredEvent, 4)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every current subscriber.
func (s *SessionEvents) Publish(ev SessionExpiredEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
