package session

import "sync"

// Subscription cancels an observer registration. Unsubscribing is safe while
// a notification is in flight; the observer's delivery goroutine drains and
// exits without corrupting the registry.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Unsubscribe removes the observer. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// hub fans events out to registered observers. Each observer gets its own
// buffered channel and delivery goroutine so a slow observer drops its own
// events instead of stalling telemetry for everyone else.
type hub[T any] struct {
	mu   sync.Mutex
	subs map[uint64]chan T
	next uint64
}

func newHub[T any]() *hub[T] {
	return &hub[T]{subs: make(map[uint64]chan T)}
}

func (h *hub[T]) subscribe(fn func(T)) *Subscription {
	ch := make(chan T, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		for v := range ch {
			fn(v)
		}
	}()

	return &Subscription{cancel: func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}}
}

// publish delivers v to every observer. Non-blocking: an observer whose
// buffer is full misses this event.
func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
		}
	}
	h.mu.Unlock()
}
