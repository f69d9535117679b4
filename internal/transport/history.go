package transport

import "sync"

// History is a fixed-capacity circular buffer of events. It lets a UI that
// attaches after the transport has been running catch up on recent
// activity without replaying the whole session.
type History struct {
	mu       sync.RWMutex
	buf      []Event
	capacity int
	pos      int // next write position
	full     bool
}

// NewHistory creates a history buffer with the given capacity.
func NewHistory(capacity int) *History {
	return &History{
		buf:      make([]Event, capacity),
		capacity: capacity,
	}
}

// Record adds an event to the buffer.
func (h *History) Record(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf[h.pos] = ev
	h.pos = (h.pos + 1) % h.capacity
	if h.pos == 0 {
		h.full = true
	}
}

// Recent returns the retained events in chronological order.
func (h *History) Recent() []Event {
	return h.Tail(0)
}

// Tail returns the newest n retained events in chronological order. A
// non-positive n returns everything retained.
func (h *History) Tail(n int) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	retained := h.pos
	start := 0
	if h.full {
		retained = h.capacity
		start = h.pos
	}
	if n <= 0 || n > retained {
		n = retained
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (start + retained - n + i) % h.capacity
		result[i] = h.buf[idx]
	}
	return result
}
