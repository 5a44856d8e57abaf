package jobs

import "sync"

const (
	// maxHistory bounds the output kept for late subscribers.
	maxHistory = 1 << 20
	// subscriberBuffer is the number of writes a subscriber may lag behind
	// before it is dropped.
	subscriberBuffer = 256
)

// Broadcaster fans a job's output out to subscribers and keeps its tail for
// those that subscribe later.
type Broadcaster struct {
	// mu guards all subsequent fields.
	mu sync.Mutex
	// history is the retained output.
	history []byte
	// subscribers are the live subscriptions.
	subscribers map[chan []byte]struct{}
	// closed is set once the job has finished.
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[chan []byte]struct{})}
}

// Write records p and forwards it to subscribers. Subscribers that cannot
// keep up are disconnected. It never fails.
func (b *Broadcaster) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := append([]byte(nil), p...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return len(p), nil
	}
	b.history = append(b.history, chunk...)
	if over := len(b.history) - maxHistory; over > 0 {
		b.history = append([]byte(nil), b.history[over:]...)
	}
	for ch := range b.subscribers {
		select {
		case ch <- chunk:
		default:
			delete(b.subscribers, ch)
			close(ch)
		}
	}
	return len(p), nil
}

// History returns the retained output.
func (b *Broadcaster) History() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.history...)
}

// Subscribe returns the output so far and a channel receiving what is
// written afterwards. The channel is closed when the broadcaster closes,
// when the subscriber falls behind, or after cancel is called.
func (b *Broadcaster) Subscribe() (history []byte, updates <-chan []byte, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	history = append([]byte(nil), b.history...)
	ch := make(chan []byte, subscriberBuffer)
	if b.closed {
		close(ch)
		return history, ch, func() {}
	}
	b.subscribers[ch] = struct{}{}
	return history, ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}
}

// Close disconnects all subscribers. Later writes are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}
