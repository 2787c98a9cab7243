package storage

import "sync"

// Notifier fans out parameterless "files changed" events. Notifications
// coalesce: a subscriber that has not yet drained the previous event sees
// one pending event, never a queue.
type Notifier struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[*Subscription]struct{})}
}

// Subscription is one registered listener. Call Unsubscribe when done.
type Subscription struct {
	ch   chan struct{}
	n    *Notifier
	once sync.Once
}

// C returns the channel that receives change events. It is closed on
// Unsubscribe or when the notifier shuts down.
func (s *Subscription) C() <-chan struct{} {
	return s.ch
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.n.mu.Lock()
		if _, ok := s.n.subs[s]; ok {
			delete(s.n.subs, s)
			close(s.ch)
		}
		s.n.mu.Unlock()
	})
}

// Subscribe adds a subscriber.
func (n *Notifier) Subscribe() *Subscription {
	s := &Subscription{ch: make(chan struct{}, 1), n: n}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(s.ch)
		return s
	}
	n.subs[s] = struct{}{}
	return s
}

// Notify signals every subscriber without blocking.
func (n *Notifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for s := range n.subs {
		select {
		case s.ch <- struct{}{}:
		default:
		}
	}
}

// Count returns the number of live subscriptions.
func (n *Notifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Close closes every subscription channel. Later subscriptions are born closed.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for s := range n.subs {
		close(s.ch)
		delete(n.subs, s)
	}
}
