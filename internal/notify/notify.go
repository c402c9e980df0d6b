// Package notify implements an observer fan-out used to tell subscribers
// about state changes without holding the publisher's locks.
package notify

import (
	"sort"
	"sync"
)

// Observer is called for each published event.
type Observer[E any] func(event E)

// Subscription represents an active observer subscription.
type Subscription struct {
	id     uint64
	cancel func(id uint64)
	once   sync.Once
}

// Unsubscribe removes this subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(func() { s.cancel(s.id) })
}

// Notifier delivers events to registered observers.
//
// Observers are called in subscription order. A panicking observer does not
// prevent delivery to the others.
type Notifier[E any] struct {
	mu        sync.RWMutex
	observers map[uint64]Observer[E]
	nextID    uint64

	// Whether to notify synchronously or asynchronously
	async  bool
	buffer chan E
	done   chan struct{}
	wg     sync.WaitGroup

	closed bool
}

// Option configures a Notifier.
type Option[E any] func(*Notifier[E])

// WithAsync enables asynchronous delivery through a buffered queue.
func WithAsync[E any](bufferSize int) Option[E] {
	return func(n *Notifier[E]) {
		if bufferSize > 0 {
			n.async = true
			n.buffer = make(chan E, bufferSize)
		}
	}
}

// New creates a new Notifier.
func New[E any](opts ...Option[E]) *Notifier[E] {
	n := &Notifier[E]{
		observers: make(map[uint64]Observer[E]),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(n)
	}

	if n.async {
		n.wg.Add(1)
		go n.processAsync()
	}

	return n
}

// Subscribe registers an observer for all events.
func (n *Notifier[E]) Subscribe(observer Observer[E]) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.observers[id] = observer

	return &Subscription{id: id, cancel: n.unsubscribe}
}

// Notify sends an event to all observers.
// Events published after Close are dropped.
func (n *Notifier[E]) Notify(event E) {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return
	}
	n.mu.RUnlock()

	if n.async {
		select {
		case n.buffer <- event:
		case <-n.done:
		}
		return
	}

	n.deliver(event)
}

// Count returns the number of active subscriptions.
func (n *Notifier[E]) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.observers)
}

// Clear removes all subscriptions.
func (n *Notifier[E]) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = make(map[uint64]Observer[E])
}

// Close shuts down the notifier, delivering queued async events first.
// It is safe to call Close multiple times.
func (n *Notifier[E]) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	close(n.done)
	n.wg.Wait()
}

func (n *Notifier[E]) unsubscribe(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.observers, id)
}

// deliver calls observers outside the lock.
func (n *Notifier[E]) deliver(event E) {
	n.mu.RLock()
	ids := make([]uint64, 0, len(n.observers))
	for id := range n.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]Observer[E], len(ids))
	for i, id := range ids {
		observers[i] = n.observers[id]
	}
	n.mu.RUnlock()

	for _, obs := range observers {
		safeCall(obs, event)
	}
}

func safeCall[E any](obs Observer[E], event E) {
	defer func() {
		_ = recover()
	}()
	obs(event)
}

// processAsync handles asynchronous delivery.
func (n *Notifier[E]) processAsync() {
	defer n.wg.Done()

	for {
		select {
		case event := <-n.buffer:
			n.deliver(event)
		case <-n.done:
			// Drain remaining buffered events
			for {
				select {
				case event := <-n.buffer:
					n.deliver(event)
				default:
					return
				}
			}
		}
	}
}
