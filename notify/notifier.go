// Package notify fans out lightweight wake-up signals between goroutines:
// WAL appends wake blocked log readers, slot releases wake the recovery
// conflict resolver.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for subscriber channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send);
// every signal is a hint to re-check shared state, so a dropped one is covered
// by the next.
const defaultSignalBufferSize = 16

// Signal announces that something changed on a topic. Value is topic specific
// (an LSN for WAL appends, an owner id for slot releases).
type Signal struct {
	Topic string
	Value uint64
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	topics []string
	ch     chan Signal
	closed atomic.Bool
}

// matches checks if the topic matches this subscription's filter.
func (s *subscription) matches(topic string) bool {
	// empty = all topics
	if len(s.topics) == 0 {
		return true
	}

	for _, t := range s.topics {
		if t == topic {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends a signal to all matching subscribers (non-blocking).
func (h *Hub) Signal(topic string, value uint64) {
	signal := Signal{
		Topic: topic,
		Value: value,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(topic) {
			continue
		}

		select {
		case sub.ch <- signal:
		default:
		}
	}
}

// Subscribe creates a new subscription for the given topics (all topics when
// none are given) and returns the signal channel and an idempotent cancel
// function.
func (h *Hub) Subscribe(topics ...string) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		topics: topics,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
