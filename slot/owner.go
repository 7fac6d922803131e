package slot

import "sync"

// Owner is a session that can own slots. Other goroutines interrupt it by
// posting an error; the owner picks it up at its next safe point.
type Owner struct {
	id OwnerID

	mu      sync.Mutex
	pending error
	signal  chan struct{}
}

func newOwner(id OwnerID) *Owner {
	return &Owner{id: id, signal: make(chan struct{}, 1)}
}

// ID returns the owner's identity.
func (o *Owner) ID() OwnerID {
	return o.id
}

// Interrupts is readable whenever an interrupt may be pending.
func (o *Owner) Interrupts() <-chan struct{} {
	return o.signal
}

// TakeInterrupt returns and clears the pending interrupt, if any.
func (o *Owner) TakeInterrupt() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.pending
	o.pending = nil
	return err
}

func (o *Owner) interrupt(err error) {
	o.mu.Lock()
	o.pending = err
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}
