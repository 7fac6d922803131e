package slot

import (
	"sort"
	"sync"

	"github.com/maxpert/slotkeeper/horizon"
)

// Store persists slot records. SaveSlot must be durable when it returns.
type Store interface {
	LoadSlots() ([]PersistentData, error)
	SaveSlot(PersistentData) error
	DeleteSlot(name string) error
}

// MemoryStore is an in-memory Store and horizon.Store. Failures can be
// injected to exercise durability paths.
type MemoryStore struct {
	mu      sync.Mutex
	slots   map[string]PersistentData
	horizon horizon.State
	saveErr error
	saves   int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]PersistentData)}
}

func (m *MemoryStore) LoadSlots() ([]PersistentData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PersistentData, 0, len(m.slots))
	for _, d := range m.slots {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) SaveSlot(d PersistentData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	m.slots[d.Name] = d
	m.saves++
	return nil
}

func (m *MemoryStore) DeleteSlot(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, name)
	return nil
}

func (m *MemoryStore) LoadHorizon() (horizon.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.horizon, nil
}

func (m *MemoryStore) SaveHorizon(s horizon.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	m.horizon = s
	return nil
}

// FailSaves makes every subsequent save return err; nil restores success.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

// Saved returns the last durable copy of a slot.
func (m *MemoryStore) Saved(name string) (PersistentData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.slots[name]
	return d, ok
}

// Saves returns the number of successful slot writes.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
