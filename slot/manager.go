package slot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/slotkeeper/horizon"
	"github.com/maxpert/slotkeeper/notify"
	"github.com/maxpert/slotkeeper/telemetry"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// TopicRelease is signalled whenever a slot loses its owner. The value is the
// previous owner.
const TopicRelease = "slot.release"

// Hooks receive the installation-wide requirements after they are recomputed.
type Hooks struct {
	// RequiredXmin gets the oldest enforced catalog xmin over all slots, or
	// InvalidXID when no slot requires one.
	RequiredXmin func(wal.XID) error
	// RequiredLSN gets the oldest restart position over all slots, or
	// InvalidLSN when no slot retains WAL.
	RequiredLSN func(wal.LSN) error
}

// CreateOptions describes a new slot.
type CreateOptions struct {
	Name        string
	Kind        Kind
	Database    string
	Persistency Persistency
	Failover    bool
}

// Manager owns the slot table.
type Manager struct {
	store Store
	hooks Hooks
	hub   *notify.Hub

	slots  *xsync.MapOf[string, *Slot]
	owners *xsync.MapOf[OwnerID, *Owner]

	nextOwner atomic.Uint64

	// serializes create and drop
	ddlMu sync.Mutex
	// serializes computing requirements with publishing them
	requiredMu sync.Mutex
}

// NewManager creates an empty manager. Call Open to load persisted slots.
func NewManager(store Store, hooks Hooks) *Manager {
	return &Manager{
		store:  store,
		hooks:  hooks,
		hub:    notify.NewHub(),
		slots:  xsync.NewMapOf[string, *Slot](),
		owners: xsync.NewMapOf[OwnerID, *Owner](),
	}
}

// Open loads persisted slots. Enforced catalog xmins restart from their
// durable values; ephemeral slots do not survive a restart.
func (m *Manager) Open() error {
	records, err := m.store.LoadSlots()
	if err != nil {
		return fmt.Errorf("failed to load replication slots: %w", err)
	}

	for _, d := range records {
		if d.Persistency == Ephemeral {
			if err := m.store.DeleteSlot(d.Name); err != nil {
				return fmt.Errorf("failed to remove ephemeral slot %q: %w", d.Name, err)
			}
			continue
		}
		m.slots.Store(d.Name, newSlot(d))
		log.Info().
			Str("slot", d.Name).
			Stringer("restart_lsn", d.RestartLSN).
			Stringer("confirmed_flush", d.ConfirmedFlush).
			Stringer("catalog_xmin", d.CatalogXmin).
			Msg("Loaded replication slot")
	}

	if err := m.ComputeRequiredXmin(); err != nil {
		return err
	}
	return m.ComputeRequiredLSN()
}

// Create registers a new slot owned by owner. Persistent slots are durable
// before Create returns.
func (m *Manager) Create(opts CreateOptions, owner OwnerID) (*Slot, error) {
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}
	if opts.Kind == 0 {
		opts.Kind = KindLogical
	}

	m.ddlMu.Lock()
	defer m.ddlMu.Unlock()

	if _, exists := m.slots.Load(opts.Name); exists {
		return nil, fmt.Errorf("%w: %q", ErrSlotExists, opts.Name)
	}

	s := newSlot(PersistentData{
		Name:        opts.Name,
		Kind:        opts.Kind,
		Database:    opts.Database,
		Persistency: opts.Persistency,
		Failover:    opts.Failover,
	})
	s.activeOwner = owner
	s.dirty = true

	if opts.Persistency == Persistent {
		if err := m.store.SaveSlot(s.data); err != nil {
			return nil, &DurabilityError{Slot: opts.Name, Err: err}
		}
		s.dirty = false
	}
	m.slots.Store(opts.Name, s)

	log.Info().
		Str("slot", opts.Name).
		Stringer("kind", opts.Kind).
		Stringer("persistency", opts.Persistency).
		Uint64("owner", uint64(owner)).
		Msg("Created replication slot")

	return s, nil
}

// Get returns the named slot.
func (m *Manager) Get(name string) (*Slot, error) {
	s, ok := m.slots.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSlotNotFound, name)
	}
	return s, nil
}

// List returns all slots ordered by name.
func (m *Manager) List() []*Slot {
	var out []*Slot
	m.slots.Range(func(_ string, s *Slot) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Acquire makes owner the active owner of the named slot. A slot owned by a
// different session is left untouched.
func (m *Manager) Acquire(name string, owner OwnerID) (*Slot, error) {
	s, err := m.Get(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inUse {
		return nil, fmt.Errorf("%w: %q", ErrSlotNotFound, name)
	}
	if s.activeOwner != NoOwner && s.activeOwner != owner {
		return nil, &ActiveError{Slot: name, Owner: s.activeOwner}
	}
	s.activeOwner = owner
	return s, nil
}

// Release gives up ownership. Ephemeral slots are dropped; persistent ones are
// flushed if dirty.
func (m *Manager) Release(s *Slot, owner OwnerID) error {
	s.mu.Lock()
	if s.activeOwner != owner {
		s.mu.Unlock()
		return fmt.Errorf("replication slot %q is not owned by %d", s.Name(), owner)
	}
	s.activeOwner = NoOwner
	persistency := s.data.Persistency
	s.mu.Unlock()

	m.hub.Signal(TopicRelease, uint64(owner))

	if persistency == Ephemeral {
		return m.Drop(s.Name(), NoOwner)
	}
	return m.Save(s)
}

// Drop removes a slot. It fails if another session owns the slot.
func (m *Manager) Drop(name string, owner OwnerID) error {
	m.ddlMu.Lock()
	defer m.ddlMu.Unlock()

	s, err := m.Get(name)
	if err != nil {
		return err
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	if s.activeOwner != NoOwner && s.activeOwner != owner {
		active := s.activeOwner
		s.mu.Unlock()
		return &ActiveError{Slot: name, Owner: active}
	}
	persistency := s.data.Persistency
	s.mu.Unlock()

	if persistency == Persistent {
		if err := m.store.DeleteSlot(name); err != nil {
			return &DurabilityError{Slot: name, Err: err}
		}
	}

	s.mu.Lock()
	s.inUse = false
	s.activeOwner = NoOwner
	s.mu.Unlock()
	m.slots.Delete(name)

	log.Info().Str("slot", name).Msg(DescribeDrop(name))

	if err := m.ComputeRequiredXmin(); err != nil {
		return err
	}
	return m.ComputeRequiredLSN()
}

// Persist turns an ephemeral slot into a persistent one.
func (m *Manager) Persist(s *Slot) error {
	s.mu.Lock()
	s.data.Persistency = Persistent
	s.dirty = true
	s.mu.Unlock()

	return m.Save(s)
}

// MarkDirty flags the slot for the next Save or CheckPoint.
func (m *Manager) MarkDirty(s *Slot) {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Save writes a dirty slot. The snapshot is taken under the slot lock and
// written outside it. A failed write leaves the slot dirty.
func (m *Manager) Save(s *Slot) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	if !s.inUse || !s.dirty {
		s.mu.Unlock()
		return nil
	}
	data := s.data
	s.dirty = false
	s.mu.Unlock()

	if data.Persistency == Ephemeral {
		return nil
	}

	start := time.Now()
	err := m.store.SaveSlot(data)
	telemetry.SlotSaveSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.SlotSaveFailuresTotal.Inc()
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return &DurabilityError{Slot: data.Name, Err: err}
	}

	log.Debug().Str("slot", data.Name).Msg(data.Describe())
	return nil
}

// CheckPoint saves every dirty slot.
func (m *Manager) CheckPoint() error {
	var errs []error
	for _, s := range m.List() {
		if err := m.Save(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunCheckpointer saves dirty slots every interval until ctx is done, then
// saves once more.
func (m *Manager) RunCheckpointer(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.CheckPoint()
		case <-ticker.C:
			if err := m.CheckPoint(); err != nil {
				log.Warn().Err(err).Msg("Slot checkpoint failed")
			}
		}
	}
}

// ComputeRequiredXmin recomputes the oldest enforced catalog xmin of all
// slots and hands it to the RequiredXmin hook.
func (m *Manager) ComputeRequiredXmin() error {
	m.requiredMu.Lock()
	defer m.requiredMu.Unlock()
	return m.computeRequiredXminLocked()
}

// InstallCatalogXmin gives a new slot the oldest safe decoding id of h as its
// catalog xmin and publishes the combined requirement. Both happen under the
// same lock that serializes every other publication, so a concurrent
// recomputation cannot hand h a requirement that ignores the new slot after
// the slot has been installed.
func (m *Manager) InstallCatalogXmin(s *Slot, h *horizon.Horizon) error {
	m.requiredMu.Lock()
	defer m.requiredMu.Unlock()

	h.InstallSlotXmin(func(safe wal.XID) {
		s.InitCatalogXmin(safe)
	})
	return m.computeRequiredXminLocked()
}

func (m *Manager) computeRequiredXminLocked() error {
	required := wal.InvalidXID
	m.slots.Range(func(_ string, s *Slot) bool {
		s.mu.Lock()
		xmin, inUse := s.effectiveCatalogXmin, s.inUse
		s.mu.Unlock()

		if inUse && xmin.IsValid() && (!required.IsValid() || xmin.Precedes(required)) {
			required = xmin
		}
		return true
	})

	if m.hooks.RequiredXmin == nil {
		return nil
	}
	return m.hooks.RequiredXmin(required)
}

// ComputeRequiredLSN recomputes the oldest enforced restart position of all
// slots and hands it to the RequiredLSN hook.
func (m *Manager) ComputeRequiredLSN() error {
	m.requiredMu.Lock()
	defer m.requiredMu.Unlock()

	required := wal.InvalidLSN
	m.slots.Range(func(_ string, s *Slot) bool {
		s.mu.Lock()
		lsn, inUse := s.effectiveRestartLSN, s.inUse
		s.mu.Unlock()

		if inUse && lsn.IsValid() && (!required.IsValid() || lsn < required) {
			required = lsn
		}
		return true
	})

	if m.hooks.RequiredLSN == nil {
		return nil
	}
	return m.hooks.RequiredLSN(required)
}

// NewOwner registers a new session identity.
func (m *Manager) NewOwner() *Owner {
	o := newOwner(OwnerID(m.nextOwner.Add(1)))
	m.owners.Store(o.id, o)
	return o
}

// RemoveOwner forgets an owner. Slots it still owns are not released.
func (m *Manager) RemoveOwner(o *Owner) {
	m.owners.Delete(o.id)
}

// SignalOwner interrupts the owner with err. Unknown owners are ignored; the
// owner may have gone away since it was looked up.
func (m *Manager) SignalOwner(id OwnerID, err error) bool {
	o, ok := m.owners.Load(id)
	if !ok {
		return false
	}
	o.interrupt(err)
	return true
}

// Subscribe returns release events.
func (m *Manager) Subscribe() (<-chan notify.Signal, func()) {
	return m.hub.Subscribe(TopicRelease)
}

// SlotStats implements telemetry.SlotLister.
func (m *Manager) SlotStats() []telemetry.SlotStats {
	slots := m.List()
	out := make([]telemetry.SlotStats, 0, len(slots))
	for _, s := range slots {
		st := s.State()
		out = append(out, telemetry.SlotStats{
			Name:                 st.Name,
			Active:               st.ActiveOwner != NoOwner,
			ConfirmedLSN:         uint64(st.ConfirmedFlush),
			RestartLSN:           uint64(st.EffectiveRestartLSN),
			EffectiveCatalogXmin: uint32(st.EffectiveCatalogXmin),
		})
	}
	return out
}
