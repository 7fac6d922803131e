// Package slot implements replication slots: durable per-consumer records of
// how much WAL and how many catalog row versions must be retained, and the
// candidate/confirm protocol that moves those marks forward as the consumer
// acknowledges what it has received.
package slot

import (
	"fmt"
	"sync"

	"github.com/maxpert/slotkeeper/wal"
)

// Kind distinguishes logical slots, which decode changes, from physical slots,
// which only retain WAL.
type Kind uint8

const (
	KindPhysical Kind = iota + 1
	KindLogical
)

func (k Kind) String() string {
	switch k {
	case KindPhysical:
		return "physical"
	case KindLogical:
		return "logical"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Persistency says whether a slot survives release and restart.
type Persistency uint8

const (
	Persistent Persistency = iota
	Ephemeral
)

func (p Persistency) String() string {
	if p == Ephemeral {
		return "ephemeral"
	}
	return "persistent"
}

// ParsePersistency parses "persistent" or "ephemeral".
func ParsePersistency(s string) (Persistency, error) {
	switch s {
	case "persistent", "":
		return Persistent, nil
	case "ephemeral":
		return Ephemeral, nil
	default:
		return Persistent, fmt.Errorf("unknown slot persistency %q", s)
	}
}

// OwnerID identifies a session that owns slots. Zero means no owner.
type OwnerID uint64

const NoOwner OwnerID = 0

// PersistentData is the durable part of a slot.
type PersistentData struct {
	Name           string      `msgpack:"name"`
	Kind           Kind        `msgpack:"kind"`
	Database       string      `msgpack:"database"`
	Persistency    Persistency `msgpack:"persistency"`
	Failover       bool        `msgpack:"failover"`
	CatalogXmin    wal.XID     `msgpack:"catalog_xmin"`
	RestartLSN     wal.LSN     `msgpack:"restart_lsn"`
	ConfirmedFlush wal.LSN     `msgpack:"confirmed_flush"`
	Plugin         string      `msgpack:"plugin"`
}

// track is one candidate/confirm state machine. It is either idle or pending
// a value that may be adopted once the consumer has confirmed validAt.
type track[T any] struct {
	pending bool
	value   T
	validAt wal.LSN
}

func (t *track[T]) set(value T, validAt wal.LSN) {
	t.pending = true
	t.value = value
	t.validAt = validAt
}

// ready reports whether the pending value may be adopted at confirmed.
func (t *track[T]) ready(confirmed wal.LSN) bool {
	return t.pending && t.validAt <= confirmed
}

func (t *track[T]) clear() {
	var zero T
	t.pending = false
	t.value = zero
	t.validAt = wal.InvalidLSN
}

// Slot is one replication slot. All mutable fields are guarded by mu, which
// is never held across I/O.
type Slot struct {
	mu   sync.Mutex
	data PersistentData

	// catalog xmin garbage collection honours; trails data.CatalogXmin
	// until the latter is durable
	effectiveCatalogXmin wal.XID
	// restart position WAL truncation honours; trails data.RestartLSN
	// the same way
	effectiveRestartLSN wal.LSN

	activeOwner OwnerID
	inUse       bool
	dirty       bool

	xmin    track[wal.XID]
	restart track[wal.LSN]

	// serializes writes of this slot
	ioMu sync.Mutex
}

func newSlot(data PersistentData) *Slot {
	return &Slot{
		data:                 data,
		effectiveCatalogXmin: data.CatalogXmin,
		effectiveRestartLSN:  data.RestartLSN,
		inUse:                true,
	}
}

// State is a consistent copy of a slot's fields.
type State struct {
	PersistentData

	EffectiveCatalogXmin  wal.XID
	EffectiveRestartLSN   wal.LSN
	ActiveOwner           OwnerID
	CandidateCatalogXmin  wal.XID
	CandidateXminLSN      wal.LSN
	CandidateRestartLSN   wal.LSN
	CandidateRestartValid wal.LSN
	Dirty                 bool
}

// Name never changes.
func (s *Slot) Name() string {
	return s.data.Name
}

// State returns a copy of the slot's fields.
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		PersistentData:        s.data,
		EffectiveCatalogXmin:  s.effectiveCatalogXmin,
		EffectiveRestartLSN:   s.effectiveRestartLSN,
		ActiveOwner:           s.activeOwner,
		CandidateCatalogXmin:  s.xmin.value,
		CandidateXminLSN:      s.xmin.validAt,
		CandidateRestartLSN:   s.restart.value,
		CandidateRestartValid: s.restart.validAt,
		Dirty:                 s.dirty,
	}
}

// IsLogical reports whether the slot decodes changes.
func (s *Slot) IsLogical() bool {
	return s.data.Kind == KindLogical
}

// ActiveOwner returns the owning session, or NoOwner.
func (s *Slot) ActiveOwner() OwnerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeOwner
}

// EffectiveCatalogXmin returns the catalog xmin garbage collection honours.
func (s *Slot) EffectiveCatalogXmin() wal.XID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveCatalogXmin
}

// SetPlugin records the output plugin of a logical slot.
func (s *Slot) SetPlugin(plugin string) {
	s.mu.Lock()
	s.data.Plugin = plugin
	s.dirty = true
	s.mu.Unlock()
}

// SetRestartLSN reserves WAL for a slot that is still being initialized.
// The reservation is enforced at once. It may be called again until the
// catalog xmin is set.
func (s *Slot) SetRestartLSN(lsn wal.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.CatalogXmin.IsValid() {
		return fmt.Errorf("replication slot %q already reserves WAL from %s", s.data.Name, s.data.RestartLSN)
	}
	s.data.RestartLSN = lsn
	s.effectiveRestartLSN = lsn
	s.dirty = true
	return nil
}

// InitCatalogXmin sets both the durable and the enforced catalog xmin of a
// newly created slot. The caller must hold the horizon lock so the rows
// cannot be removed before the value is published.
func (s *Slot) InitCatalogXmin(xmin wal.XID) {
	s.mu.Lock()
	s.effectiveCatalogXmin = xmin
	s.data.CatalogXmin = xmin
	s.dirty = true
	s.mu.Unlock()
}

// Describe renders the slot as an update record descriptor.
func (d PersistentData) Describe() string {
	return fmt.Sprintf("UPDATE of slot %s with restart %s and xid %s confirmed to %s",
		d.Name, d.RestartLSN, d.CatalogXmin, d.ConfirmedFlush)
}

// DescribeDrop renders a drop record descriptor.
func DescribeDrop(name string) string {
	return "DROP of slot " + name
}
