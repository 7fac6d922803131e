// Package horizon tracks the installation-wide transaction horizons: the set
// of running transactions, the next transaction id, the catalog xmin required
// by replication slots, and the oldest catalog xmin that garbage collection
// has been allowed to advance to.
//
// On a primary the oldest catalog xmin follows the slots' requirement. On a
// standby it is applied from the primary and may overtake what local slots
// still need; the recovery package resolves that conflict.
package horizon

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/slotkeeper/wal"
	"github.com/rs/zerolog/log"
)

// xidPrefetch is how many transaction ids are reserved per durable write of
// the next-id limit. After a crash ids resume at the reserved limit.
const xidPrefetch = 1024

var (
	// ErrInRecovery is returned for operations only a primary may perform.
	ErrInRecovery = errors.New("recovery is in progress")
	// ErrNotInRecovery is returned for operations only a standby may perform.
	ErrNotInRecovery = errors.New("not in recovery")
)

// State is the durable part of the horizon.
type State struct {
	OldestCatalogXmin wal.XID `msgpack:"oldest_catalog_xmin"`
	NextXIDLimit      wal.XID `msgpack:"next_xid_limit"`
}

// Store persists the horizon State.
type Store interface {
	LoadHorizon() (State, error)
	SaveHorizon(State) error
}

// Horizon is safe for concurrent use.
type Horizon struct {
	mu    sync.Mutex
	store Store

	nextXID  wal.XID
	xidLimit wal.XID
	running  map[wal.XID]struct{}

	// catalog xmin required by all replication slots
	slotCatalogXmin wal.XID
	// oldest catalog xmin that may still be present
	oldestCatalogXmin wal.XID

	inRecovery bool
}

// New loads the horizon from store. A standby starts in recovery.
func New(store Store, inRecovery bool) (*Horizon, error) {
	st, err := store.LoadHorizon()
	if err != nil {
		return nil, fmt.Errorf("failed to load horizon: %w", err)
	}

	next := st.NextXIDLimit
	if !next.IsNormal() {
		next = wal.FirstNormalXID
	}

	h := &Horizon{
		store:             store,
		nextXID:           next,
		xidLimit:          next,
		running:           make(map[wal.XID]struct{}),
		oldestCatalogXmin: st.OldestCatalogXmin,
		inRecovery:        inRecovery,
	}

	log.Info().
		Stringer("next_xid", h.nextXID).
		Stringer("oldest_catalog_xmin", h.oldestCatalogXmin).
		Bool("in_recovery", inRecovery).
		Msg("Loaded transaction horizon")

	return h, nil
}

// AssignXID hands out the next transaction id and marks it running.
func (h *Horizon) AssignXID() (wal.XID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inRecovery {
		return wal.InvalidXID, fmt.Errorf("cannot assign transaction ids: %w", ErrInRecovery)
	}

	if h.nextXID == h.xidLimit {
		limit := h.xidLimit
		for i := 0; i < xidPrefetch; i++ {
			limit = limit.Next()
		}
		if err := h.saveLocked(h.oldestCatalogXmin, limit); err != nil {
			return wal.InvalidXID, err
		}
		h.xidLimit = limit
	}

	xid := h.nextXID
	h.nextXID = xid.Next()
	h.running[xid] = struct{}{}
	return xid, nil
}

// EndXID removes xid from the running set.
func (h *Horizon) EndXID(xid wal.XID) {
	h.mu.Lock()
	delete(h.running, xid)
	h.mu.Unlock()
}

// RunningSnapshot returns the oldest running id, the next id to be assigned,
// and the running set in assignment order. With nothing running the oldest is
// the next id.
func (h *Horizon) RunningSnapshot() (oldest, next wal.XID, running []wal.XID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	running = make([]wal.XID, 0, len(h.running))
	for xid := range h.running {
		running = append(running, xid)
	}
	sort.Slice(running, func(i, j int) bool { return running[i].Precedes(running[j]) })

	oldest = h.nextXID
	if len(running) > 0 {
		oldest = running[0]
	}
	return oldest, h.nextXID, running
}

// oldestSafeDecodingXIDLocked is the oldest id whose catalog rows are still
// guaranteed to be present: nothing older than the next id, the slots'
// requirement, or any running transaction has been removed.
func (h *Horizon) oldestSafeDecodingXIDLocked() wal.XID {
	safe := h.nextXID

	if h.slotCatalogXmin.IsValid() && h.slotCatalogXmin.Precedes(safe) {
		safe = h.slotCatalogXmin
	}
	for xid := range h.running {
		if xid.Precedes(safe) {
			safe = xid
		}
	}
	return safe
}

// OldestSafeDecodingXID returns the oldest transaction id a new slot can
// safely start decoding from.
func (h *Horizon) OldestSafeDecodingXID() wal.XID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.oldestSafeDecodingXIDLocked()
}

// InstallSlotXmin calls install with the oldest safe decoding id while holding
// the horizon lock, so no concurrent horizon update can remove the catalog
// rows between computing the id and the slot publishing it. install must not
// call back into the Horizon.
func (h *Horizon) InstallSlotXmin(install func(safe wal.XID)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	install(h.oldestSafeDecodingXIDLocked())
}

// RequiredCatalogXmin returns the catalog xmin garbage collection must keep.
func (h *Horizon) RequiredCatalogXmin() wal.XID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slotCatalogXmin
}

// SetRequiredCatalogXmin publishes the slots' combined catalog xmin. On a
// primary the oldest catalog xmin follows a valid requirement forward; with
// no requirement nothing is recorded, leaving the first record to
// EnsureOldestCatalogXmin.
func (h *Horizon) SetRequiredCatalogXmin(xmin wal.XID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.slotCatalogXmin = xmin
	if h.inRecovery || !xmin.IsValid() {
		return nil
	}
	return h.updateOldestCatalogXminLocked()
}

// updateOldestCatalogXminLocked advances the oldest catalog xmin to the
// slots' requirement, or to the oldest safe decoding id when no slot requires
// anything. Running transactions older than the requirement hold it back so
// a slot created later never starts behind it.
func (h *Horizon) updateOldestCatalogXminLocked() error {
	target := h.slotCatalogXmin
	if target.IsValid() {
		for xid := range h.running {
			if xid.Precedes(target) {
				target = xid
			}
		}
	} else {
		target = h.oldestSafeDecodingXIDLocked()
	}
	if h.oldestCatalogXmin.IsValid() && !target.Follows(h.oldestCatalogXmin) {
		return nil
	}

	if err := h.saveLocked(target, h.xidLimit); err != nil {
		return err
	}
	log.Debug().
		Stringer("from", h.oldestCatalogXmin).
		Stringer("to", target).
		Msg("Advanced oldest catalog xmin")
	h.oldestCatalogXmin = target
	return nil
}

// OldestCatalogXmin returns the installation-wide oldest catalog xmin.
func (h *Horizon) OldestCatalogXmin() wal.XID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.oldestCatalogXmin
}

// EnsureOldestCatalogXmin records an oldest catalog xmin on a primary that has
// never recorded one. It is a no-op in recovery or when one already exists.
func (h *Horizon) EnsureOldestCatalogXmin() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inRecovery || h.oldestCatalogXmin.IsValid() {
		return nil
	}
	return h.updateOldestCatalogXminLocked()
}

// ApplyOldestCatalogXmin installs the oldest catalog xmin decided by the
// primary. It is only valid in recovery.
func (h *Horizon) ApplyOldestCatalogXmin(xmin wal.XID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.inRecovery {
		return fmt.Errorf("catalog xmin can only be applied in recovery: %w", ErrNotInRecovery)
	}
	if err := h.saveLocked(xmin, h.xidLimit); err != nil {
		return err
	}
	h.oldestCatalogXmin = xmin
	return nil
}

// InRecovery reports whether the installation is a standby.
func (h *Horizon) InRecovery() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inRecovery
}

// Promote ends recovery. The oldest catalog xmin applied from the old primary
// is kept; from now on it follows local slots.
func (h *Horizon) Promote() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.inRecovery {
		return ErrNotInRecovery
	}
	h.inRecovery = false
	log.Info().Stringer("oldest_catalog_xmin", h.oldestCatalogXmin).Msg("Promoted to primary")
	return nil
}

func (h *Horizon) saveLocked(oldest, limit wal.XID) error {
	if err := h.store.SaveHorizon(State{OldestCatalogXmin: oldest, NextXIDLimit: limit}); err != nil {
		return fmt.Errorf("failed to persist horizon: %w", err)
	}
	return nil
}
