// Package recovery resolves conflicts between decoding sessions on a standby
// and the catalog horizon applied from the primary.
package recovery

import (
	"context"
	"time"

	"github.com/maxpert/slotkeeper/horizon"
	"github.com/maxpert/slotkeeper/slot"
	"github.com/maxpert/slotkeeper/telemetry"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/rs/zerolog/log"
)

// DefaultSignalInterval bounds how often a conflicting session is signalled.
const DefaultSignalInterval = 10 * time.Millisecond

// ConflictResolver terminates decoding sessions whose slots need catalog
// rows the primary has removed.
type ConflictResolver struct {
	slots   *slot.Manager
	horizon *horizon.Horizon

	// negative waits for the session forever
	maxDelay       time.Duration
	signalInterval time.Duration
}

func NewConflictResolver(slots *slot.Manager, h *horizon.Horizon, maxDelay, signalInterval time.Duration) *ConflictResolver {
	if signalInterval <= 0 {
		signalInterval = DefaultSignalInterval
	}
	return &ConflictResolver{
		slots:          slots,
		horizon:        h,
		maxDelay:       maxDelay,
		signalInterval: signalInterval,
	}
}

// ApplyCatalogXmin installs the oldest catalog xmin decided by the primary
// and then resolves the conflicts it causes.
func (r *ConflictResolver) ApplyCatalogXmin(ctx context.Context, xmin wal.XID) error {
	if err := r.horizon.ApplyOldestCatalogXmin(xmin); err != nil {
		return err
	}
	return r.Resolve(ctx, xmin)
}

// Resolve waits until no active logical slot has an enforced catalog xmin
// older than xmin. Sessions still using such a slot after the maximum delay
// are signalled until they let go of it. An invalid xmin conflicts with
// every active slot. Resolve does nothing outside recovery.
func (r *ConflictResolver) Resolve(ctx context.Context, xmin wal.XID) error {
	if !r.horizon.InRecovery() {
		return nil
	}

	for _, s := range r.slots.List() {
		if err := r.resolveSlot(ctx, s, xmin); err != nil {
			return err
		}
	}
	return nil
}

func (r *ConflictResolver) resolveSlot(ctx context.Context, s *slot.Slot, xmin wal.XID) error {
	// Releases are announced; anything else is re-checked on a timer.
	released, cancel := r.slots.Subscribe()
	defer cancel()

	owner, effective, ok := conflicts(s, xmin)
	if !ok {
		return nil
	}
	telemetry.RecoveryConflictsTotal.Inc()

	var wait <-chan time.Time
	if r.maxDelay >= 0 {
		timer := time.NewTimer(r.maxDelay)
		defer timer.Stop()
		wait = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-released:
		case <-wait:
			log.Info().
				Uint64("owner", uint64(owner)).
				Str("slot", s.Name()).
				Stringer("catalog_xmin", effective).
				Stringer("removed_xid", xmin).
				Msg("terminating logical decoding session due to recovery conflict")

			// The owner may be gone already; sessions tolerate spurious
			// signals.
			r.slots.SignalOwner(owner, &slot.ConflictError{
				Slot:        s.Name(),
				Owner:       owner,
				CatalogXmin: effective,
				Horizon:     xmin,
			})
			telemetry.RecoverySignalsTotal.Inc()
			wait = time.After(r.signalInterval)
		}

		owner, effective, ok = conflicts(s, xmin)
		if !ok {
			return nil
		}
	}
}

// conflicts reports the owner and enforced catalog xmin of s if it is an
// active logical slot that needs rows older than xmin.
func conflicts(s *slot.Slot, xmin wal.XID) (slot.OwnerID, wal.XID, bool) {
	if !s.IsLogical() {
		return slot.NoOwner, wal.InvalidXID, false
	}
	st := s.State()
	if st.ActiveOwner == slot.NoOwner || !st.EffectiveCatalogXmin.IsValid() {
		return slot.NoOwner, wal.InvalidXID, false
	}
	if xmin.IsValid() && !st.EffectiveCatalogXmin.Precedes(xmin) {
		return slot.NoOwner, wal.InvalidXID, false
	}
	return st.ActiveOwner, st.EffectiveCatalogXmin, true
}
