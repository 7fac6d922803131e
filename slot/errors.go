package slot

import (
	"errors"
	"fmt"

	"github.com/maxpert/slotkeeper/wal"
)

var (
	ErrSlotNotFound     = errors.New("replication slot does not exist")
	ErrSlotExists       = errors.New("replication slot already exists")
	ErrSlotActive       = errors.New("replication slot is active")
	ErrInvalidName      = errors.New("invalid replication slot name")
	ErrDurability       = errors.New("could not persist replication slot")
	ErrRecoveryConflict = errors.New("recovery conflict with logical decoding")
)

// ActiveError is returned when a slot is already owned by another session
type ActiveError struct {
	Slot  string
	Owner OwnerID
}

func (e *ActiveError) Error() string {
	return fmt.Sprintf("replication slot %q is active for owner %d", e.Slot, e.Owner)
}

func (e *ActiveError) Is(target error) bool {
	return target == ErrSlotActive
}

// DurabilityError wraps a failed slot write. The in-memory state that could
// not be written was never exposed as enforced.
type DurabilityError struct {
	Slot string
	Err  error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("could not persist replication slot %q: %v", e.Slot, e.Err)
}

func (e *DurabilityError) Unwrap() error {
	return e.Err
}

func (e *DurabilityError) Is(target error) bool {
	return target == ErrDurability
}

// ConflictError is delivered to the owner of a slot whose catalog xmin has
// been overtaken by the catalog xmin applied in recovery
type ConflictError struct {
	Slot        string
	Owner       OwnerID
	CatalogXmin wal.XID
	Horizon     wal.XID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("owner %d requires catalog_xmin %s for replication slot %q but the primary has removed catalogs up to xid %s",
		e.Owner, e.CatalogXmin, e.Slot, e.Horizon)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRecoveryConflict
}
