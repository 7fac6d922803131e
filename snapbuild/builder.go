// Package snapbuild decides when a decoding session has seen enough of the
// WAL to decode every later transaction in full.
package snapbuild

import (
	"github.com/maxpert/slotkeeper/wal"
	"github.com/rs/zerolog/log"
)

// State is the progress of the builder towards consistency.
type State int

const (
	// Initial waits for the first usable running-transactions record.
	Initial State = iota
	// CatchingUp waits for the transactions running at that record to end.
	CatchingUp
	// Consistent decodes every transaction that commits from here on.
	Consistent
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case CatchingUp:
		return "catching up"
	case Consistent:
		return "consistent"
	default:
		return "unknown"
	}
}

// Builder is owned by one decoding session.
type Builder struct {
	state State

	// running-transactions records older than this are ignored
	xminHorizon wal.XID

	waitFor     map[wal.XID]struct{}
	nextPhaseAt wal.XID
}

// New creates a builder. A session resuming from a restart position that
// was chosen while consistent may start out consistent.
func New(xminHorizon wal.XID, consistent bool) *Builder {
	b := &Builder{xminHorizon: xminHorizon}
	if consistent {
		b.state = Consistent
	}
	return b
}

func (b *Builder) State() State {
	return b.state
}

func (b *Builder) IsConsistent() bool {
	return b.state == Consistent
}

// ProcessRunningXacts feeds a running-transactions record and reports
// whether the builder became consistent because of it.
func (b *Builder) ProcessRunningXacts(rec *wal.Record) bool {
	switch b.state {
	case Initial:
		if b.xminHorizon.IsValid() && rec.OldestRunningXID.IsValid() && rec.OldestRunningXID.Precedes(b.xminHorizon) {
			log.Debug().
				Str("lsn", rec.LSN.String()).
				Str("oldest_running", rec.OldestRunningXID.String()).
				Str("xmin_horizon", b.xminHorizon.String()).
				Msg("skipping snapshot, running transactions older than the xmin horizon")
			return false
		}

		if len(rec.Running) == 0 {
			log.Info().Str("lsn", rec.LSN.String()).Msg("found initial snapshot, there are no running transactions")
			return b.becomeConsistent()
		}

		b.state = CatchingUp
		b.nextPhaseAt = rec.NextXID
		b.waitFor = make(map[wal.XID]struct{}, len(rec.Running))
		for _, xid := range rec.Running {
			b.waitFor[xid] = struct{}{}
		}
		log.Info().
			Str("lsn", rec.LSN.String()).
			Int("running", len(rec.Running)).
			Str("next_xid", rec.NextXID.String()).
			Msg("found initial starting point, waiting for transactions to finish")
		return false

	case CatchingUp:
		if rec.OldestRunningXID.IsValid() && rec.OldestRunningXID.FollowsOrEquals(b.nextPhaseAt) {
			return b.becomeConsistent()
		}

		// Anything no longer listed ended without a record we could see.
		still := make(map[wal.XID]struct{}, len(rec.Running))
		for _, xid := range rec.Running {
			still[xid] = struct{}{}
		}
		for xid := range b.waitFor {
			if _, ok := still[xid]; !ok {
				delete(b.waitFor, xid)
			}
		}
		if len(b.waitFor) == 0 {
			return b.becomeConsistent()
		}
	}
	return false
}

// TxnFinished records a commit or abort and reports whether the builder
// became consistent because of it.
func (b *Builder) TxnFinished(xid wal.XID) bool {
	if b.state != CatchingUp {
		return false
	}
	delete(b.waitFor, xid)
	if len(b.waitFor) == 0 {
		return b.becomeConsistent()
	}
	return false
}

func (b *Builder) becomeConsistent() bool {
	b.state = Consistent
	b.waitFor = nil
	return true
}
