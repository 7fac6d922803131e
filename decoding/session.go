package decoding

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/slotkeeper/reorder"
	"github.com/maxpert/slotkeeper/slot"
	"github.com/maxpert/slotkeeper/snapbuild"
	"github.com/maxpert/slotkeeper/telemetry"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/rs/zerolog/log"
)

// Session decodes one slot. It is owned by a single goroutine.
type Session struct {
	engine     *Engine
	slot       *slot.Slot
	owner      *slot.Owner
	pluginName string
	dispatch   *dispatcher
	outputType OutputType

	reader  wal.Reader
	buffer  *reorder.Buffer
	builder *snapbuild.Builder

	// commits starting before this position were already confirmed
	startLSN wal.LSN
	// position of the next read; invalid continues after the last record
	readFrom wal.LSN

	startupDone bool
	closed      bool
	// first error that made the session unusable
	failed error
}

// Slot returns the slot being decoded.
func (s *Session) Slot() *slot.Slot {
	return s.slot
}

// Plugin returns the output plugin's name.
func (s *Session) Plugin() string {
	return s.pluginName
}

// OutputType is the output type the plugin declared in startup.
func (s *Session) OutputType() OutputType {
	return s.outputType
}

// StartLSN is the position commits have to start at to be delivered.
func (s *Session) StartLSN() wal.LSN {
	return s.startLSN
}

// IsConsistent reports whether every transaction committing from here on
// will be delivered in full.
func (s *Session) IsConsistent() bool {
	return s.builder != nil && s.builder.IsConsistent()
}

// ReadPosition returns the end of the last record read. Everything before
// it has been delivered once no output is pending.
func (s *Session) ReadPosition() wal.LSN {
	if s.reader == nil {
		return wal.InvalidLSN
	}
	return s.reader.EndRecPtr()
}

// FindConsistentStartPoint reads the WAL without delivering anything until
// the session is consistent, then confirms the position after the record
// that made it so. It blocks while waiting for WAL.
func (s *Session) FindConsistentStartPoint(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}

	for !s.builder.IsConsistent() {
		rec, err := s.readNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return s.fail(err)
		}
		if err := s.ProcessRecord(rec); err != nil {
			return err
		}
	}

	end := s.reader.EndRecPtr()
	if !end.IsValid() {
		// started out consistent
		return nil
	}

	s.startLSN = wal.MaxLSN(s.startLSN, end)
	if err := s.engine.slots.ConfirmReceived(s.slot, end); err != nil {
		return s.fail(err)
	}
	s.engine.slots.MarkDirty(s.slot)
	if err := s.engine.slots.Save(s.slot); err != nil {
		return s.fail(err)
	}

	log.Info().
		Str("slot", s.slot.Name()).
		Stringer("lsn", end).
		Msg("Found consistent point for logical decoding")
	return nil
}

// Decode processes at most one record without blocking. It reports whether
// a record was processed.
func (s *Session) Decode() (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	if err := s.checkInterrupts(); err != nil {
		return false, s.fail(err)
	}

	rec, err := s.reader.ReadRecord(s.readFrom)
	if errors.Is(err, wal.ErrWouldBlock) {
		return false, nil
	}
	if err != nil {
		return false, s.fail(fmt.Errorf("could not read WAL for slot %q: %w", s.slot.Name(), err))
	}
	s.readFrom = wal.InvalidLSN

	if err := s.ProcessRecord(rec); err != nil {
		return false, err
	}
	return true, nil
}

// Stream decodes until ctx is done or an error occurs, waiting for new WAL
// when caught up. An interrupt from recovery ends it with a TerminatedError.
func (s *Session) Stream(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}

	for {
		rec, err := s.readNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return s.fail(err)
		}
		if err := s.ProcessRecord(rec); err != nil {
			return err
		}
	}
}

// ProcessRecord feeds one record to the session. Any error leaves the
// session unusable; the driver has to resume from the slot's confirmed
// position.
func (s *Session) ProcessRecord(rec *wal.Record) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.processRecord(rec); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) processRecord(rec *wal.Record) error {
	telemetry.RecordsDecodedTotal.With(rec.Kind.String()).Inc()

	switch rec.Kind {
	case wal.KindRunningXacts:
		s.builder.ProcessRunningXacts(rec)
		s.buffer.AbortOld(rec.OldestRunningXID)
		if s.builder.IsConsistent() {
			if err := s.proposeRetention(rec); err != nil {
				return err
			}
		}
		s.buffer.SetRestartPoint(rec.LSN)
		return nil

	case wal.KindInsert, wal.KindUpdate, wal.KindDelete:
		filtered, err := s.dispatch.filterByOrigin(rec.Origin)
		if err != nil || filtered {
			return err
		}
		s.buffer.QueueChange(rec)
		return nil

	case wal.KindMessage:
		filtered, err := s.dispatch.filterByOrigin(rec.Origin)
		if err != nil || filtered {
			return err
		}
		if rec.Transactional {
			s.buffer.QueueMessage(rec)
			return nil
		}
		if !s.builder.IsConsistent() || rec.LSN < s.startLSN {
			return nil
		}
		return s.dispatch.Message(nil, &reorder.Message{
			LSN:     rec.LSN,
			Prefix:  rec.Prefix,
			Payload: rec.Payload,
		})

	case wal.KindCommit:
		// decided before the commit can make the builder consistent
		replay := s.builder.IsConsistent() && rec.LSN >= s.startLSN
		if replay {
			filtered, err := s.dispatch.filterByOrigin(rec.Origin)
			if err != nil {
				return err
			}
			replay = !filtered
		}
		err := s.buffer.Commit(rec, s.dispatch, replay)
		s.builder.TxnFinished(rec.XID)
		return err

	case wal.KindAbort:
		s.buffer.Abort(rec.XID)
		s.builder.TxnFinished(rec.XID)
		return nil

	default:
		return fmt.Errorf("%w: unexpected %s record at %s", wal.ErrCorruptRecord, rec.Kind, rec.LSN)
	}
}

// proposeRetention offers new retention bounds to the slot. Catalog rows
// older than any transaction still running are not needed any more, and
// decoding can restart from the running-transactions record preceding the
// oldest transaction still being reassembled.
func (s *Session) proposeRetention(rec *wal.Record) error {
	slots := s.engine.slots

	xmin := wal.OldestXID(s.buffer.OldestXID(), rec.OldestRunningXID)
	if xmin.IsValid() {
		if err := slots.ProposeCatalogXmin(s.slot, rec.LSN, xmin); err != nil {
			return err
		}
	}

	txn, ok := s.buffer.OldestTxn()
	switch {
	case !ok:
		return slots.ProposeRestartLSN(s.slot, rec.LSN, rec.LSN)
	case txn.RestartLSN.IsValid():
		return slots.ProposeRestartLSN(s.slot, rec.LSN, txn.RestartLSN)
	}
	return nil
}

// readNext blocks until a record is available, ctx is done or an
// interrupt is pending.
func (s *Session) readNext(ctx context.Context) (*wal.Record, error) {
	for {
		if err := s.checkInterrupts(); err != nil {
			return nil, err
		}

		rec, err := s.reader.ReadRecord(s.readFrom)
		if err == nil {
			s.readFrom = wal.InvalidLSN
			return rec, nil
		}
		if !errors.Is(err, wal.ErrWouldBlock) {
			return nil, fmt.Errorf("could not read WAL for slot %q: %w", s.slot.Name(), err)
		}

		if err := s.waitForData(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *Session) waitForData(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.owner != nil {
		go func() {
			select {
			case <-s.owner.Interrupts():
				cancel()
			case <-waitCtx.Done():
			}
		}()
	}

	err := s.reader.WaitForData(waitCtx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// checkInterrupts honours a pending interrupt of the owner. Conflicts for
// slots this session does not decode are stale and ignored.
func (s *Session) checkInterrupts() error {
	if s.owner == nil {
		return nil
	}
	err := s.owner.TakeInterrupt()
	if err == nil {
		return nil
	}

	var conflict *slot.ConflictError
	if errors.As(err, &conflict) && conflict.Slot != s.slot.Name() {
		log.Debug().
			Str("slot", s.slot.Name()).
			Str("conflict_slot", conflict.Slot).
			Msg("Ignoring recovery conflict for another slot")
		return nil
	}

	log.Warn().
		Err(err).
		Str("slot", s.slot.Name()).
		Uint64("owner", uint64(s.owner.ID())).
		Msg("Terminating logical decoding session")
	return &TerminatedError{Slot: s.slot.Name(), Cause: err}
}

func (s *Session) usable() error {
	if s.closed {
		return ErrSessionClosed
	}
	return s.failed
}

func (s *Session) fail(err error) error {
	if s.failed == nil {
		s.failed = err
	}
	return err
}

// Close calls the plugin's shutdown callback if startup succeeded and
// releases the session's resources. The slot stays owned by the caller.
// Calling Close again is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	telemetry.SessionsActive.Dec()

	var errs []error
	if s.startupDone {
		if err := s.dispatch.shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			errs = append(errs, err)
		}
		s.reader = nil
	}
	s.buffer = nil
	s.builder = nil

	log.Debug().Str("slot", s.slot.Name()).Msg("Closed logical decoding session")
	return errors.Join(errs...)
}
