package slot

import (
	"github.com/maxpert/slotkeeper/telemetry"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/rs/zerolog/log"
)

// Candidate tracks
const (
	trackXmin    = "xmin"
	trackRestart = "restart"
)

// Proposal outcomes
const (
	resultStale     = "stale"
	resultImmediate = "immediate"
	resultPending   = "pending"
	resultDropped   = "dropped"
)

// ProposeCatalogXmin offers xmin as the slot's next catalog xmin, safe once
// the consumer has confirmed currentLSN. A value that does not advance the
// slot is ignored. If currentLSN is already confirmed the value is adopted
// right away; otherwise it becomes the pending candidate unless one is
// already pending, in which case it is dropped.
func (m *Manager) ProposeCatalogXmin(s *Slot, currentLSN wal.LSN, xmin wal.XID) error {
	s.mu.Lock()

	var result string
	switch {
	case xmin.PrecedesOrEquals(s.data.CatalogXmin):
		result = resultStale
	case currentLSN <= s.data.ConfirmedFlush:
		s.xmin.set(xmin, currentLSN)
		result = resultImmediate
	case !s.xmin.pending:
		s.xmin.set(xmin, currentLSN)
		result = resultPending
	default:
		result = resultDropped
		log.Debug().
			Str("slot", s.data.Name).
			Stringer("proposed", xmin).
			Stringer("after", currentLSN).
			Stringer("candidate", s.xmin.value).
			Stringer("candidate_after", s.xmin.validAt).
			Stringer("confirmed", s.data.ConfirmedFlush).
			Msg("failed to increase catalog xmin")
	}
	confirmed := s.data.ConfirmedFlush
	s.mu.Unlock()

	telemetry.CandidateProposalsTotal.With(trackXmin, result).Inc()

	if result == resultImmediate {
		return m.ConfirmReceived(s, confirmed)
	}
	return nil
}

// ProposeRestartLSN offers restartLSN as the slot's next restart position,
// safe once the consumer has confirmed currentLSN. Same rules as
// ProposeCatalogXmin.
func (m *Manager) ProposeRestartLSN(s *Slot, currentLSN, restartLSN wal.LSN) error {
	s.mu.Lock()

	var result string
	switch {
	case restartLSN <= s.data.RestartLSN:
		result = resultStale
	case currentLSN <= s.data.ConfirmedFlush:
		s.restart.set(restartLSN, currentLSN)
		result = resultImmediate
	case !s.restart.pending:
		s.restart.set(restartLSN, currentLSN)
		result = resultPending
		log.Debug().
			Str("slot", s.data.Name).
			Stringer("restart_lsn", restartLSN).
			Stringer("at", currentLSN).
			Msg("got new restart lsn")
	default:
		result = resultDropped
		log.Debug().
			Str("slot", s.data.Name).
			Stringer("proposed", restartLSN).
			Stringer("after", currentLSN).
			Stringer("candidate", s.restart.value).
			Stringer("candidate_after", s.restart.validAt).
			Stringer("confirmed", s.data.ConfirmedFlush).
			Msg("failed to increase restart lsn")
	}
	confirmed := s.data.ConfirmedFlush
	s.mu.Unlock()

	telemetry.CandidateProposalsTotal.With(trackRestart, result).Inc()

	if result == resultImmediate {
		return m.ConfirmReceived(s, confirmed)
	}
	return nil
}

// ConfirmReceived records that the consumer has received everything up to
// lsn and adopts any candidate that has become safe.
//
// Adopted values are written durably before the enforced catalog xmin and
// restart position move and before the new requirements are published. If
// the write fails the adoption is undone, the candidates are pending again
// and the error is returned; nothing unsafe has been exposed.
func (m *Manager) ConfirmReceived(s *Slot, lsn wal.LSN) error {
	s.mu.Lock()

	if lsn > s.data.ConfirmedFlush {
		s.data.ConfirmedFlush = lsn
		s.dirty = true
	}
	confirmed := s.data.ConfirmedFlush

	var (
		xminCand    track[wal.XID]
		restartCand track[wal.LSN]
		prevXmin    = s.data.CatalogXmin
		prevRestart = s.data.RestartLSN
		updatedXmin bool
		updatedLSN  bool
	)

	if s.xmin.ready(confirmed) {
		if s.xmin.value.IsValid() && s.xmin.value != s.data.CatalogXmin {
			xminCand = s.xmin
			s.data.CatalogXmin = s.xmin.value
			updatedXmin = true
		}
		s.xmin.clear()
	}

	if s.restart.ready(confirmed) {
		restartCand = s.restart
		s.data.RestartLSN = s.restart.value
		s.restart.clear()
		updatedLSN = true
	}

	if updatedXmin || updatedLSN {
		s.dirty = true
	}
	s.mu.Unlock()

	if !updatedXmin && !updatedLSN {
		return nil
	}

	if err := m.Save(s); err != nil {
		s.mu.Lock()
		if updatedXmin && s.data.CatalogXmin == xminCand.value {
			s.data.CatalogXmin = prevXmin
			if !s.xmin.pending {
				s.xmin = xminCand
			}
		}
		if updatedLSN && s.data.RestartLSN == restartCand.value {
			s.data.RestartLSN = prevRestart
			if !s.restart.pending {
				s.restart = restartCand
			}
		}
		s.mu.Unlock()
		return err
	}

	log.Debug().
		Str("slot", s.Name()).
		Bool("updated_xmin", updatedXmin).
		Bool("updated_restart", updatedLSN).
		Stringer("confirmed", confirmed).
		Msg("adopted retention candidates")

	if updatedXmin {
		s.mu.Lock()
		// enforced value only moves forward
		if !s.effectiveCatalogXmin.IsValid() || s.data.CatalogXmin.Follows(s.effectiveCatalogXmin) {
			s.effectiveCatalogXmin = s.data.CatalogXmin
		}
		s.mu.Unlock()

		telemetry.CandidateAdoptionsTotal.With(trackXmin).Inc()
		if err := m.ComputeRequiredXmin(); err != nil {
			return err
		}
	}

	if updatedLSN {
		s.mu.Lock()
		if s.data.RestartLSN > s.effectiveRestartLSN {
			s.effectiveRestartLSN = s.data.RestartLSN
		}
		s.mu.Unlock()

		telemetry.CandidateAdoptionsTotal.With(trackRestart).Inc()
		return m.ComputeRequiredLSN()
	}
	return nil
}
