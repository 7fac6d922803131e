// Package xact is the transaction source of the installation. It hands out
// transaction ids, logs row changes, commits and messages to the WAL and
// periodically logs the set of running transactions that decoding needs to
// find its starting points.
package xact

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/slotkeeper/horizon"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	ErrTxnFinished        = errors.New("transaction already finished")
	ErrPrefixRegistered   = errors.New("logical message prefix already registered")
	ErrPrefixUnknown      = errors.New("logical message prefix is not registered")
	ErrEmptyMessagePrefix = errors.New("logical message prefix must not be empty")
	ErrNotInRecovery      = errors.New("WAL can only be applied in recovery")
	ErrReadOnlyRecovery   = errors.New("cannot write WAL during recovery")
)

// Manager writes transactions to the WAL.
type Manager struct {
	log     *wal.Log
	horizon *horizon.Horizon

	// orders appends with running-transactions snapshots
	mu sync.Mutex

	prefixes *xsync.MapOf[string, struct{}]
}

func NewManager(l *wal.Log, h *horizon.Horizon) *Manager {
	return &Manager{
		log:      l,
		horizon:  h,
		prefixes: xsync.NewMapOf[string, struct{}](),
	}
}

// Begin starts a transaction and assigns its id.
func (m *Manager) Begin() (*Txn, error) {
	xid, err := m.horizon.AssignXID()
	if err != nil {
		return nil, err
	}
	return &Txn{m: m, xid: xid}, nil
}

// RegisterMessagePrefix allows logical messages with prefix to be logged.
// A prefix can only be registered once.
func (m *Manager) RegisterMessagePrefix(prefix string) error {
	if prefix == "" {
		return ErrEmptyMessagePrefix
	}
	if _, loaded := m.prefixes.LoadOrStore(prefix, struct{}{}); loaded {
		return fmt.Errorf("%w: %q", ErrPrefixRegistered, prefix)
	}
	return nil
}

// UnregisterMessagePrefix removes a registered prefix.
func (m *Manager) UnregisterMessagePrefix(prefix string) error {
	if _, ok := m.prefixes.LoadAndDelete(prefix); !ok {
		return fmt.Errorf("%w: %q", ErrPrefixUnknown, prefix)
	}
	return nil
}

func (m *Manager) checkPrefix(prefix string) error {
	if _, ok := m.prefixes.Load(prefix); !ok {
		return fmt.Errorf("%w: %q", ErrPrefixUnknown, prefix)
	}
	return nil
}

// LogMessage logs a non-transactional message. Decoding delivers it as
// soon as it is read.
func (m *Manager) LogMessage(prefix string, payload []byte) (wal.LSN, error) {
	if err := m.checkPrefix(prefix); err != nil {
		return wal.InvalidLSN, err
	}
	rec := &wal.Record{Kind: wal.KindMessage, Prefix: prefix, Payload: payload}
	if err := m.append(rec); err != nil {
		return wal.InvalidLSN, err
	}
	return rec.LSN, nil
}

// LogRunningXacts logs the set of running transactions and returns the
// record's position.
func (m *Manager) LogRunningXacts() (wal.LSN, error) {
	if m.horizon.InRecovery() {
		return wal.InvalidLSN, ErrReadOnlyRecovery
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	oldest, next, running := m.horizon.RunningSnapshot()
	rec := &wal.Record{
		Kind:             wal.KindRunningXacts,
		OldestRunningXID: oldest,
		NextXID:          next,
		Running:          running,
	}
	if err := m.log.Append(rec); err != nil {
		return wal.InvalidLSN, err
	}
	return rec.LSN, nil
}

// ReserveWAL returns the position a new slot may restart decoding from. On
// a primary it logs a running-transactions record there. In recovery it
// returns the end of the WAL received so far; the next snapshot from the
// primary follows it.
func (m *Manager) ReserveWAL() (wal.LSN, error) {
	if m.horizon.InRecovery() {
		return m.log.InsertLSN(), nil
	}
	return m.LogRunningXacts()
}

// ApplyRecords appends records received from the primary. It is only valid
// in recovery.
func (m *Manager) ApplyRecords(records []*wal.Record) error {
	if !m.horizon.InRecovery() {
		return ErrNotInRecovery
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log.Append(records...)
}

// RunSnapshotter logs running transactions every interval until ctx is
// done. Decoding sessions only advance their slots at these records.
func (m *Manager) RunSnapshotter(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.horizon.InRecovery() {
				continue
			}
			if _, err := m.LogRunningXacts(); err != nil {
				log.Warn().Err(err).Msg("Failed to log running transactions")
			}
		}
	}
}

func (m *Manager) append(records ...*wal.Record) error {
	if m.horizon.InRecovery() {
		return ErrReadOnlyRecovery
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log.Append(records...)
}
