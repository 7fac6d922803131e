package xact

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maxpert/slotkeeper/horizon"
	"github.com/maxpert/slotkeeper/slot"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var users = wal.Relation{Namespace: "public", Name: "users"}

func newTestManager(t *testing.T, inRecovery bool) (*Manager, *wal.Log, *horizon.Horizon) {
	t.Helper()

	l, err := wal.OpenLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	h, err := horizon.New(slot.NewMemoryStore(), inRecovery)
	require.NoError(t, err)

	return NewManager(l, h), l, h
}

func readAll(t *testing.T, l *wal.Log) []*wal.Record {
	t.Helper()

	r := l.NewReader()
	defer r.Close()

	var out []*wal.Record
	from := wal.FirstLSN
	for {
		rec, err := r.ReadRecord(from)
		if errors.Is(err, wal.ErrWouldBlock) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
		from = wal.InvalidLSN
	}
}

func TestCommitLogsTransaction(t *testing.T) {
	m, l, h := newTestManager(t, false)

	txn, err := m.Begin()
	require.NoError(t, err)
	assert.False(t, txn.HasWrites())

	_, err = txn.Insert(users, []wal.Datum{{Name: "id", Type: "int4", Value: "1"}})
	require.NoError(t, err)
	_, err = txn.Update(users, nil, []wal.Datum{{Name: "id", Type: "int4", Value: "1"}})
	require.NoError(t, err)
	assert.True(t, txn.HasWrites())

	_, _, running := h.RunningSnapshot()
	assert.Equal(t, []wal.XID{txn.XID()}, running)

	commitLSN, err := txn.Commit()
	require.NoError(t, err)

	records := readAll(t, l)
	require.Len(t, records, 3)
	assert.Equal(t, wal.KindInsert, records[0].Kind)
	assert.Equal(t, wal.KindUpdate, records[1].Kind)
	assert.Equal(t, wal.KindCommit, records[2].Kind)
	assert.Equal(t, commitLSN, records[2].LSN)
	for _, rec := range records {
		assert.Equal(t, txn.XID(), rec.XID)
	}

	_, _, running = h.RunningSnapshot()
	assert.Empty(t, running)
}

func TestFinishedTransactionRejectsWrites(t *testing.T) {
	m, _, _ := newTestManager(t, false)

	txn, err := m.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Abort())

	_, err = txn.Insert(users, nil)
	assert.ErrorIs(t, err, ErrTxnFinished)
	_, err = txn.Commit()
	assert.ErrorIs(t, err, ErrTxnFinished)
}

func TestRunningXactsSnapshot(t *testing.T) {
	m, l, _ := newTestManager(t, false)

	a, err := m.Begin()
	require.NoError(t, err)
	b, err := m.Begin()
	require.NoError(t, err)

	first, err := m.LogRunningXacts()
	require.NoError(t, err)

	_, err = a.Commit()
	require.NoError(t, err)

	second, err := m.ReserveWAL()
	require.NoError(t, err)
	assert.Greater(t, second, first)

	records := readAll(t, l)
	require.Len(t, records, 3)

	snap := records[0]
	assert.Equal(t, wal.KindRunningXacts, snap.Kind)
	assert.Equal(t, []wal.XID{a.XID(), b.XID()}, snap.Running)
	assert.Equal(t, a.XID(), snap.OldestRunningXID)
	assert.Equal(t, b.XID().Next(), snap.NextXID)

	snap = records[2]
	assert.Equal(t, second, snap.LSN)
	assert.Equal(t, []wal.XID{b.XID()}, snap.Running)
	assert.Equal(t, b.XID(), snap.OldestRunningXID)
}

func TestMessagePrefixes(t *testing.T) {
	m, l, _ := newTestManager(t, false)

	_, err := m.LogMessage("audit", []byte("x"))
	assert.ErrorIs(t, err, ErrPrefixUnknown)

	assert.ErrorIs(t, m.RegisterMessagePrefix(""), ErrEmptyMessagePrefix)
	require.NoError(t, m.RegisterMessagePrefix("audit"))
	assert.ErrorIs(t, m.RegisterMessagePrefix("audit"), ErrPrefixRegistered)

	_, err = m.LogMessage("audit", []byte("plain"))
	require.NoError(t, err)

	txn, err := m.Begin()
	require.NoError(t, err)
	_, err = txn.LogMessage("audit", []byte("in txn"))
	require.NoError(t, err)
	_, err = txn.LogMessage("other", nil)
	assert.ErrorIs(t, err, ErrPrefixUnknown)
	_, err = txn.Commit()
	require.NoError(t, err)

	require.NoError(t, m.UnregisterMessagePrefix("audit"))
	assert.ErrorIs(t, m.UnregisterMessagePrefix("audit"), ErrPrefixUnknown)

	records := readAll(t, l)
	require.Len(t, records, 3)
	assert.False(t, records[0].Transactional)
	assert.False(t, records[0].XID.IsValid())
	assert.True(t, records[1].Transactional)
	assert.Equal(t, txn.XID(), records[1].XID)
	assert.Equal(t, []byte("in txn"), records[1].Payload)
}

func TestOriginIsRecorded(t *testing.T) {
	m, l, _ := newTestManager(t, false)

	txn, err := m.Begin()
	require.NoError(t, err)
	txn.SetOrigin(7)
	_, err = txn.Delete(users, []wal.Datum{{Name: "id", Value: "1"}})
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	for _, rec := range readAll(t, l) {
		assert.Equal(t, wal.OriginID(7), rec.Origin)
	}
}

func TestRecovery(t *testing.T) {
	m, l, _ := newTestManager(t, true)

	_, err := m.Begin()
	assert.ErrorIs(t, err, horizon.ErrInRecovery)
	_, err = m.LogRunningXacts()
	assert.ErrorIs(t, err, ErrReadOnlyRecovery)

	lsn, err := m.ReserveWAL()
	require.NoError(t, err)
	assert.Equal(t, l.InsertLSN(), lsn)

	require.NoError(t, m.ApplyRecords([]*wal.Record{
		{Kind: wal.KindRunningXacts, OldestRunningXID: 10, NextXID: 10},
	}))
	assert.Len(t, readAll(t, l), 1)

	primary, _, _ := newTestManager(t, false)
	assert.ErrorIs(t, primary.ApplyRecords(nil), ErrNotInRecovery)
}

func TestSnapshotterLogsPeriodically(t *testing.T) {
	m, l, _ := newTestManager(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunSnapshotter(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return len(readAll(t, l)) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
