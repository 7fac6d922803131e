package reorder

import (
	"errors"
	"fmt"
	"testing"

	"github.com/maxpert/slotkeeper/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	events []string
	failOn string
}

func (r *recordingEmitter) add(ev string) error {
	r.events = append(r.events, ev)
	if ev == r.failOn {
		return errors.New("emit failed")
	}
	return nil
}

func (r *recordingEmitter) Begin(txn *Txn) error {
	return r.add(fmt.Sprintf("begin %d@%d", txn.XID, txn.FirstLSN))
}

func (r *recordingEmitter) Change(txn *Txn, c *Change) error {
	return r.add(fmt.Sprintf("%s %s@%d", c.Kind, c.Relation, c.LSN))
}

func (r *recordingEmitter) Message(txn *Txn, m *Message) error {
	return r.add(fmt.Sprintf("message %s@%d", m.Prefix, m.LSN))
}

func (r *recordingEmitter) Commit(txn *Txn) error {
	return r.add(fmt.Sprintf("commit %d@%d-%d", txn.XID, txn.FinalLSN, txn.EndLSN))
}

func change(xid wal.XID, lsn wal.LSN, kind wal.RecordKind, table string) *wal.Record {
	return &wal.Record{LSN: lsn, EndLSN: lsn + 8, Kind: kind, XID: xid, Relation: wal.Relation{Namespace: "public", Name: table}}
}

func TestInterleavedTransactionsEmitInCommitOrder(t *testing.T) {
	b := NewBuffer()
	emit := &recordingEmitter{}

	b.QueueChange(change(10, 100, wal.KindInsert, "a"))
	b.QueueChange(change(11, 108, wal.KindInsert, "b"))
	b.QueueMessage(&wal.Record{LSN: 116, Kind: wal.KindMessage, XID: 10, Transactional: true, Prefix: "audit"})
	b.QueueChange(change(10, 124, wal.KindDelete, "a"))

	require.NoError(t, b.Commit(&wal.Record{LSN: 132, EndLSN: 140, Kind: wal.KindCommit, XID: 11}, emit, true))
	require.NoError(t, b.Commit(&wal.Record{LSN: 140, EndLSN: 148, Kind: wal.KindCommit, XID: 10}, emit, true))

	assert.Equal(t, []string{
		"begin 11@108",
		"insert public.b@108",
		"commit 11@132-140",
		"begin 10@100",
		"insert public.a@100",
		"message audit@116",
		"delete public.a@124",
		"commit 10@140-148",
	}, emit.events)
	assert.Zero(t, b.Len())
}

func TestCommitWithoutReplayForgets(t *testing.T) {
	b := NewBuffer()
	emit := &recordingEmitter{}

	b.QueueChange(change(10, 100, wal.KindInsert, "a"))
	require.NoError(t, b.Commit(&wal.Record{LSN: 108, Kind: wal.KindCommit, XID: 10}, emit, false))

	assert.Empty(t, emit.events)
	assert.Zero(t, b.Len())
}

func TestEmptyTransactionStillBeginsAndCommits(t *testing.T) {
	b := NewBuffer()
	emit := &recordingEmitter{}

	require.NoError(t, b.Commit(&wal.Record{LSN: 200, EndLSN: 208, Kind: wal.KindCommit, XID: 42}, emit, true))
	assert.Equal(t, []string{"begin 42@200", "commit 42@200-208"}, emit.events)
}

func TestEmitterFailureStopsAndForgets(t *testing.T) {
	b := NewBuffer()
	emit := &recordingEmitter{failOn: "insert public.a@100"}

	b.QueueChange(change(10, 100, wal.KindInsert, "a"))
	b.QueueChange(change(10, 108, wal.KindInsert, "a"))
	err := b.Commit(&wal.Record{LSN: 116, Kind: wal.KindCommit, XID: 10}, emit, true)

	require.Error(t, err)
	assert.Len(t, emit.events, 2)
	assert.Zero(t, b.Len())
}

func TestAbortAndAbortOld(t *testing.T) {
	b := NewBuffer()

	b.QueueChange(change(10, 100, wal.KindInsert, "a"))
	b.QueueChange(change(11, 108, wal.KindInsert, "a"))
	b.QueueChange(change(12, 116, wal.KindInsert, "a"))

	b.Abort(11)
	assert.Equal(t, []wal.XID{10, 12}, b.InProgress())

	b.AbortOld(12)
	assert.Equal(t, []wal.XID{12}, b.InProgress())
}

func TestOldestTxnCarriesRestartPoint(t *testing.T) {
	b := NewBuffer()

	_, ok := b.OldestTxn()
	assert.False(t, ok)
	assert.Equal(t, wal.InvalidXID, b.OldestXID())

	b.SetRestartPoint(90)
	b.QueueChange(change(20, 100, wal.KindInsert, "a"))
	b.SetRestartPoint(150)
	b.QueueChange(change(15, 160, wal.KindInsert, "a"))

	txn, ok := b.OldestTxn()
	require.True(t, ok)
	assert.Equal(t, wal.XID(20), txn.XID)
	assert.Equal(t, wal.LSN(90), txn.RestartLSN)
	assert.Equal(t, wal.XID(15), b.OldestXID())
}
