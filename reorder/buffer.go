// Package reorder reassembles interleaved WAL records into whole
// transactions. Changes are queued per transaction and handed to an Emitter
// in commit order once the commit record is read; aborted transactions are
// discarded.
package reorder

import (
	"sort"

	"github.com/maxpert/slotkeeper/wal"
)

// Txn describes a transaction being decoded.
type Txn struct {
	XID wal.XID
	// first record of the transaction
	FirstLSN wal.LSN
	// start and end of the commit record
	FinalLSN wal.LSN
	EndLSN   wal.LSN
	// last running-transactions record before FirstLSN
	RestartLSN wal.LSN

	CommitTime int64
	Origin     wal.OriginID
}

// Change is one row change of a transaction.
type Change struct {
	Kind     wal.RecordKind
	LSN      wal.LSN
	Relation wal.Relation
	OldTuple []wal.Datum
	NewTuple []wal.Datum
}

// Message is a logical message.
type Message struct {
	LSN           wal.LSN
	Transactional bool
	Prefix        string
	Payload       []byte
}

// Emitter receives a committed transaction in order: Begin, its changes and
// transactional messages in WAL order, then Commit.
type Emitter interface {
	Begin(txn *Txn) error
	Change(txn *Txn, change *Change) error
	Message(txn *Txn, msg *Message) error
	Commit(txn *Txn) error
}

type entry struct {
	change *Change
	msg    *Message
}

type bufferedTxn struct {
	Txn
	entries []entry
}

// Buffer is owned by one decoding session and is not safe for concurrent use.
type Buffer struct {
	txns map[wal.XID]*bufferedTxn

	// last running-transactions record read
	restartPoint wal.LSN
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{txns: make(map[wal.XID]*bufferedTxn)}
}

func (b *Buffer) txnFor(xid wal.XID, lsn wal.LSN) *bufferedTxn {
	t, ok := b.txns[xid]
	if !ok {
		t = &bufferedTxn{Txn: Txn{XID: xid, FirstLSN: lsn, RestartLSN: b.restartPoint}}
		b.txns[xid] = t
	}
	return t
}

// SetRestartPoint records the position of a running-transactions record.
// Transactions first seen after it may restart decoding from there.
func (b *Buffer) SetRestartPoint(lsn wal.LSN) {
	b.restartPoint = lsn
}

// QueueChange buffers a row change record.
func (b *Buffer) QueueChange(rec *wal.Record) {
	t := b.txnFor(rec.XID, rec.LSN)
	t.entries = append(t.entries, entry{change: &Change{
		Kind:     rec.Kind,
		LSN:      rec.LSN,
		Relation: rec.Relation,
		OldTuple: rec.OldTuple,
		NewTuple: rec.NewTuple,
	}})
}

// QueueMessage buffers a transactional message record.
func (b *Buffer) QueueMessage(rec *wal.Record) {
	t := b.txnFor(rec.XID, rec.LSN)
	t.entries = append(t.entries, entry{msg: &Message{
		LSN:           rec.LSN,
		Transactional: true,
		Prefix:        rec.Prefix,
		Payload:       rec.Payload,
	}})
}

// Commit completes the transaction of a commit record. With replay set the
// transaction is emitted; otherwise it is only forgotten. The transaction is
// forgotten even when the emitter fails.
func (b *Buffer) Commit(rec *wal.Record, emit Emitter, replay bool) error {
	t := b.txnFor(rec.XID, rec.LSN)
	delete(b.txns, rec.XID)

	if !replay {
		return nil
	}

	txn := t.Txn
	txn.FinalLSN = rec.LSN
	txn.EndLSN = rec.EndLSN
	txn.CommitTime = rec.CommitTime
	txn.Origin = rec.Origin

	if err := emit.Begin(&txn); err != nil {
		return err
	}
	for _, e := range t.entries {
		var err error
		if e.change != nil {
			err = emit.Change(&txn, e.change)
		} else {
			err = emit.Message(&txn, e.msg)
		}
		if err != nil {
			return err
		}
	}
	return emit.Commit(&txn)
}

// Abort discards a transaction.
func (b *Buffer) Abort(xid wal.XID) {
	delete(b.txns, xid)
}

// AbortOld discards transactions older than oldestRunning. They ended
// without a commit or abort record, e.g. because the server crashed.
func (b *Buffer) AbortOld(oldestRunning wal.XID) {
	for xid := range b.txns {
		if xid.Precedes(oldestRunning) {
			delete(b.txns, xid)
		}
	}
}

// OldestTxn returns the in-progress transaction with the earliest first
// record.
func (b *Buffer) OldestTxn() (*Txn, bool) {
	var oldest *bufferedTxn
	for _, t := range b.txns {
		if oldest == nil || t.FirstLSN < oldest.FirstLSN {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, false
	}
	txn := oldest.Txn
	return &txn, true
}

// OldestXID returns the oldest in-progress transaction id, or InvalidXID.
func (b *Buffer) OldestXID() wal.XID {
	ids := make([]wal.XID, 0, len(b.txns))
	for xid := range b.txns {
		ids = append(ids, xid)
	}
	return wal.OldestXID(ids...)
}

// InProgress returns the ids of buffered transactions in first-record order.
func (b *Buffer) InProgress() []wal.XID {
	txns := make([]*bufferedTxn, 0, len(b.txns))
	for _, t := range b.txns {
		txns = append(txns, t)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].FirstLSN < txns[j].FirstLSN })

	out := make([]wal.XID, len(txns))
	for i, t := range txns {
		out[i] = t.XID
	}
	return out
}

// Len returns the number of buffered transactions.
func (b *Buffer) Len() int {
	return len(b.txns)
}
