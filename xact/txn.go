package xact

import (
	"time"

	"github.com/maxpert/slotkeeper/wal"
)

// Txn is an open transaction. It is not safe for concurrent use.
type Txn struct {
	m      *Manager
	xid    wal.XID
	origin wal.OriginID
	wrote  bool
	done   bool
}

func (t *Txn) XID() wal.XID {
	return t.xid
}

// HasWrites reports whether the transaction logged anything.
func (t *Txn) HasWrites() bool {
	return t.wrote
}

// SetOrigin marks the following changes as replayed from origin.
func (t *Txn) SetOrigin(origin wal.OriginID) {
	t.origin = origin
}

func (t *Txn) log(rec *wal.Record) (wal.LSN, error) {
	if t.done {
		return wal.InvalidLSN, ErrTxnFinished
	}
	rec.XID = t.xid
	rec.Origin = t.origin
	if err := t.m.append(rec); err != nil {
		return wal.InvalidLSN, err
	}
	t.wrote = true
	return rec.LSN, nil
}

// Insert logs a new row.
func (t *Txn) Insert(rel wal.Relation, row []wal.Datum) (wal.LSN, error) {
	return t.log(&wal.Record{Kind: wal.KindInsert, Relation: rel, NewTuple: row})
}

// Update logs a changed row. old may be nil when the key did not change.
func (t *Txn) Update(rel wal.Relation, old, row []wal.Datum) (wal.LSN, error) {
	return t.log(&wal.Record{Kind: wal.KindUpdate, Relation: rel, OldTuple: old, NewTuple: row})
}

// Delete logs a removed row identified by old.
func (t *Txn) Delete(rel wal.Relation, old []wal.Datum) (wal.LSN, error) {
	return t.log(&wal.Record{Kind: wal.KindDelete, Relation: rel, OldTuple: old})
}

// LogMessage logs a transactional message delivered with the transaction.
func (t *Txn) LogMessage(prefix string, payload []byte) (wal.LSN, error) {
	if err := t.m.checkPrefix(prefix); err != nil {
		return wal.InvalidLSN, err
	}
	return t.log(&wal.Record{Kind: wal.KindMessage, Transactional: true, Prefix: prefix, Payload: payload})
}

// Commit logs the commit record and returns its position.
func (t *Txn) Commit() (wal.LSN, error) {
	return t.finish(&wal.Record{Kind: wal.KindCommit, CommitTime: time.Now().UnixMilli()})
}

// Abort logs an abort record.
func (t *Txn) Abort() error {
	_, err := t.finish(&wal.Record{Kind: wal.KindAbort})
	return err
}

func (t *Txn) finish(rec *wal.Record) (wal.LSN, error) {
	if t.done {
		return wal.InvalidLSN, ErrTxnFinished
	}
	rec.XID = t.xid
	rec.Origin = t.origin

	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	// The id leaves the running set in the same order the record is logged.
	// A transaction whose commit could not be logged never committed.
	err := m.log.Append(rec)
	m.horizon.EndXID(t.xid)
	t.done = true
	if err != nil {
		return wal.InvalidLSN, err
	}
	return rec.LSN, nil
}
