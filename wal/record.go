package wal

import (
	"fmt"
	"strconv"
)

// RecordKind identifies what a WAL record describes.
type RecordKind uint8

const (
	KindInsert RecordKind = iota + 1
	KindUpdate
	KindDelete
	KindCommit
	KindAbort
	KindMessage
	KindRunningXacts
)

func (k RecordKind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindCommit:
		return "commit"
	case KindAbort:
		return "abort"
	case KindMessage:
		return "message"
	case KindRunningXacts:
		return "running_xacts"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// IsChange reports whether the record carries a row change.
func (k RecordKind) IsChange() bool {
	return k == KindInsert || k == KindUpdate || k == KindDelete
}

// OriginID names the replication origin a change came from. Zero means the
// change was made locally.
type OriginID uint16

// InvalidOrigin is the origin of locally generated changes.
const InvalidOrigin OriginID = 0

// Relation names a table.
type Relation struct {
	Namespace string `msgpack:"ns"`
	Name      string `msgpack:"name"`
}

func (r Relation) String() string {
	if r.Namespace == "" {
		return r.Name
	}
	return r.Namespace + "." + r.Name
}

// Datum is one column value of a tuple. Values travel in their text form.
type Datum struct {
	Name   string `msgpack:"n"`
	Type   string `msgpack:"t"`
	Value  string `msgpack:"v"`
	IsNull bool   `msgpack:"null,omitempty"`
}

// Record is a single decoded WAL record. LSN and EndLSN are assigned by the
// log when the record is appended and are not part of the stored payload.
type Record struct {
	LSN    LSN        `msgpack:"-"`
	EndLSN LSN        `msgpack:"-"`
	Kind   RecordKind `msgpack:"k"`
	XID    XID        `msgpack:"x,omitempty"`
	Origin OriginID   `msgpack:"o,omitempty"`

	// Row changes
	Relation Relation `msgpack:"rel,omitempty"`
	OldTuple []Datum  `msgpack:"old,omitempty"`
	NewTuple []Datum  `msgpack:"new,omitempty"`

	// Commit
	CommitTime int64 `msgpack:"ts,omitempty"`

	// Logical messages
	Transactional bool   `msgpack:"txl,omitempty"`
	Prefix        string `msgpack:"pfx,omitempty"`
	Payload       []byte `msgpack:"msg,omitempty"`

	// Running transactions snapshot
	OldestRunningXID XID   `msgpack:"oldest,omitempty"`
	NextXID          XID   `msgpack:"next,omitempty"`
	Running          []XID `msgpack:"running,omitempty"`
}

func (r *Record) String() string {
	switch r.Kind {
	case KindRunningXacts:
		return fmt.Sprintf("%s %s: next %s oldest %s running %v", r.LSN, r.Kind, r.NextXID, r.OldestRunningXID, r.Running)
	case KindMessage:
		return fmt.Sprintf("%s %s: xid %s prefix %q transactional %t", r.LSN, r.Kind, r.XID, r.Prefix, r.Transactional)
	default:
		if r.Kind.IsChange() {
			return fmt.Sprintf("%s %s: xid %s rel %s", r.LSN, r.Kind, r.XID, r.Relation)
		}
		return fmt.Sprintf("%s %s: xid %s", r.LSN, r.Kind, r.XID)
	}
}
