package wal

import "strconv"

// XID is a 32-bit transaction identifier. Normal identifiers wrap around, so
// ordering between them is modular: an XID precedes every XID up to 2^31
// ahead of it.
type XID uint32

const (
	// InvalidXID marks an unset transaction id.
	InvalidXID XID = 0
	// BootstrapXID and FrozenXID are permanent ids that precede every normal id.
	BootstrapXID XID = 1
	FrozenXID    XID = 2
	// FirstNormalXID is the first id handed out to ordinary transactions.
	FirstNormalXID XID = 3
)

// IsValid reports whether the id is set.
func (x XID) IsValid() bool {
	return x != InvalidXID
}

// IsNormal reports whether the id takes part in modular comparison.
func (x XID) IsNormal() bool {
	return x >= FirstNormalXID
}

func (x XID) String() string {
	return strconv.FormatUint(uint64(x), 10)
}

// Next returns the id after x, skipping the special ids on wraparound.
func (x XID) Next() XID {
	n := x + 1
	if n < FirstNormalXID {
		n = FirstNormalXID
	}
	return n
}

// Precedes reports whether x is logically older than y.
func (x XID) Precedes(y XID) bool {
	if !x.IsNormal() || !y.IsNormal() {
		return x < y
	}
	return int32(x-y) < 0
}

// PrecedesOrEquals reports whether x is older than or equal to y.
func (x XID) PrecedesOrEquals(y XID) bool {
	if !x.IsNormal() || !y.IsNormal() {
		return x <= y
	}
	return int32(x-y) <= 0
}

// Follows reports whether x is logically newer than y.
func (x XID) Follows(y XID) bool {
	if !x.IsNormal() || !y.IsNormal() {
		return x > y
	}
	return int32(x-y) > 0
}

// FollowsOrEquals reports whether x is newer than or equal to y.
func (x XID) FollowsOrEquals(y XID) bool {
	if !x.IsNormal() || !y.IsNormal() {
		return x >= y
	}
	return int32(x-y) >= 0
}

// OldestXID returns the oldest valid id of the arguments, or InvalidXID if
// none is valid.
func OldestXID(ids ...XID) XID {
	oldest := InvalidXID
	for _, id := range ids {
		if !id.IsValid() {
			continue
		}
		if !oldest.IsValid() || id.Precedes(oldest) {
			oldest = id
		}
	}
	return oldest
}
