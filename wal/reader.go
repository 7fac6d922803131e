package wal

import (
	"context"
	"errors"
)

var (
	// ErrWouldBlock is returned by a Reader that has caught up with the end of
	// the log. The caller should wait for more data and retry.
	ErrWouldBlock = errors.New("no more WAL available")
	// ErrLogRemoved is returned when the requested position has already been
	// truncated away.
	ErrLogRemoved = errors.New("requested WAL has already been removed")
	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt WAL record")
)

// Reader reads WAL records sequentially.
type Reader interface {
	// ReadRecord returns the first record at or after from. Passing
	// InvalidLSN continues after the previously returned record.
	ReadRecord(from LSN) (*Record, error)
	// EndRecPtr returns the end position of the last record returned.
	EndRecPtr() LSN
	// WaitForData blocks until the log may have grown past the reader's
	// position or ctx is done.
	WaitForData(ctx context.Context) error
	Close() error
}
