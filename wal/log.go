package wal

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/slotkeeper/encoding"
	"github.com/maxpert/slotkeeper/notify"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixRecord   = "/wal/"           // /wal/{16-digit-hex-lsn}
	keyInsertLSN   = "/walmeta/insert" // next insert position
	keyOldestLSN   = "/walmeta/oldest" // first position still on disk
	recordHeaderSz = 8                 // end LSN of the record
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// FirstLSN is the position of the first record of an empty log.
const FirstLSN LSN = 0x1000000

// TopicAppend is the notify topic signalled after every append. The signal
// value is the new insert position.
const TopicAppend = "wal.append"

// Log is a Pebble-backed append-only write-ahead log. Record positions are
// byte offsets; every record occupies its encoded size plus header rounded up
// to 8 bytes.
type Log struct {
	db   *pebble.DB
	path string
	hub  *notify.Hub

	appendMu  sync.Mutex
	insertLSN atomic.Uint64
	oldestLSN atomic.Uint64

	closed atomic.Bool
}

// OpenLog creates or opens the log under dataDir.
func OpenLog(dataDir string) (*Log, error) {
	logPath := filepath.Join(dataDir, "wal")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(logPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL at %s: %w", logPath, err)
	}

	l := &Log{
		db:   db,
		path: logPath,
		hub:  notify.NewHub(),
	}

	insert, err := l.loadMeta(keyInsertLSN, FirstLSN)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load insert position: %w", err)
	}
	oldest, err := l.loadMeta(keyOldestLSN, FirstLSN)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load oldest position: %w", err)
	}
	l.insertLSN.Store(uint64(insert))
	l.oldestLSN.Store(uint64(oldest))

	log.Info().
		Stringer("insert_lsn", insert).
		Stringer("oldest_lsn", oldest).
		Str("path", logPath).
		Msg("Opened write-ahead log")

	return l, nil
}

func (l *Log) loadMeta(key string, def LSN) (LSN, error) {
	val, closer, err := l.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return def, nil
	}
	if err != nil {
		return InvalidLSN, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return InvalidLSN, fmt.Errorf("invalid %s value length: %d", key, len(val))
	}
	return LSN(binary.LittleEndian.Uint64(val)), nil
}

// Hub returns the hub used to announce appends.
func (l *Log) Hub() *notify.Hub {
	return l.hub
}

// InsertLSN returns the position the next record will be written at.
func (l *Log) InsertLSN() LSN {
	return LSN(l.insertLSN.Load())
}

// OldestLSN returns the first position that has not been truncated.
func (l *Log) OldestLSN() LSN {
	return LSN(l.oldestLSN.Load())
}

// Append writes records in order, assigning each its LSN and EndLSN. The batch
// is durable when Append returns.
func (l *Log) Append(records ...*Record) error {
	if len(records) == 0 {
		return nil
	}
	if l.closed.Load() {
		return fmt.Errorf("WAL is closed")
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	pos := l.InsertLSN()

	batch := l.db.NewBatch()
	defer batch.Close()

	assigned := make([][2]LSN, len(records))
	for i, rec := range records {
		payload, err := encoding.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal %s record: %w", rec.Kind, err)
		}

		end := pos + LSN(align8(len(payload)+recordHeaderSz))
		val := make([]byte, recordHeaderSz+len(payload))
		binary.LittleEndian.PutUint64(val, uint64(end))
		copy(val[recordHeaderSz:], payload)

		if err := batch.Set(recordKey(pos), val, pebble.Sync); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		assigned[i] = [2]LSN{pos, end}
		pos = end
	}

	if err := batch.Set([]byte(keyInsertLSN), encodeLSN(pos), pebble.Sync); err != nil {
		return fmt.Errorf("failed to update insert position: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit WAL batch: %w", err)
	}

	// Positions become visible only after a successful commit
	for i, rec := range records {
		rec.LSN, rec.EndLSN = assigned[i][0], assigned[i][1]
	}
	l.insertLSN.Store(uint64(pos))
	l.hub.Signal(TopicAppend, uint64(pos))

	return nil
}

// Truncate removes every record that starts before upTo. Positions at or past
// the insert position are clamped to it.
func (l *Log) Truncate(upTo LSN) error {
	if l.closed.Load() {
		return fmt.Errorf("WAL is closed")
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if upTo > l.InsertLSN() {
		upTo = l.InsertLSN()
	}
	if upTo <= l.OldestLSN() {
		return nil
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange([]byte(prefixRecord), recordKey(upTo), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete records below %s: %w", upTo, err)
	}
	if err := batch.Set([]byte(keyOldestLSN), encodeLSN(upTo), pebble.Sync); err != nil {
		return fmt.Errorf("failed to update oldest position: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit truncation: %w", err)
	}

	l.oldestLSN.Store(uint64(upTo))
	log.Debug().Stringer("up_to", upTo).Msg("Truncated write-ahead log")
	return nil
}

// NewReader returns a reader positioned at the oldest available record.
func (l *Log) NewReader() Reader {
	signals, cancel := l.hub.Subscribe(TopicAppend)
	return &logReader{
		log:     l,
		next:    l.OldestLSN(),
		signals: signals,
		cancel:  cancel,
	}
}

// Close closes the Pebble database and wakes all waiting readers.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("WAL already closed")
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.hub.Close()
	return l.db.Close()
}

// readAt returns the first record at or after from.
func (l *Log) readAt(from LSN) (*Record, error) {
	if l.closed.Load() {
		return nil, fmt.Errorf("WAL is closed")
	}
	if from < l.OldestLSN() {
		return nil, fmt.Errorf("%w: %s precedes oldest %s", ErrLogRemoved, from, l.OldestLSN())
	}

	prefix := []byte(prefixRecord)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: recordKey(from),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if !iter.SeekGE(recordKey(from)) {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return nil, ErrWouldBlock
	}

	val, err := iter.ValueAndErr()
	if err != nil {
		return nil, err
	}
	if len(val) < recordHeaderSz {
		return nil, fmt.Errorf("%w: short value at %s", ErrCorruptRecord, string(iter.Key()))
	}

	pos, err := parseRecordKey(iter.Key())
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := encoding.Unmarshal(val[recordHeaderSz:], &rec); err != nil {
		return nil, fmt.Errorf("%w at %s: %v", ErrCorruptRecord, pos, err)
	}
	rec.LSN = pos
	rec.EndLSN = LSN(binary.LittleEndian.Uint64(val))
	return &rec, nil
}

type logReader struct {
	log     *Log
	next    LSN
	end     LSN
	signals <-chan notify.Signal
	cancel  func()
}

func (r *logReader) ReadRecord(from LSN) (*Record, error) {
	if from.IsValid() {
		r.next = from
	}

	rec, err := r.log.readAt(r.next)
	if err != nil {
		return nil, err
	}

	r.next = rec.EndLSN
	r.end = rec.EndLSN
	return rec, nil
}

func (r *logReader) EndRecPtr() LSN {
	return r.end
}

func (r *logReader) WaitForData(ctx context.Context) error {
	for {
		if r.log.InsertLSN() > r.next {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-r.signals:
			if !ok {
				return fmt.Errorf("WAL is closed")
			}
		}
	}
}

func (r *logReader) Close() error {
	r.cancel()
	return nil
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func encodeLSN(lsn LSN) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(lsn))
	return buf
}

// recordKey formats a position as a 16-digit zero-padded key
func recordKey(lsn LSN) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixRecord, uint64(lsn)))
}

func parseRecordKey(key []byte) (LSN, error) {
	v, err := strconv.ParseUint(string(key[len(prefixRecord):]), 16, 64)
	if err != nil {
		return InvalidLSN, fmt.Errorf("%w: bad key %q", ErrCorruptRecord, key)
	}
	return LSN(v), nil
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
