package slot

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/maxpert/slotkeeper/encoding"
	"github.com/maxpert/slotkeeper/horizon"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixSlot = "/slot/" // /slot/{name}
	keyHorizon = "/horizon"
)

const checksumSize = 8

// PebbleStore keeps slot records and the horizon record in a Pebble database.
// Every value is prefixed with an xxhash64 checksum of its msgpack payload.
type PebbleStore struct {
	db   *pebble.DB
	path string
}

// OpenPebbleStore opens or creates the store under dataDir.
func OpenPebbleStore(dataDir string) (*PebbleStore, error) {
	storePath := filepath.Join(dataDir, "slots")

	db, err := pebble.Open(storePath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open slot store at %s: %w", storePath, err)
	}

	return &PebbleStore{db: db, path: storePath}, nil
}

func (p *PebbleStore) LoadSlots() ([]PersistentData, error) {
	prefix := []byte(prefixSlot)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []PersistentData
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var d PersistentData
		if err := decodeChecked(val, &d); err != nil {
			return nil, fmt.Errorf("replication slot file %s: %w", iter.Key(), err)
		}
		out = append(out, d)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	return out, nil
}

func (p *PebbleStore) SaveSlot(d PersistentData) error {
	val, err := encodeChecked(&d)
	if err != nil {
		return err
	}
	return p.db.Set([]byte(prefixSlot+d.Name), val, pebble.Sync)
}

func (p *PebbleStore) DeleteSlot(name string) error {
	return p.db.Delete([]byte(prefixSlot+name), pebble.Sync)
}

func (p *PebbleStore) LoadHorizon() (horizon.State, error) {
	var st horizon.State

	val, closer, err := p.db.Get([]byte(keyHorizon))
	if err == pebble.ErrNotFound {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	defer closer.Close()

	if err := decodeChecked(val, &st); err != nil {
		return st, fmt.Errorf("horizon record: %w", err)
	}
	return st, nil
}

func (p *PebbleStore) SaveHorizon(st horizon.State) error {
	val, err := encodeChecked(&st)
	if err != nil {
		return err
	}
	return p.db.Set([]byte(keyHorizon), val, pebble.Sync)
}

// Close closes the Pebble database
func (p *PebbleStore) Close() error {
	if err := p.db.Close(); err != nil {
		log.Warn().Err(err).Str("path", p.path).Msg("Failed to close slot store")
		return err
	}
	return nil
}

func encodeChecked(v any) ([]byte, error) {
	payload, err := encoding.Marshal(v)
	if err != nil {
		return nil, err
	}

	val := make([]byte, checksumSize+len(payload))
	binary.LittleEndian.PutUint64(val, xxhash.Sum64(payload))
	copy(val[checksumSize:], payload)
	return val, nil
}

func decodeChecked(val []byte, v any) error {
	if len(val) < checksumSize {
		return fmt.Errorf("invalid record length %d", len(val))
	}

	payload := val[checksumSize:]
	want := binary.LittleEndian.Uint64(val)
	if got := xxhash.Sum64(payload); got != want {
		return fmt.Errorf("checksum mismatch, is %x, should be %x", got, want)
	}
	return encoding.Unmarshal(payload, v)
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
