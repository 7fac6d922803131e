package slot

import (
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/slotkeeper/horizon"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPebbleStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenPebbleStore(dir)
	require.NoError(t, err)

	d := PersistentData{
		Name:           "orders",
		Kind:           KindLogical,
		Database:       "shop",
		Failover:       true,
		CatalogXmin:    731,
		RestartLSN:     0x1000,
		ConfirmedFlush: 0x2000,
		Plugin:         "textdecoding",
	}
	require.NoError(t, store.SaveSlot(d))
	require.NoError(t, store.SaveHorizon(horizon.State{OldestCatalogXmin: 700, NextXIDLimit: 2048}))
	require.NoError(t, store.Close())

	store, err = OpenPebbleStore(dir)
	require.NoError(t, err)
	defer store.Close()

	slots, err := store.LoadSlots()
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, d, slots[0])

	st, err := store.LoadHorizon()
	require.NoError(t, err)
	assert.Equal(t, wal.XID(700), st.OldestCatalogXmin)

	require.NoError(t, store.DeleteSlot("orders"))
	slots, err = store.LoadSlots()
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestPebbleStoreDetectsCorruption(t *testing.T) {
	store, err := OpenPebbleStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveSlot(PersistentData{Name: "bad", CatalogXmin: 5}))

	val, closer, err := store.db.Get([]byte(prefixSlot + "bad"))
	require.NoError(t, err)
	corrupt := append([]byte(nil), val...)
	closer.Close()
	corrupt[len(corrupt)-1] ^= 0xFF
	require.NoError(t, store.db.Set([]byte(prefixSlot+"bad"), corrupt, pebble.Sync))

	_, err = store.LoadSlots()
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestPebbleStoreEmptyHorizon(t *testing.T) {
	store, err := OpenPebbleStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	st, err := store.LoadHorizon()
	require.NoError(t, err)
	assert.Equal(t, horizon.State{}, st)
}
