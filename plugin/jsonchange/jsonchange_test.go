package jsonchange

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/slotkeeper/decoding"
	"github.com/maxpert/slotkeeper/horizon"
	"github.com/maxpert/slotkeeper/reorder"
	"github.com/maxpert/slotkeeper/slot"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/maxpert/slotkeeper/xact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var users = wal.Relation{Namespace: "public", Name: "users"}

type harness struct {
	xact *xact.Manager
	out  []map[string]any
	sess *decoding.Session
}

func newHarness(t *testing.T, opts map[string]string) *harness {
	t.Helper()

	store := slot.NewMemoryStore()
	h, err := horizon.New(store, false)
	require.NoError(t, err)
	l, err := wal.OpenLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	slots := slot.NewManager(store, slot.Hooks{RequiredXmin: h.SetRequiredCatalogXmin})
	x := xact.NewManager(l, h)
	engine := decoding.NewEngine(slots, h, l, x)

	owner := slots.NewOwner()
	s, err := slots.Create(slot.CreateOptions{Name: "json_slot", Database: "postgres"}, owner.ID())
	require.NoError(t, err)

	hn := &harness{xact: x}
	sess, err := engine.StartNewSession(decoding.Caller{Owner: owner, Database: "postgres"}, s, decoding.Options{
		Plugin:        Name,
		PluginOptions: opts,
		TextOnly:      true,
		Write: func(out *bytes.Buffer, _ decoding.WriteInfo) error {
			var v map[string]any
			if err := json.Unmarshal(out.Bytes(), &v); err != nil {
				return err
			}
			hn.out = append(hn.out, v)
			return nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	require.NoError(t, sess.FindConsistentStartPoint(context.Background()))

	hn.sess = sess
	return hn
}

func (hn *harness) drain(t *testing.T) []map[string]any {
	t.Helper()
	for {
		ok, err := hn.sess.Decode()
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	out := hn.out
	hn.out = nil
	return out
}

func TestInsertEnvelope(t *testing.T) {
	hn := newHarness(t, nil)

	txn, err := hn.xact.Begin()
	require.NoError(t, err)
	_, err = txn.Insert(users, []wal.Datum{
		{Name: "id", Type: "int4", Value: "1"},
		{Name: "name", Type: "text", Value: "alice"},
		{Name: "active", Type: "bool", Value: "t"},
		{Name: "score", Type: "float8", IsNull: true},
	})
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	out := hn.drain(t)
	require.Len(t, out, 1)

	schema := out[0]["schema"].(map[string]any)
	assert.Equal(t, "public.users.Envelope", schema["name"])

	payload := out[0]["payload"].(map[string]any)
	assert.Equal(t, "c", payload["op"])
	assert.Nil(t, payload["before"])
	assert.Equal(t, map[string]any{
		"id":     float64(1),
		"name":   "alice",
		"active": true,
		"score":  nil,
	}, payload["after"])

	src := payload["source"].(map[string]any)
	assert.Equal(t, "json_slot", src["slot"])
	assert.Equal(t, "users", src["table"])
	assert.Equal(t, float64(txn.XID()), src["txId"])
}

func TestUpdateDeleteAndMarkers(t *testing.T) {
	hn := newHarness(t, map[string]string{"include-schema": "false", "include-transaction": "true"})

	txn, err := hn.xact.Begin()
	require.NoError(t, err)
	key := []wal.Datum{{Name: "id", Type: "int8", Value: "9"}}
	_, err = txn.Update(users, key, []wal.Datum{{Name: "id", Type: "int8", Value: "10"}})
	require.NoError(t, err)
	_, err = txn.Delete(users, key)
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	out := hn.drain(t)
	require.Len(t, out, 4)

	assert.Equal(t, "BEGIN", out[0]["status"])
	assert.Nil(t, out[1]["schema"])
	assert.Equal(t, "u", out[1]["payload"].(map[string]any)["op"])
	assert.Equal(t, map[string]any{"id": float64(9)}, out[1]["payload"].(map[string]any)["before"])
	assert.Equal(t, "d", out[2]["payload"].(map[string]any)["op"])
	assert.Equal(t, "END", out[3]["status"])
	assert.Equal(t, float64(2), out[3]["event_count"])
}

func TestFilteredRelationsAreSkipped(t *testing.T) {
	hn := newHarness(t, map[string]string{"include-tables": "public.orders"})

	txn, err := hn.xact.Begin()
	require.NoError(t, err)
	_, err = txn.Insert(users, []wal.Datum{{Name: "id", Type: "int4", Value: "1"}})
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	assert.Empty(t, hn.drain(t))
}

func TestMessage(t *testing.T) {
	hn := newHarness(t, nil)
	require.NoError(t, hn.xact.RegisterMessagePrefix("audit"))

	lsn, err := hn.xact.LogMessage("audit", []byte("hello"))
	require.NoError(t, err)

	out := hn.drain(t)
	require.Len(t, out, 1)
	assert.Equal(t, "m", out[0]["op"])
	assert.Equal(t, "audit", out[0]["prefix"])
	assert.Equal(t, "aGVsbG8=", out[0]["content"])
	assert.Equal(t, float64(lsn), out[0]["lsn"])
	assert.NotContains(t, out[0], "txId")
}

func TestSchemaCacheTracksColumnLayout(t *testing.T) {
	cache, err := lru.New[string, *envelopeSchema](2)
	require.NoError(t, err)
	p := &Plugin{schemaCache: cache}

	first := p.getOrBuildSchema(&reorder.Change{
		Relation: users,
		NewTuple: []wal.Datum{{Name: "id", Type: "int4"}},
	})
	again := p.getOrBuildSchema(&reorder.Change{
		Relation: users,
		OldTuple: []wal.Datum{{Name: "id", Type: "int4"}},
	})
	assert.Same(t, first, again)

	altered := p.getOrBuildSchema(&reorder.Change{
		Relation: users,
		NewTuple: []wal.Datum{{Name: "id", Type: "int4"}, {Name: "email", Type: "text"}},
	})
	assert.NotSame(t, first, altered)
	assert.Equal(t, 2, cache.Len())

	fields := altered.Fields[1].Fields
	require.Len(t, fields, 2)
	assert.Equal(t, "int64", fields[0].Type)
	assert.Equal(t, "string", fields[1].Type)
}

func TestRowValuesKeepUnparsableValues(t *testing.T) {
	row := rowValues([]wal.Datum{
		{Name: "n", Type: "int4", Value: "NaN"},
		{Name: "f", Type: "float8", Value: "1.5"},
	})
	assert.Equal(t, map[string]any{"n": "NaN", "f": 1.5}, row)
	assert.Nil(t, rowValues(nil))
}
