package textdecoding

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/maxpert/slotkeeper/decoding"
	"github.com/maxpert/slotkeeper/horizon"
	"github.com/maxpert/slotkeeper/slot"
	"github.com/maxpert/slotkeeper/wal"
	"github.com/maxpert/slotkeeper/xact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	users  = wal.Relation{Namespace: "public", Name: "users"}
	audits = wal.Relation{Namespace: "audit", Name: "events"}
)

type harness struct {
	xact *xact.Manager
	sess *decoding.Session
	out  []string
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
	require.NoError(t, slots.Open())
	x := xact.NewManager(l, h)
	engine := decoding.NewEngine(slots, h, l, x)

	owner := slots.NewOwner()
	s, err := slots.Create(slot.CreateOptions{Name: "text_slot", Database: "postgres"}, owner.ID())
	require.NoError(t, err)

	hn := &harness{xact: x}
	sess, err := engine.StartNewSession(decoding.Caller{Owner: owner, Database: "postgres"}, s, decoding.Options{
		Plugin:        Name,
		PluginOptions: opts,
		Write: func(out *bytes.Buffer, _ decoding.WriteInfo) error {
			hn.out = append(hn.out, out.String())
			return nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	require.NoError(t, sess.FindConsistentStartPoint(context.Background()))

	hn.sess = sess
	return hn
}

func (hn *harness) drain(t *testing.T) []string {
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

func TestInsertUpdateDelete(t *testing.T) {
	hn := newHarness(t, nil)

	txn, err := hn.xact.Begin()
	require.NoError(t, err)
	row := []wal.Datum{
		{Name: "id", Type: "int4", Value: "1"},
		{Name: "name", Type: "text", Value: "o'neil"},
	}
	_, err = txn.Insert(users, row)
	require.NoError(t, err)
	_, err = txn.Update(users, row[:1], []wal.Datum{
		{Name: "id", Type: "int4", Value: "1"},
		{Name: "name", Type: "text", IsNull: true},
	})
	require.NoError(t, err)
	_, err = txn.Delete(users, nil)
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	xid := txn.XID()
	assert.Equal(t, []string{
		fmt.Sprintf("BEGIN %s", xid),
		"table public.users: INSERT: id[int4]:1 name[text]:'o''neil'",
		"table public.users: UPDATE: old-key: id[int4]:1 new-tuple: id[int4]:1 name[text]:null",
		"table public.users: DELETE: (no-tuple-data)",
		fmt.Sprintf("COMMIT %s", xid),
	}, hn.drain(t))
}

func TestWithoutXids(t *testing.T) {
	hn := newHarness(t, map[string]string{"include-xids": "false"})

	txn, err := hn.xact.Begin()
	require.NoError(t, err)
	_, err = txn.Insert(users, []wal.Datum{{Name: "id", Type: "int8", Value: "7"}})
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	assert.Equal(t, []string{"BEGIN", "table public.users: INSERT: id[int8]:7", "COMMIT"}, hn.drain(t))
}

func TestSkipEmptyTransactions(t *testing.T) {
	hn := newHarness(t, map[string]string{
		"skip-empty-xacts": "",
		"include-xids":     "0",
		"exclude-tables":   "audit.*",
	})

	// Only filtered changes: nothing is written.
	txn, err := hn.xact.Begin()
	require.NoError(t, err)
	_, err = txn.Insert(audits, []wal.Datum{{Name: "id", Type: "int4", Value: "1"}})
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)
	assert.Empty(t, hn.drain(t))

	txn, err = hn.xact.Begin()
	require.NoError(t, err)
	_, err = txn.Insert(users, []wal.Datum{{Name: "id", Type: "int4", Value: "2"}})
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN", "table public.users: INSERT: id[int4]:2", "COMMIT"}, hn.drain(t))
}

func TestMessages(t *testing.T) {
	hn := newHarness(t, map[string]string{"include-xids": "false"})
	require.NoError(t, hn.xact.RegisterMessagePrefix("app"))

	_, err := hn.xact.LogMessage("app", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"message: transactional: 0 prefix: app, sz: 2 content:hi"}, hn.drain(t))

	txn, err := hn.xact.Begin()
	require.NoError(t, err)
	_, err = txn.LogMessage("app", []byte("abc"))
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"BEGIN",
		"message: transactional: 1 prefix: app, sz: 3 content:abc",
		"COMMIT",
	}, hn.drain(t))
}

func TestOnlyLocal(t *testing.T) {
	hn := newHarness(t, map[string]string{"only-local": "true", "include-xids": "false"})

	txn, err := hn.xact.Begin()
	require.NoError(t, err)
	txn.SetOrigin(3)
	_, err = txn.Insert(users, []wal.Datum{{Name: "id", Type: "int4", Value: "1"}})
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)

	assert.Empty(t, hn.drain(t))

	txn, err = hn.xact.Begin()
	require.NoError(t, err)
	_, err = txn.Insert(users, []wal.Datum{{Name: "id", Type: "int4", Value: "2"}})
	require.NoError(t, err)
	_, err = txn.Commit()
	require.NoError(t, err)
	assert.Equal(t, []string{"BEGIN", "table public.users: INSERT: id[int4]:2", "COMMIT"}, hn.drain(t))
}

func TestRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opts map[string]string
	}{
		{name: "unknown option", opts: map[string]string{"pretty": "true"}},
		{name: "bad bool", opts: map[string]string{"include-xids": "maybe"}},
		{name: "bad pattern", opts: map[string]string{"include-tables": "users["}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := slot.NewMemoryStore()
			h, err := horizon.New(store, false)
			require.NoError(t, err)
			l, err := wal.OpenLog(t.TempDir())
			require.NoError(t, err)
			defer l.Close()

			slots := slot.NewManager(store, slot.Hooks{RequiredXmin: h.SetRequiredCatalogXmin})
			engine := decoding.NewEngine(slots, h, l, xact.NewManager(l, h))
			owner := slots.NewOwner()
			s, err := slots.Create(slot.CreateOptions{Name: "bad_opts", Database: "postgres"}, owner.ID())
			require.NoError(t, err)

			_, err = engine.StartNewSession(decoding.Caller{Owner: owner, Database: "postgres"}, s, decoding.Options{
				Plugin:        Name,
				PluginOptions: tt.opts,
				Write:         func(*bytes.Buffer, decoding.WriteInfo) error { return nil },
			})
			var cbErr *decoding.CallbackError
			require.ErrorAs(t, err, &cbErr)
			assert.Equal(t, decoding.CallbackStartup, cbErr.Callback)
		})
	}
}

func TestForceBinaryIsRejectedByTextOnlyCallers(t *testing.T) {
	store := slot.NewMemoryStore()
	h, err := horizon.New(store, false)
	require.NoError(t, err)
	l, err := wal.OpenLog(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	slots := slot.NewManager(store, slot.Hooks{RequiredXmin: h.SetRequiredCatalogXmin})
	engine := decoding.NewEngine(slots, h, l, xact.NewManager(l, h))
	owner := slots.NewOwner()
	s, err := slots.Create(slot.CreateOptions{Name: "binary", Database: "postgres"}, owner.ID())
	require.NoError(t, err)

	_, err = engine.StartNewSession(decoding.Caller{Owner: owner, Database: "postgres"}, s, decoding.Options{
		Plugin:        Name,
		PluginOptions: map[string]string{"force-binary": "1"},
		TextOnly:      true,
		Write:         func(*bytes.Buffer, decoding.WriteInfo) error { return nil },
	})
	assert.ErrorIs(t, err, decoding.ErrInvalidConfiguration)
}
