package slot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/slotkeeper/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateValidatesName(t *testing.T) {
	m := NewManager(NewMemoryStore(), Hooks{})

	for _, name := range []string{"", "Upper", "has-dash", "x" + string(make([]byte, MaxNameLen))} {
		_, err := m.Create(CreateOptions{Name: name}, NoOwner)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}

	s, err := m.Create(CreateOptions{Name: "orders_cdc_1"}, NoOwner)
	require.NoError(t, err)
	assert.True(t, s.IsLogical(), "logical is the default kind")

	_, err = m.Create(CreateOptions{Name: "orders_cdc_1"}, NoOwner)
	assert.ErrorIs(t, err, ErrSlotExists)
}

func TestCreatePersistentIsDurable(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, Hooks{})

	_, err := m.Create(CreateOptions{Name: "keep", Database: "shop", Failover: true}, NoOwner)
	require.NoError(t, err)
	saved, ok := store.Saved("keep")
	require.True(t, ok)
	assert.True(t, saved.Failover)
	assert.Equal(t, "shop", saved.Database)

	_, err = m.Create(CreateOptions{Name: "temp", Persistency: Ephemeral}, NoOwner)
	require.NoError(t, err)
	_, ok = store.Saved("temp")
	assert.False(t, ok, "ephemeral slots are never written")
}

func TestCreateFailsWhenStoreFails(t *testing.T) {
	store := NewMemoryStore()
	store.FailSaves(errors.New("read-only"))
	m := NewManager(store, Hooks{})

	_, err := m.Create(CreateOptions{Name: "nope"}, NoOwner)
	assert.ErrorIs(t, err, ErrDurability)
	_, err = m.Get("nope")
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestSecondOwnerRejected(t *testing.T) {
	m := NewManager(NewMemoryStore(), Hooks{})
	_, err := m.Create(CreateOptions{Name: "contended"}, NoOwner)
	require.NoError(t, err)

	owners := []*Owner{m.NewOwner(), m.NewOwner()}
	errs := make([]error, len(owners))

	var wg sync.WaitGroup
	for i, o := range owners {
		wg.Add(1)
		go func(i int, o *Owner) {
			defer wg.Done()
			_, errs[i] = m.Acquire("contended", o.ID())
		}(i, o)
	}
	wg.Wait()

	var winners, losers int
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		losers++
		assert.ErrorIs(t, err, ErrSlotActive)
		var active *ActiveError
		require.True(t, errors.As(err, &active))
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, losers)

	s, err := m.Get("contended")
	require.NoError(t, err)
	st := s.State()
	assert.NotEqual(t, NoOwner, st.ActiveOwner)
	assert.False(t, st.ConfirmedFlush.IsValid(), "losing acquire mutates nothing")
}

func TestReleaseSignalsAndDropsEphemeral(t *testing.T) {
	m := NewManager(NewMemoryStore(), Hooks{})
	owner := m.NewOwner()

	events, cancel := m.Subscribe()
	defer cancel()

	s, err := m.Create(CreateOptions{Name: "temp", Persistency: Ephemeral}, owner.ID())
	require.NoError(t, err)
	require.NoError(t, m.Release(s, owner.ID()))

	select {
	case ev := <-events:
		assert.Equal(t, uint64(owner.ID()), ev.Value)
	case <-time.After(time.Second):
		t.Fatal("no release event")
	}

	_, err = m.Get("temp")
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestReleaseRequiresOwnership(t *testing.T) {
	m := NewManager(NewMemoryStore(), Hooks{})
	a, b := m.NewOwner(), m.NewOwner()

	s, err := m.Create(CreateOptions{Name: "owned"}, a.ID())
	require.NoError(t, err)
	assert.Error(t, m.Release(s, b.ID()))
	require.NoError(t, m.Release(s, a.ID()))

	_, err = m.Acquire("owned", b.ID())
	require.NoError(t, err)
}

func TestDrop(t *testing.T) {
	store := NewMemoryStore()
	var required []wal.LSN
	m := NewManager(store, Hooks{RequiredLSN: func(l wal.LSN) error {
		required = append(required, l)
		return nil
	}})
	a, b := m.NewOwner(), m.NewOwner()

	s, err := m.Create(CreateOptions{Name: "gone"}, a.ID())
	require.NoError(t, err)
	require.NoError(t, s.SetRestartLSN(64))

	assert.ErrorIs(t, m.Drop("gone", b.ID()), ErrSlotActive)
	require.NoError(t, m.Drop("gone", a.ID()))

	_, ok := store.Saved("gone")
	assert.False(t, ok)
	assert.ErrorIs(t, m.Drop("gone", a.ID()), ErrSlotNotFound)
	assert.Equal(t, wal.InvalidLSN, required[len(required)-1])
}

func TestOpenSkipsEphemeralAndRestoresEffective(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SaveSlot(PersistentData{Name: "keep", Kind: KindLogical, CatalogXmin: 77, RestartLSN: 10}))
	require.NoError(t, store.SaveSlot(PersistentData{Name: "temp", Kind: KindLogical, Persistency: Ephemeral}))

	var requiredXmin wal.XID
	m := NewManager(store, Hooks{RequiredXmin: func(x wal.XID) error {
		requiredXmin = x
		return nil
	}})
	require.NoError(t, m.Open())

	s, err := m.Get("keep")
	require.NoError(t, err)
	assert.Equal(t, wal.XID(77), s.EffectiveCatalogXmin())
	assert.Equal(t, wal.XID(77), requiredXmin)

	_, err = m.Get("temp")
	assert.ErrorIs(t, err, ErrSlotNotFound)
	_, ok := store.Saved("temp")
	assert.False(t, ok)
}

func TestComputeRequiredXminTakesOldest(t *testing.T) {
	var required wal.XID
	m := NewManager(NewMemoryStore(), Hooks{RequiredXmin: func(x wal.XID) error {
		required = x
		return nil
	}})

	a, err := m.Create(CreateOptions{Name: "a"}, NoOwner)
	require.NoError(t, err)
	b, err := m.Create(CreateOptions{Name: "b"}, NoOwner)
	require.NoError(t, err)
	_, err = m.Create(CreateOptions{Name: "c"}, NoOwner)
	require.NoError(t, err)

	a.InitCatalogXmin(500)
	b.InitCatalogXmin(300)
	require.NoError(t, m.ComputeRequiredXmin())
	assert.Equal(t, wal.XID(300), required, "slots without catalog xmin are ignored")
}

func TestCheckPointFlushesDirtySlots(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, Hooks{})

	s, err := m.Create(CreateOptions{Name: "lazy"}, NoOwner)
	require.NoError(t, err)
	require.NoError(t, m.ConfirmReceived(s, 500))

	saved, _ := store.Saved("lazy")
	assert.False(t, saved.ConfirmedFlush.IsValid(), "plain confirmations are written lazily")
	assert.True(t, s.State().Dirty)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.RunCheckpointer(ctx, 5*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		saved, _ := store.Saved("lazy")
		return saved.ConfirmedFlush == 500
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, s.State().Dirty)
}

func TestPersistEphemeral(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, Hooks{})

	s, err := m.Create(CreateOptions{Name: "promote_me", Persistency: Ephemeral}, NoOwner)
	require.NoError(t, err)
	require.NoError(t, m.Persist(s))

	saved, ok := store.Saved("promote_me")
	require.True(t, ok)
	assert.Equal(t, Persistent, saved.Persistency)
}

func TestSignalOwner(t *testing.T) {
	m := NewManager(NewMemoryStore(), Hooks{})
	o := m.NewOwner()

	conflict := &ConflictError{Slot: "s", Owner: o.ID(), CatalogXmin: 5, Horizon: 9}
	assert.True(t, m.SignalOwner(o.ID(), conflict))

	select {
	case <-o.Interrupts():
	default:
		t.Fatal("interrupt not delivered")
	}
	err := o.TakeInterrupt()
	assert.ErrorIs(t, err, ErrRecoveryConflict)
	assert.NoError(t, o.TakeInterrupt())

	m.RemoveOwner(o)
	assert.False(t, m.SignalOwner(o.ID(), conflict), "signalling a vanished owner is a no-op")
}

func TestDescribe(t *testing.T) {
	d := PersistentData{Name: "orders", RestartLSN: 0x16B3748, CatalogXmin: 731, ConfirmedFlush: 1<<32 | 0x10}
	assert.Equal(t, "UPDATE of slot orders with restart 0/16B3748 and xid 731 confirmed to 1/10", d.Describe())
	assert.Equal(t, "DROP of slot orders", DescribeDrop("orders"))
}
