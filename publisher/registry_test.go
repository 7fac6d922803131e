package publisher

import (
	"testing"
	"time"

	"github.com/maxpert/slotkeeper/cfg"
	"github.com/maxpert/slotkeeper/slot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registrySinks = make(chan *mockSink, 16)

func init() {
	// Sinks live in the sink package, which imports this one.
	RegisterSink("test", func(config cfg.SinkConfiguration) (Sink, error) {
		snk := &mockSink{}
		registrySinks <- snk
		return snk, nil
	})
}

func slotConfig(name string) cfg.SlotConfiguration {
	return cfg.SlotConfiguration{
		Name:            name,
		Plugin:          "test_decoding",
		Options:         map[string]string{"include-xids": "false"},
		Persistency:     cfg.PersistencyPersistent,
		Sink:            cfg.SinkConfiguration{Type: "test", Compression: CompressionNone},
		RetryInitialMS:  1,
		RetryMaxMS:      5,
		RetryMultiplier: 2,
	}
}

func TestNewRegistryValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewRegistry(RegistryConfig{Engine: env.engine})
	assert.ErrorContains(t, err, "slot manager is required")

	_, err = NewRegistry(RegistryConfig{Slots: env.slots})
	assert.ErrorContains(t, err, "decoding engine is required")
}

func TestRegistryRejectsBadSlots(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		modify func(*cfg.SlotConfiguration)
		errMsg string
	}{
		{name: "unknown sink", modify: func(c *cfg.SlotConfiguration) { c.Sink.Type = "carrier-pigeon" }, errMsg: "unknown sink type"},
		{name: "bad compression", modify: func(c *cfg.SlotConfiguration) { c.Sink.Compression = "lz77" }, errMsg: "unknown compression"},
		{name: "bad persistency", modify: func(c *cfg.SlotConfiguration) { c.Persistency = "forever" }, errMsg: "unknown slot persistency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := slotConfig("bad")
			tt.modify(&sc)
			_, err := NewRegistry(RegistryConfig{
				SlotConfigs: []cfg.SlotConfiguration{sc},
				Slots:       env.slots,
				Engine:      env.engine,
			})
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestRegistryDuplicateSlot(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewRegistry(RegistryConfig{
		SlotConfigs: []cfg.SlotConfiguration{slotConfig("dup"), slotConfig("dup")},
		Slots:       env.slots,
		Engine:      env.engine,
	})
	assert.ErrorContains(t, err, "already has a worker")

	// The sink of the first worker is closed on cleanup.
	first := <-registrySinks
	assert.True(t, first.closed.Load())
}

func TestPluginOptionsCarryFilters(t *testing.T) {
	sc := slotConfig("filters")
	sc.IncludeTables = []string{"public.*", "audit.events"}
	sc.ExcludeTables = []string{"public.tmp_*"}

	opts := pluginOptions(sc)
	assert.Equal(t, map[string]string{
		"include-xids":   "false",
		"include-tables": "public.*,audit.events",
		"exclude-tables": "public.tmp_*",
	}, opts)
	assert.NotContains(t, sc.Options, "include-tables", "configuration is not modified")
}

func TestRegistryLifecycle(t *testing.T) {
	env := newTestEnv(t)

	registry, err := NewRegistry(RegistryConfig{
		Database:     "postgres",
		SlotConfigs:  []cfg.SlotConfiguration{slotConfig("feed_b"), slotConfig("feed_a")},
		Slots:        env.slots,
		Engine:       env.engine,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	sinks := []*mockSink{<-registrySinks, <-registrySinks}

	require.NoError(t, registry.Start())
	assert.Error(t, registry.Start(), "already running")

	require.Eventually(t, func() bool {
		for _, st := range registry.Statuses() {
			if !st.Streaming {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	statuses := registry.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "feed_a", statuses[0].Slot)
	assert.Equal(t, "feed_b", statuses[1].Slot)

	env.insert(t, "1")
	for _, snk := range sinks {
		require.Eventually(t, func() bool { return len(snk.values()) == 3 }, 5*time.Second, time.Millisecond)
		assert.Equal(t, rowLines("1"), snk.values())
	}

	// Added while running: starts right away.
	require.NoError(t, registry.AddSlot(slotConfig("feed_c")))
	late := <-registrySinks
	require.Eventually(t, func() bool { return len(registry.Statuses()) == 3 && registry.Statuses()[2].Streaming }, 5*time.Second, time.Millisecond)

	registry.Stop()
	registry.Stop()

	for _, snk := range append(sinks, late) {
		assert.True(t, snk.closed.Load())
	}
	for _, st := range registry.Statuses() {
		assert.False(t, st.Running)
		s, err := env.slots.Get(st.Slot)
		require.NoError(t, err)
		assert.Equal(t, slot.NoOwner, s.ActiveOwner())
	}
}
