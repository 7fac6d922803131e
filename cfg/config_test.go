package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Configuration {
	return &Configuration{
		NodeID:     1,
		DataDir:    "./test-data",
		DatabaseID: "postgres",
		Decoding: DecodingConfiguration{
			MaxStandbyDelayMS:         1000,
			ConflictSignalIntervalMS:  10,
			CheckpointIntervalSeconds: 5,
			PollIntervalMS:            100,
			SnapshotIntervalMS:        15000,
		},
		Admin: AdminConfiguration{
			Enabled: true,
			Port:    8080,
		},
		Logging: LoggingConfiguration{
			Format: "console",
		},
		Slots: []SlotConfiguration{
			{
				Name:            "orders_cdc",
				Plugin:          "jsonchange",
				Persistency:     PersistencyPersistent,
				Sink:            SinkConfiguration{Type: "kafka", Brokers: []string{"localhost:9092"}, Compression: "none"},
				RetryInitialMS:  100,
				RetryMaxMS:      1000,
				RetryMultiplier: 2,
			},
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	if err := Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		mutate func(c *Configuration)
	}{
		{"missing database", func(c *Configuration) { c.DatabaseID = "" }},
		{"admin port", func(c *Configuration) { c.Admin.Port = 70000 }},
		{"log format", func(c *Configuration) { c.Logging.Format = "xml" }},
		{"standby delay", func(c *Configuration) { c.Decoding.MaxStandbyDelayMS = -2 }},
		{"signal interval", func(c *Configuration) { c.Decoding.ConflictSignalIntervalMS = 0 }},
		{"checkpoint interval", func(c *Configuration) { c.Decoding.CheckpointIntervalSeconds = 0 }},
		{"snapshot interval", func(c *Configuration) { c.Decoding.SnapshotIntervalMS = 0 }},
		{"slot plugin", func(c *Configuration) { c.Slots[0].Plugin = "" }},
		{"slot persistency", func(c *Configuration) { c.Slots[0].Persistency = "forever" }},
		{"sink type", func(c *Configuration) { c.Slots[0].Sink.Type = "" }},
		{"compression", func(c *Configuration) { c.Slots[0].Sink.Compression = "lz4" }},
		{"retry bounds", func(c *Configuration) { c.Slots[0].RetryMaxMS = 10 }},
		{"duplicate slot", func(c *Configuration) { c.Slots = append(c.Slots, c.Slots[0]) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = validConfig()
			tt.mutate(Config)
			if err := Validate(); err == nil {
				t.Errorf("Validate() error = nil, want error")
			}
		})
	}
}

func TestLoad_FileWithSlots(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
node_id = 7
data_dir = "` + filepath.Join(dir, "data") + `"
database_id = "shop"
standby = true

[decoding]
max_standby_delay_ms = -1
conflict_signal_interval_ms = 10
checkpoint_interval_seconds = 5
poll_interval_ms = 50

[[slots]]
name = "orders_cdc"
plugin = "textdecoding"
include_tables = ["public.orders*"]

[slots.options]
include-xids = "true"

[slots.sink]
type = "nats"
nats_url = "nats://localhost:4222"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	Config = validConfig()
	Config.Slots = nil
	if err := Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if Config.NodeID != 7 || Config.DatabaseID != "shop" || !Config.Standby {
		t.Errorf("unexpected top level config: %+v", Config)
	}
	if len(Config.Slots) != 1 {
		t.Fatalf("slots = %d, want 1", len(Config.Slots))
	}
	s := Config.Slots[0]
	if s.Persistency != PersistencyPersistent || s.RetryMultiplier != 2 || s.Sink.Compression != "none" {
		t.Errorf("slot defaults not applied: %+v", s)
	}
	if s.Options["include-xids"] != "true" {
		t.Errorf("slot options = %v", s.Options)
	}
	if MaxStandbyDelay() != -1 {
		t.Errorf("MaxStandbyDelay() = %v, want -1", MaxStandbyDelay())
	}
	if err := Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestMaxStandbyDelay(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validConfig()
	if got := MaxStandbyDelay(); got != time.Second {
		t.Errorf("MaxStandbyDelay() = %v, want 1s", got)
	}
}
