package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Slot persistency values
const (
	PersistencyPersistent = "persistent"
	PersistencyEphemeral  = "ephemeral"
)

// DecodingConfiguration controls decoding sessions and retention
type DecodingConfiguration struct {
	MaxStandbyDelayMS         int `toml:"max_standby_delay_ms"`        // -1 waits forever before cancelling a conflicting session
	ConflictSignalIntervalMS  int `toml:"conflict_signal_interval_ms"` // Pause after each conflict signal
	CheckpointIntervalSeconds int `toml:"checkpoint_interval_seconds"` // How often dirty slots are flushed
	PollIntervalMS            int `toml:"poll_interval_ms"`            // Idle wait before re-reading the WAL
	SnapshotIntervalMS        int `toml:"snapshot_interval_ms"`        // How often running transactions are logged on a primary
}

// SinkConfiguration describes where a slot's output is delivered
type SinkConfiguration struct {
	Type        string   `toml:"type"` // "kafka", "nats" or "mock"
	Brokers     []string `toml:"brokers"`
	NatsURL     string   `toml:"nats_url"`
	TopicPrefix string   `toml:"topic_prefix"`
	BatchSize   int      `toml:"batch_size"`
	Compression string   `toml:"compression"` // "none" or "zstd"
}

// SlotConfiguration declares a logical slot streamed by this node
type SlotConfiguration struct {
	Name          string            `toml:"name"`
	Plugin        string            `toml:"plugin"`
	Options       map[string]string `toml:"options"`
	Persistency   string            `toml:"persistency"`
	Failover      bool              `toml:"failover"`
	IncludeTables []string          `toml:"include_tables"` // Glob patterns, empty = all
	ExcludeTables []string          `toml:"exclude_tables"`

	Sink SinkConfiguration `toml:"sink"`

	RetryInitialMS  int     `toml:"retry_initial_ms"`
	RetryMaxMS      int     `toml:"retry_max_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
}

// AdminConfiguration for the HTTP admin API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Pre-shared key, empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID     uint64 `toml:"node_id"`
	DataDir    string `toml:"data_dir"`
	DatabaseID string `toml:"database_id"`
	Standby    bool   `toml:"standby"`

	Decoding   DecodingConfiguration   `toml:"decoding"`
	Slots      []SlotConfiguration     `toml:"slots"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
	StandbyFlag    = flag.Bool("standby", false, "Start in recovery (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:     0, // Auto-generate
	DataDir:    "./slotkeeper-data",
	DatabaseID: "postgres",

	Decoding: DecodingConfiguration{
		MaxStandbyDelayMS:         30000,
		ConflictSignalIntervalMS:  10,
		CheckpointIntervalSeconds: 5,
		PollIntervalMS:            100,
		SnapshotIntervalMS:        15000,
	},

	Slots: []SlotConfiguration{},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8080,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *StandbyFlag {
		Config.Standby = true
	}

	applySlotDefaults()

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

func applySlotDefaults() {
	for i := range Config.Slots {
		s := &Config.Slots[i]
		if s.Persistency == "" {
			s.Persistency = PersistencyPersistent
		}
		if s.RetryInitialMS == 0 {
			s.RetryInitialMS = 100
		}
		if s.RetryMaxMS == 0 {
			s.RetryMaxMS = 30000
		}
		if s.RetryMultiplier == 0 {
			s.RetryMultiplier = 2.0
		}
		if s.Sink.Compression == "" {
			s.Sink.Compression = "none"
		}
	}
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("slotkeeper")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.DatabaseID == "" {
		return fmt.Errorf("database_id is required")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	if Config.Decoding.MaxStandbyDelayMS < -1 {
		return fmt.Errorf("max standby delay must be >= -1")
	}

	if Config.Decoding.ConflictSignalIntervalMS < 1 {
		return fmt.Errorf("conflict signal interval must be >= 1ms")
	}

	if Config.Decoding.CheckpointIntervalSeconds < 1 {
		return fmt.Errorf("checkpoint interval must be >= 1 second")
	}

	if Config.Decoding.PollIntervalMS < 1 {
		return fmt.Errorf("poll interval must be >= 1ms")
	}

	if Config.Decoding.SnapshotIntervalMS < 1 {
		return fmt.Errorf("snapshot interval must be >= 1ms")
	}

	seen := make(map[string]bool, len(Config.Slots))
	for _, s := range Config.Slots {
		if err := validateSlot(s); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate slot %q", s.Name)
		}
		seen[s.Name] = true
	}

	return nil
}

func validateSlot(s SlotConfiguration) error {
	if s.Name == "" {
		return fmt.Errorf("slot name is required")
	}
	if s.Plugin == "" {
		return fmt.Errorf("slot %q: plugin is required", s.Name)
	}
	if s.Persistency != PersistencyPersistent && s.Persistency != PersistencyEphemeral {
		return fmt.Errorf("slot %q: invalid persistency %q", s.Name, s.Persistency)
	}
	if s.Sink.Type == "" {
		return fmt.Errorf("slot %q: sink type is required", s.Name)
	}
	if s.Sink.Compression != "none" && s.Sink.Compression != "zstd" {
		return fmt.Errorf("slot %q: invalid compression %q", s.Name, s.Sink.Compression)
	}
	if s.RetryInitialMS < 1 || s.RetryMaxMS < s.RetryInitialMS {
		return fmt.Errorf("slot %q: retry_max_ms must be >= retry_initial_ms >= 1", s.Name)
	}
	if s.RetryMultiplier < 1 {
		return fmt.Errorf("slot %q: retry multiplier must be >= 1", s.Name)
	}
	return nil
}

// IsAdminAuthEnabled reports whether admin requests must carry the secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// MaxStandbyDelay returns the conflict wait bound; negative means forever
func MaxStandbyDelay() time.Duration {
	if Config.Decoding.MaxStandbyDelayMS < 0 {
		return -1
	}
	return time.Duration(Config.Decoding.MaxStandbyDelayMS) * time.Millisecond
}
