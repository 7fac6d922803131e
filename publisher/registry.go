package publisher

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/slotkeeper/cfg"
	"github.com/maxpert/slotkeeper/decoding"
	"github.com/maxpert/slotkeeper/slot"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the publisher registry
type RegistryConfig struct {
	Database     string                  // Database slots decode
	SlotConfigs  []cfg.SlotConfiguration // From config
	Slots        *slot.Manager
	Engine       *decoding.Engine
	PollInterval time.Duration
}

// Registry manages the lifecycle of all slot workers
type Registry struct {
	config  RegistryConfig
	workers map[string]*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a worker for every configured slot
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Slots == nil {
		return nil, fmt.Errorf("slot manager is required")
	}
	if config.Engine == nil {
		return nil, fmt.Errorf("decoding engine is required")
	}

	registry := &Registry{
		config:  config,
		workers: make(map[string]*Worker, len(config.SlotConfigs)),
	}

	for _, slotCfg := range config.SlotConfigs {
		if err := registry.AddSlot(slotCfg); err != nil {
			// Cleanup on error: close all worker sinks
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add slot %q: %w", slotCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Slot publisher registry initialized")

	return registry, nil
}

// AddSlot creates a worker for the given slot configuration. It is started
// right away if the registry is running.
func (r *Registry) AddSlot(config cfg.SlotConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[config.Name]; exists {
		return fmt.Errorf("slot %q already has a worker", config.Name)
	}

	persistency, err := slot.ParsePersistency(config.Persistency)
	if err != nil {
		return err
	}

	compressor, err := NewCompressor(config.Sink.Compression)
	if err != nil {
		return err
	}

	snk, err := createSink(config.Sink)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Slot:            config.Name,
		Database:        r.config.Database,
		Plugin:          config.Plugin,
		PluginOptions:   pluginOptions(config),
		Persistency:     persistency,
		Failover:        config.Failover,
		Slots:           r.config.Slots,
		Engine:          r.config.Engine,
		Sink:            snk,
		Compressor:      compressor,
		TopicPrefix:     config.Sink.TopicPrefix,
		BatchSize:       config.Sink.BatchSize,
		PollInterval:    r.config.PollInterval,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers[config.Name] = worker
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("slot", config.Name).
		Str("plugin", config.Plugin).
		Str("sink", config.Sink.Type).
		Msg("Added slot publisher")

	return nil
}

// pluginOptions merges the relation filters into the plugin options
func pluginOptions(config cfg.SlotConfiguration) map[string]string {
	opts := make(map[string]string, len(config.Options)+2)
	for k, v := range config.Options {
		opts[k] = v
	}
	if len(config.IncludeTables) > 0 {
		opts["include-tables"] = strings.Join(config.IncludeTables, ",")
	}
	if len(config.ExcludeTables) > 0 {
		opts["exclude-tables"] = strings.Join(config.ExcludeTables, ",")
	}
	return opts
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting slot publisher registry")

	for _, worker := range r.workers {
		worker.Start()
	}

	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return // Already stopped
	}

	log.Info().Msg("Stopping slot publisher registry")

	for name, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("slot", name).Msg("Failed to close sink")
		}
	}

	log.Info().Msg("Slot publisher registry stopped")
}

// Statuses returns a snapshot of every worker, ordered by slot name
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.workers))
	for _, worker := range r.workers {
		out = append(out, worker.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}
