package telemetry

import (
	"sync"
	"time"
)

// SlotStats is a point-in-time view of one slot's retention marks.
type SlotStats struct {
	Name                 string
	Active               bool
	ConfirmedLSN         uint64
	RestartLSN           uint64
	EffectiveCatalogXmin uint32
}

// SlotLister provides slot stats to the collector
type SlotLister interface {
	SlotStats() []SlotStats
}

// HorizonProvider provides installation-wide horizons to the collector
type HorizonProvider interface {
	OldestCatalogXminValue() uint32
	OldestWALPosition() uint64
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	slots    SlotLister
	horizon  HorizonProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. horizon may be nil.
func NewMetricsCollector(slots SlotLister, horizon HorizonProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		slots:    slots,
		horizon:  horizon,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.slots != nil {
		active := 0
		for _, s := range mc.slots.SlotStats() {
			SlotConfirmedLSN.With(s.Name).Set(float64(s.ConfirmedLSN))
			SlotRestartLSN.With(s.Name).Set(float64(s.RestartLSN))
			SlotCatalogXmin.With(s.Name).Set(float64(s.EffectiveCatalogXmin))
			if s.Active {
				active++
			}
		}
		SlotsActive.Set(float64(active))
	}

	if mc.horizon != nil {
		OldestCatalogXmin.Set(float64(mc.horizon.OldestCatalogXminValue()))
		WALOldestLSN.Set(float64(mc.horizon.OldestWALPosition()))
	}
}
