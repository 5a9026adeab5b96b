package telemetry

import (
	"sync"
	"time"

	"github.com/maxpert/trxbook/common"
	"github.com/maxpert/trxbook/session"
)

// Watermark triggers label WatermarkComputeSeconds.
const (
	TriggerCollector = "collector"
	TriggerAdmin     = "admin"
)

// WatermarkSource recomputes the oldest active transaction.
type WatermarkSource interface {
	ComputeOldestActiveTransaction() common.TrxID
}

// StatsProvider is the registry surface the collector polls
type StatsProvider interface {
	WatermarkSource
	Stats() session.Stats
}

// ComputeWatermark recomputes the watermark of src and records the time it
// took under trigger.
func ComputeWatermark(src WatermarkSource, trigger string) common.TrxID {
	start := time.Now()
	oldest := src.ComputeOldestActiveTransaction()
	WatermarkComputeSeconds.With(trigger).Observe(time.Since(start).Seconds())
	return oldest
}

// DatabaseCounter reports how many databases are attached
type DatabaseCounter interface {
	Len() int
}

// MetricsCollector periodically recomputes the oldest active transaction
// and updates telemetry gauges from registry stats
type MetricsCollector struct {
	registry  StatsProvider
	databases DatabaseCounter
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. databases may be nil.
func NewMetricsCollector(registry StatsProvider, databases DatabaseCounter, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		registry:  registry,
		databases: databases,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
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
	if mc.registry == nil {
		return
	}

	// Staleness is sampled before the refresh below resets it
	WatermarkStalenessSeconds.Set(mc.registry.Stats().WatermarkStaleness.Seconds())
	ComputeWatermark(mc.registry, TriggerCollector)

	stats := mc.registry.Stats()
	SessionsInUse.Set(float64(stats.SessionsInUse))
	SessionsQuota.Set(float64(stats.SessionsQuota))
	ActiveTransactions.Set(float64(stats.ActiveTransactions))
	VersionEntries.With("deferred").Set(float64(stats.DeferredEntries))
	VersionEntries.With("registered").Set(float64(stats.RegisteredEntries))

	if mc.databases != nil {
		AttachedDatabases.Set(float64(mc.databases.Len()))
	}
}
