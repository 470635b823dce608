package memory

// cleanup.go - Periodic eviction sweep
//
// The sweep is global-limit-based, not LRU: any connection whose buffered
// bytes exceed its cap is evicted regardless of recency. This bounds
// worst-case memory independent of traffic pattern.

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/threadcast/threadcast/internal/logger"
	"github.com/threadcast/threadcast/internal/metrics"
)

// SessionCloser force-closes the session behind a connection. Eviction
// closes are fire-and-forget per connection so one slow close cannot stall
// the sweep of other connections.
type SessionCloser interface {
	CloseForEviction(connectionID string)
}

// CleanupConfig holds sweep tuning.
type CleanupConfig struct {
	Interval         time.Duration // How often the sweep runs
	MetricsRetention time.Duration // How long write-history samples are kept
}

// DefaultCleanupConfig returns sensible defaults.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:         30 * time.Second,
		MetricsRetention: 10 * time.Minute,
	}
}

// CleanupResult is the structured record emitted once per sweep.
type CleanupResult struct {
	CleanedConnections int           `json:"cleaned_connections"`
	CleanedMetrics     int           `json:"cleaned_metrics"`
	FreedBytes         int64         `json:"freed_bytes"`
	Duration           time.Duration `json:"duration"`
}

// CleanupManager periodically consults the tracker and evicts connections
// over their buffer budget. One manager serves all connections.
type CleanupManager struct {
	tracker   *Tracker
	closer    SessionCloser
	retention time.Duration
	interval  time.Duration
	cron      *cron.Cron
}

// NewCleanupManager creates a manager. It does not start sweeping until
// Start is called.
func NewCleanupManager(tracker *Tracker, closer SessionCloser, cfg CleanupConfig) *CleanupManager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCleanupConfig().Interval
	}
	if cfg.MetricsRetention <= 0 {
		cfg.MetricsRetention = DefaultCleanupConfig().MetricsRetention
	}
	return &CleanupManager{
		tracker:   tracker,
		closer:    closer,
		retention: cfg.MetricsRetention,
		interval:  cfg.Interval,
		cron:      cron.New(cron.WithSeconds()),
	}
}

// Start begins the periodic sweep.
func (m *CleanupManager) Start() error {
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := m.cron.AddFunc(spec, func() { m.Sweep() }); err != nil {
		return fmt.Errorf("failed to schedule cleanup sweep: %w", err)
	}
	m.cron.Start()
	logger.Info("Memory cleanup started (interval: %v, retention: %v)", m.interval, m.retention)
	return nil
}

// Stop halts the sweep. In-flight eviction closes are fire-and-forget and
// are not awaited.
func (m *CleanupManager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	logger.Info("Memory cleanup stopped")
}

// Sweep runs one cleanup pass and returns its result. Safe to run
// concurrently with active writers: eviction decisions read atomic
// counters, and each account is only ever mutated by its own connection.
func (m *CleanupManager) Sweep() CleanupResult {
	start := time.Now()

	cutoff := start.Add(-m.retention)
	cleanedMetrics := m.tracker.PurgeSamplesBefore(cutoff)

	var stale []string
	for _, id := range m.tracker.AllTracked() {
		if m.tracker.BufferSize(id) > m.tracker.Limit(id) {
			stale = append(stale, id)
		}
	}

	var freedBytes int64
	for _, id := range stale {
		// Untrack before closing: the close path refunds buffered bytes
		// through RecordRead, and letting that land first would make the
		// later Untrack report a shrunken account.
		freedBytes += m.tracker.Untrack(id)
		m.closer.CloseForEviction(id)
		metrics.RecordEviction()
	}

	result := CleanupResult{
		CleanedConnections: len(stale),
		CleanedMetrics:     cleanedMetrics,
		FreedBytes:         freedBytes,
		Duration:           time.Since(start),
	}

	metrics.CleanupDuration.Observe(result.Duration.Seconds())
	logger.Slog().Info("cleanup sweep complete",
		"cleaned_connections", result.CleanedConnections,
		"cleaned_metrics", result.CleanedMetrics,
		"freed_bytes", result.FreedBytes,
		"duration", result.Duration,
	)
	return result
}
