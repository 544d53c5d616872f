// Package retention implements the administrative run prune: a Janitor
// that periodically finds terminal runs older than the retention window,
// archives their full timeline through a pluggable ArchiveDriver, and only
// then cascades the deletion (steps, events, and gates go with the run).
//
// Archive failures are fail-safe: a run is never deleted when its archive
// write did not succeed.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/runforge/controlplane/internal/store"
	"github.com/runforge/controlplane/pkg/contracts"
	"github.com/runforge/controlplane/pkg/models"
)

// DefaultRetentionDays is the retention window applied when RETENTION_DAYS
// is unset.
const DefaultRetentionDays = 30

// DefaultBatchSize bounds how many runs a single cycle prunes.
const DefaultBatchSize = 100

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	RunsArchived int
	RunsPurged   int
	Errors       []error
}

// Janitor periodically archives and purges terminal runs past retention.
type Janitor struct {
	store         store.Store
	interval      time.Duration
	retentionDays int
	batchSize     int

	archiveDrivers map[string]contracts.ArchiveDriver
	driverMu       sync.RWMutex
	defaultBackend string
}

// NewJanitor creates a retention janitor sweeping every interval, pruning
// terminal runs older than retentionDays.
func NewJanitor(s store.Store, interval time.Duration, retentionDays int) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Janitor{
		store:          s,
		interval:       interval,
		retentionDays:  retentionDays,
		batchSize:      DefaultBatchSize,
		archiveDrivers: make(map[string]contracts.ArchiveDriver),
	}
}

// RegisterArchiver adds an archive driver. The first registered driver
// becomes the default backend.
func (j *Janitor) RegisterArchiver(driver contracts.ArchiveDriver) {
	j.driverMu.Lock()
	defer j.driverMu.Unlock()
	kind := driver.Kind()
	if len(j.archiveDrivers) == 0 {
		j.defaultBackend = kind
	}
	j.archiveDrivers[kind] = driver
	log.Info().Str("kind", kind).Msg("Archive driver registered")
}

// SetDefaultBackend overrides which archive driver the prune uses.
func (j *Janitor) SetDefaultBackend(kind string) {
	j.driverMu.Lock()
	defer j.driverMu.Unlock()
	j.defaultBackend = kind
}

// GetArchiver returns the registered driver for the given kind.
func (j *Janitor) GetArchiver(kind string) (contracts.ArchiveDriver, bool) {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	d, ok := j.archiveDrivers[kind]
	return d, ok
}

// ListArchivers returns the kinds of all registered archive drivers.
func (j *Janitor) ListArchivers() []string {
	j.driverMu.RLock()
	defer j.driverMu.RUnlock()
	kinds := make([]string, 0, len(j.archiveDrivers))
	for k := range j.archiveDrivers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Start runs the janitor in the calling goroutine until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("retention_days", j.retentionDays).
		Strs("archivers", j.ListArchivers()).
		Str("default_backend", j.defaultBackend).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep and reports what it did. Exposed
// for administrative "prune now" invocations and tests.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	stats := CycleStats{}

	cutoff := time.Now().AddDate(0, 0, -j.retentionDays)
	expired, err := j.store.ListRunsOlderThan(ctx, cutoff, j.batchSize)
	if err != nil {
		log.Warn().Err(err).Msg("Retention janitor: failed to list expired runs")
		stats.Errors = append(stats.Errors, err)
		return stats
	}
	if len(expired) == 0 {
		return stats
	}

	for _, run := range expired {
		if err := j.pruneRun(ctx, run, &stats); err != nil {
			stats.Errors = append(stats.Errors, err)
			log.Warn().Err(err).Str("run", run.ID).Msg("Retention cycle error")
		}
	}

	log.Info().
		Int("archived", stats.RunsArchived).
		Int("purged", stats.RunsPurged).
		Int("errors", len(stats.Errors)).
		Dur("elapsed", time.Since(start)).
		Msg("Retention cycle complete")
	return stats
}

// pruneRun archives one run's full snapshot and, only on archive success,
// cascades its deletion.
func (j *Janitor) pruneRun(ctx context.Context, run models.Run, stats *CycleStats) error {
	snapshot, err := j.buildSnapshot(ctx, run)
	if err != nil {
		return err
	}

	j.driverMu.RLock()
	driver := j.archiveDrivers[j.defaultBackend]
	j.driverMu.RUnlock()

	if driver != nil {
		uri, err := driver.ArchiveRun(ctx, *snapshot)
		if err != nil {
			log.Warn().Err(err).Str("run", run.ID).Msg("Archive failed — skipping purge (fail-safe)")
			return err
		}
		stats.RunsArchived++
		log.Debug().Str("run", run.ID).Str("uri", uri).Msg("Run archived")
	}

	if err := j.store.DeleteRun(ctx, run.ID); err != nil {
		return err
	}
	stats.RunsPurged++
	return nil
}

func (j *Janitor) buildSnapshot(ctx context.Context, run models.Run) (*models.RunSnapshot, error) {
	steps, err := j.store.ListStepsByRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	events, err := j.store.ListEvents(ctx, run.ID, 0)
	if err != nil {
		return nil, err
	}
	gates, err := j.store.ListGatesByRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &models.RunSnapshot{Run: run, Steps: steps, Events: events, Gates: gates}, nil
}
