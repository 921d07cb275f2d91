package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ReconcileConfig holds configuration for the archive reconcile job.
type ReconcileConfig struct {
	Interval time.Duration
	// AgeThreshold protects bundles uploaded by an issue still in flight.
	AgeThreshold time.Duration
	BatchSize    int
	Enabled      bool
}

// DefaultReconcileConfig returns default configuration.
func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		Interval:     24 * time.Hour,
		AgeThreshold: time.Hour,
		BatchSize:    1000,
		Enabled:      true,
	}
}

// NameChecker reports whether a client is still registered.
type NameChecker interface {
	Contains(ctx context.Context, name string) (bool, error)
}

// ReconcileResult holds the result of a reconcile run.
type ReconcileResult struct {
	StartTime      time.Time
	EndTime        time.Time
	Scanned        int
	OrphansFound   int
	OrphansDeleted int
	BytesFreed     int64
	Errors         []string
}

// ReconcileJob removes archived bundles whose client is no longer registered,
// which happens when a revoke could not reach the archive.
type ReconcileJob struct {
	archive  *BundleArchive
	registry NameChecker
	config   ReconcileConfig
	logger   *slog.Logger
	now      func() time.Time

	stopChan   chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	lastResult *ReconcileResult
}

// NewReconcileJob creates a reconcile job.
func NewReconcileJob(archive *BundleArchive, registry NameChecker, config ReconcileConfig, logger *slog.Logger) *ReconcileJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	return &ReconcileJob{
		archive:  archive,
		registry: registry,
		config:   config,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start begins periodic reconciliation.
func (j *ReconcileJob) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("reconcile job is already running")
	}
	if !j.config.Enabled {
		j.logger.Info("Archive reconcile job is disabled")
		return nil
	}

	j.running = true
	j.stopChan = make(chan struct{})
	j.wg.Add(1)
	go j.run()

	j.logger.Info("Archive reconcile job started",
		"interval", j.config.Interval.String(),
		"age_threshold", j.config.AgeThreshold.String(),
	)
	return nil
}

// Stop stops the job and waits for the current run to finish.
func (j *ReconcileJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopChan)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("Archive reconcile job stopped")
}

// IsRunning returns whether the job is running.
func (j *ReconcileJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// LastResult returns the result of the last run, or nil.
func (j *ReconcileJob) LastResult() *ReconcileResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastResult
}

func (j *ReconcileJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			result := j.RunNow(ctx)
			cancel()
			j.logger.Info("Archive reconcile completed",
				"scanned", result.Scanned,
				"orphans_found", result.OrphansFound,
				"orphans_deleted", result.OrphansDeleted,
				"bytes_freed", result.BytesFreed,
				"errors", len(result.Errors),
				"duration", result.EndTime.Sub(result.StartTime).String(),
			)
		case <-j.stopChan:
			return
		}
	}
}

// RunNow performs one reconcile pass.
func (j *ReconcileJob) RunNow(ctx context.Context) *ReconcileResult {
	result := &ReconcileResult{StartTime: j.now()}
	defer func() {
		result.EndTime = j.now()
		j.mu.Lock()
		j.lastResult = result
		j.mu.Unlock()
	}()

	objects, err := j.archive.List(ctx)
	result.Scanned = len(objects)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	cutoff := result.StartTime.Add(-j.config.AgeThreshold)
	var orphans []ArchivedObject
	for _, obj := range objects {
		if !obj.LastModified.IsZero() && obj.LastModified.After(cutoff) {
			continue
		}
		registered, err := j.registry.Contains(ctx, obj.Name)
		if err != nil {
			// Without the registry nothing can be judged an orphan.
			result.Errors = append(result.Errors, fmt.Sprintf("registry lookup for %s: %v", obj.Name, err))
			return result
		}
		if !registered {
			orphans = append(orphans, obj)
		}
	}
	result.OrphansFound = len(orphans)

	for i := 0; i < len(orphans); i += j.config.BatchSize {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, "context cancelled during deletion")
			return result
		}
		end := min(i+j.config.BatchSize, len(orphans))
		batch := orphans[i:end]

		keys := make([]string, len(batch))
		for n, obj := range batch {
			keys[n] = obj.Key
		}
		failed, err := j.archive.deleteKeys(ctx, keys)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("batch at index %d: %v", i, err))
			continue
		}
		for _, obj := range batch {
			if msg, ok := failed[obj.Key]; ok {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to delete %s: %s", obj.Key, msg))
				continue
			}
			result.OrphansDeleted++
			result.BytesFreed += obj.Size
			j.logger.Info("Removed orphaned archived bundle", "client", obj.Name, "key", obj.Key)
		}
	}
	return result
}
