package progress

import (
	"context"
	"log"
	"sync"
	"time"

	"teamcache/internal/events"
	"teamcache/internal/models"
	"teamcache/internal/telemetry"
)

// Refresher recomputes a job's counters from its items and finalizes the job
// when every item is terminal.
type Refresher interface {
	RefreshJobProgress(ctx context.Context, jobID string) (models.Job, bool, error)
}

// Publisher broadcasts job-update events.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event)
}

// Aggregator coalesces per-item completions into batched job counter
// updates. A job is flushed when either batchSize items finished since the
// last flush or interval elapsed, whichever comes first, keeping the store
// write rate bounded under high item throughput while staying near-real-time
// for dashboards.
type Aggregator struct {
	store     Refresher
	bus       Publisher
	batchSize int
	interval  time.Duration

	mu    sync.Mutex
	dirty map[string]int
}

// NewAggregator builds an aggregator with the given coalescing thresholds.
// Zero values fall back to 10 items / 2s.
func NewAggregator(store Refresher, bus Publisher, batchSize int, interval time.Duration) *Aggregator {
	if batchSize <= 0 {
		batchSize = 10
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Aggregator{
		store:     store,
		bus:       bus,
		batchSize: batchSize,
		interval:  interval,
		dirty:     make(map[string]int),
	}
}

// ItemFinished records one terminal item write for jobID and flushes the job
// immediately once the batch threshold is reached.
func (a *Aggregator) ItemFinished(ctx context.Context, jobID string) {
	a.mu.Lock()
	a.dirty[jobID]++
	due := a.dirty[jobID] >= a.batchSize
	if due {
		delete(a.dirty, jobID)
	}
	a.mu.Unlock()

	if due {
		a.flush(ctx, jobID)
	}
}

// Run flushes all dirty jobs on the time threshold until ctx is cancelled.
// A final flush on shutdown drains anything still pending.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.FlushAll(context.Background())
			return
		case <-ticker.C:
			a.FlushAll(ctx)
		}
	}
}

// FlushAll flushes every job with unreported completions.
func (a *Aggregator) FlushAll(ctx context.Context) {
	a.mu.Lock()
	ids := make([]string, 0, len(a.dirty))
	for id := range a.dirty {
		ids = append(ids, id)
	}
	a.dirty = make(map[string]int)
	a.mu.Unlock()

	for _, id := range ids {
		a.flush(ctx, id)
	}
}

// Pending returns how many unreported completions jobID has accumulated.
func (a *Aggregator) Pending(jobID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty[jobID]
}

func (a *Aggregator) flush(ctx context.Context, jobID string) {
	job, finalized, err := a.store.RefreshJobProgress(ctx, jobID)
	if err != nil {
		log.Printf("[Progress] refresh job %s: %v", jobID, err)
		return
	}
	if a.bus != nil {
		a.bus.Publish(ctx, events.JobUpdate(job))
	}
	if finalized {
		telemetry.JobsCompleted.Inc()
		log.Printf("[Progress] job %s completed: %d/%d files, %d failed, %d bytes",
			job.ID, job.CompletedFiles, job.TotalFiles, job.FailedFiles, job.CompletedSizeBytes)
	}
}

// FilePercentage is the file-count completion percentage for a job.
func FilePercentage(job models.Job) float64 {
	if job.TotalFiles == 0 {
		return 0
	}
	return 100 * float64(job.CompletedFiles+job.FailedFiles) / float64(job.TotalFiles)
}

// SizePercentage is the byte completion percentage for a job.
func SizePercentage(job models.Job) float64 {
	if job.TotalSizeBytes == 0 {
		return 0
	}
	return 100 * float64(job.CompletedSizeBytes) / float64(job.TotalSizeBytes)
}
