package worker

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"teamcache/internal/models"
	"teamcache/internal/store"
	"teamcache/internal/telemetry"
)

// ErrSkip tells the loop to mark an item skipped instead of completed or
// failed (nothing to cache for it).
var ErrSkip = errors.New("skip item")

// Result is what the external per-item collaborator reports back.
type Result struct {
	BytesTransferred int64
}

// ItemProcessor executes one claimed item: a fetch-to-cache or a transcode.
// Implementations must be idempotent: a crashed worker's items are reclaimed
// and re-run.
type ItemProcessor interface {
	Process(ctx context.Context, item models.JobItem) (Result, error)
}

// ItemStore is the slice of the job store the poll loop needs.
type ItemStore interface {
	ClaimItems(ctx context.Context, p store.ClaimParams) ([]models.JobItem, error)
	CompleteItem(ctx context.Context, itemID int64, sizeBytes int64) error
	SkipItem(ctx context.Context, itemID int64, reason string) error
	RequeueItem(ctx context.Context, itemID int64, retryCount int, notBefore time.Time, errMsg string) error
	FailItem(ctx context.Context, itemID int64, errMsg string) error
	FailJob(ctx context.Context, jobID, errMsg string) error
}

// Notifier receives terminal item writes for progress coalescing.
type Notifier interface {
	ItemFinished(ctx context.Context, jobID string)
}

// Options tunes one processor; zero values fall back to sane defaults.
type Options struct {
	WorkerID        string
	Profile         models.Profile
	MaxRetries      int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	LeaseMultiplier int
}

// Processor drives one worker's poll loop: claim up to the free concurrency
// slots, execute asynchronously, write results back. All cross-worker
// coordination happens through the store's transactional claim; the only
// in-memory state is the inflight set bounding local concurrency.
type Processor struct {
	store    ItemStore
	proc     ItemProcessor
	notify   Notifier
	workerID string
	profile  models.Profile

	maxRetries     int
	backoffInitial time.Duration
	backoffMax     time.Duration
	lease          time.Duration

	mu       sync.Mutex
	inflight map[int64]struct{}
	wg       sync.WaitGroup
}

// NewProcessor builds the poll loop for one worker process.
func NewProcessor(st ItemStore, proc ItemProcessor, notify Notifier, opts Options) *Processor {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	if opts.LeaseMultiplier <= 0 {
		opts.LeaseMultiplier = 10
	}
	if opts.Profile.MaxConcurrentFiles <= 0 {
		opts.Profile.MaxConcurrentFiles = 1
	}
	if opts.Profile.PollIntervalMS <= 0 {
		opts.Profile.PollIntervalMS = 2000
	}
	return &Processor{
		store:          st,
		proc:           proc,
		notify:         notify,
		workerID:       opts.WorkerID,
		profile:        opts.Profile,
		maxRetries:     opts.MaxRetries,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
		lease:          time.Duration(opts.LeaseMultiplier) * opts.Profile.PollInterval(),
		inflight:       make(map[int64]struct{}),
	}
}

// Run polls until context cancellation, then waits for in-flight items.
func (p *Processor) Run(ctx context.Context) error {
	log.Printf("[Worker %s] started: profile=%s concurrency=%d poll=%s lease=%s",
		p.workerID, p.profile.Name, p.profile.MaxConcurrentFiles, p.profile.PollInterval(), p.lease)

	ticker := time.NewTicker(p.profile.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick performs one claim pass. The claim transaction is short; execution is
// handed off so a slow fetch never blocks the poll loop.
func (p *Processor) tick(ctx context.Context) {
	free := p.freeSlots()
	if free <= 0 {
		return
	}

	items, err := p.store.ClaimItems(ctx, store.ClaimParams{
		WorkerID:       p.workerID,
		ProfileID:      p.profile.ID,
		IncludeDefault: p.profile.IsDefault,
		Limit:          free,
		Lease:          p.lease,
	})
	if err != nil {
		log.Printf("[Worker %s] claim: %v", p.workerID, err)
		return
	}

	for _, item := range items {
		if !p.track(item.ID) {
			// Our own still-executing item came back via lease expiry;
			// leave the local execution to finish and write its result.
			continue
		}
		if item.Reclaimed {
			telemetry.ItemsReclaimed.Inc()
			log.Printf("[Worker %s] reclaimed item %d after lease expiry", p.workerID, item.ID)
		}
		p.wg.Add(1)
		go p.execute(ctx, item)
	}
}

func (p *Processor) freeSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile.MaxConcurrentFiles - len(p.inflight)
}

func (p *Processor) track(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Processor) untrack(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, id)
}

// InFlight reports how many items this worker is currently executing.
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Processor) execute(ctx context.Context, item models.JobItem) {
	defer p.wg.Done()
	defer p.untrack(item.ID)

	telemetry.ItemsInFlight.Inc()
	defer telemetry.ItemsInFlight.Dec()

	result, err := p.proc.Process(ctx, item)
	switch {
	case err == nil:
		if werr := p.store.CompleteItem(ctx, item.ID, result.BytesTransferred); werr != nil {
			log.Printf("[Worker %s] complete item %d: %v", p.workerID, item.ID, werr)
			return
		}
		telemetry.ItemsCompleted.Inc()
		telemetry.BytesCached.Add(float64(result.BytesTransferred))
		p.finished(ctx, item)

	case errors.Is(err, ErrSkip):
		if werr := p.store.SkipItem(ctx, item.ID, err.Error()); werr != nil {
			log.Printf("[Worker %s] skip item %d: %v", p.workerID, item.ID, werr)
			return
		}
		p.finished(ctx, item)

	case models.IsSystemic(err):
		// The environment failed, not this file. Fail the whole job so its
		// remaining items stop cycling through retries against a dead mount.
		if werr := p.store.FailItem(ctx, item.ID, err.Error()); werr != nil {
			log.Printf("[Worker %s] fail item %d: %v", p.workerID, item.ID, werr)
			return
		}
		telemetry.ItemsFailed.Inc()
		if werr := p.store.FailJob(ctx, item.JobID, err.Error()); werr != nil {
			log.Printf("[Worker %s] fail job %s: %v", p.workerID, item.JobID, werr)
			return
		}
		log.Printf("[Worker %s] job %s failed on systemic error: %v", p.workerID, item.JobID, err)
		p.finished(ctx, item)

	case models.IsPermanent(err) || item.RetryCount >= p.maxRetries:
		if werr := p.store.FailItem(ctx, item.ID, err.Error()); werr != nil {
			log.Printf("[Worker %s] fail item %d: %v", p.workerID, item.ID, werr)
			return
		}
		telemetry.ItemsFailed.Inc()
		log.Printf("[Worker %s] item %d failed permanently after %d attempts: %v", p.workerID, item.ID, item.RetryCount+1, err)
		p.finished(ctx, item)

	default:
		retry := item.RetryCount + 1
		notBefore := time.Now().Add(backoffWithJitter(p.backoffInitial, p.backoffMax, retry))
		if werr := p.store.RequeueItem(ctx, item.ID, retry, notBefore, err.Error()); werr != nil {
			log.Printf("[Worker %s] requeue item %d: %v", p.workerID, item.ID, werr)
			return
		}
		telemetry.ItemsRetried.Inc()
		log.Printf("[Worker %s] item %d retry %d scheduled for %s: %v", p.workerID, item.ID, retry, notBefore.UTC().Format(time.RFC3339), err)
	}
}

func (p *Processor) finished(ctx context.Context, item models.JobItem) {
	if p.notify != nil {
		p.notify.ItemFinished(ctx, item.JobID)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
