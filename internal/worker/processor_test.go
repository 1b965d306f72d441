package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"teamcache/internal/models"
	"teamcache/internal/store"
)

type procFunc func(ctx context.Context, item models.JobItem) (Result, error)

func (f procFunc) Process(ctx context.Context, item models.JobItem) (Result, error) {
	return f(ctx, item)
}

// memStore mimics the transactional claim: under the mutex each pending item
// is handed to exactly one caller, like FOR UPDATE SKIP LOCKED does.
type memStore struct {
	mu        sync.Mutex
	pending   []models.JobItem
	claimed   map[int64]int
	completed map[int64]int64
	skipped   map[int64]string
	requeued  map[int64]time.Time
	retries   map[int64]int
	failed    map[int64]string
	failedJob map[string]string
}

func newMemStore(items ...models.JobItem) *memStore {
	return &memStore{
		pending:   items,
		claimed:   make(map[int64]int),
		completed: make(map[int64]int64),
		skipped:   make(map[int64]string),
		requeued:  make(map[int64]time.Time),
		retries:   make(map[int64]int),
		failed:    make(map[int64]string),
		failedJob: make(map[string]string),
	}
}

func (m *memStore) ClaimItems(ctx context.Context, p store.ClaimParams) ([]models.JobItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := p.Limit
	if n > len(m.pending) {
		n = len(m.pending)
	}
	out := make([]models.JobItem, n)
	copy(out, m.pending[:n])
	m.pending = m.pending[n:]
	for _, item := range out {
		m.claimed[item.ID]++
	}
	return out, nil
}

func (m *memStore) CompleteItem(ctx context.Context, itemID int64, sizeBytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[itemID] = sizeBytes
	return nil
}

func (m *memStore) SkipItem(ctx context.Context, itemID int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped[itemID] = reason
	return nil
}

func (m *memStore) RequeueItem(ctx context.Context, itemID int64, retryCount int, notBefore time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeued[itemID] = notBefore
	m.retries[itemID] = retryCount
	return nil
}

func (m *memStore) FailItem(ctx context.Context, itemID int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[itemID] = errMsg
	return nil
}

func (m *memStore) FailJob(ctx context.Context, jobID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedJob[jobID] = errMsg
	// A failed job's remaining items leave the candidate set, like the claim
	// query's job status filter does.
	kept := m.pending[:0]
	for _, it := range m.pending {
		if it.JobID != jobID {
			kept = append(kept, it)
		}
	}
	m.pending = kept
	return nil
}

func (m *memStore) drained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) == 0
}

type memNotifier struct {
	mu     sync.Mutex
	jobIDs []string
}

func (n *memNotifier) ItemFinished(ctx context.Context, jobID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobIDs = append(n.jobIDs, jobID)
}

func (n *memNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.jobIDs)
}

func testItems(n int) []models.JobItem {
	items := make([]models.JobItem, n)
	for i := range items {
		items[i] = models.JobItem{
			ID:       int64(i + 1),
			JobID:    "job-1",
			FilePath: fmt.Sprintf("/media/lucid/production/file%03d.bin", i),
			Status:   models.ItemRunning,
		}
	}
	return items
}

func testOptions(concurrency int) Options {
	return Options{
		WorkerID: "worker-test",
		Profile: models.Profile{
			ID:                 1,
			Name:               "default",
			MaxConcurrentFiles: concurrency,
			PollIntervalMS:     10,
			IsDefault:          true,
		},
		MaxRetries:     3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
	}
}

func TestProcessorCompletesItems(t *testing.T) {
	st := newMemStore(testItems(25)...)
	notify := &memNotifier{}
	p := NewProcessor(st, procFunc(func(ctx context.Context, item models.JobItem) (Result, error) {
		return Result{BytesTransferred: 1024}, nil
	}), notify, testOptions(4))

	ctx := context.Background()
	for !st.drained() {
		p.tick(ctx)
		p.wg.Wait()
	}
	p.wg.Wait()

	if len(st.completed) != 25 {
		t.Fatalf("expected 25 completed items, got %d", len(st.completed))
	}
	for id, n := range st.claimed {
		if n != 1 {
			t.Errorf("item %d claimed %d times", id, n)
		}
	}
	if notify.count() != 25 {
		t.Errorf("expected 25 progress notifications, got %d", notify.count())
	}
}

func TestProcessorConcurrencyBound(t *testing.T) {
	st := newMemStore(testItems(10)...)
	release := make(chan struct{})
	p := NewProcessor(st, procFunc(func(ctx context.Context, item models.JobItem) (Result, error) {
		<-release
		return Result{}, nil
	}), nil, testOptions(3))

	ctx := context.Background()
	p.tick(ctx)
	if got := p.InFlight(); got != 3 {
		t.Errorf("expected 3 in-flight items, got %d", got)
	}

	// Another tick with no free slots claims nothing.
	p.tick(ctx)
	if got := p.InFlight(); got != 3 {
		t.Errorf("expected in-flight to stay at 3, got %d", got)
	}

	close(release)
	p.wg.Wait()
	if p.InFlight() != 0 {
		t.Errorf("expected 0 in-flight after drain, got %d", p.InFlight())
	}
}

func TestProcessorRetriesTransientError(t *testing.T) {
	items := testItems(1)
	st := newMemStore(items...)
	p := NewProcessor(st, procFunc(func(ctx context.Context, item models.JobItem) (Result, error) {
		return Result{}, errors.New("connection reset")
	}), nil, testOptions(1))

	before := time.Now()
	p.tick(context.Background())
	p.wg.Wait()

	if len(st.failed) != 0 {
		t.Fatalf("expected no failures, got %v", st.failed)
	}
	if st.retries[1] != 1 {
		t.Fatalf("expected retry count 1, got %d", st.retries[1])
	}
	if !st.requeued[1].After(before) {
		t.Errorf("expected not_before in the future, got %s", st.requeued[1])
	}
}

func TestProcessorRetriesExhausted(t *testing.T) {
	item := testItems(1)[0]
	item.RetryCount = 3
	st := newMemStore(item)
	notify := &memNotifier{}
	p := NewProcessor(st, procFunc(func(ctx context.Context, item models.JobItem) (Result, error) {
		return Result{}, errors.New("connection reset")
	}), notify, testOptions(1))

	p.tick(context.Background())
	p.wg.Wait()

	if len(st.requeued) != 0 {
		t.Fatalf("expected no requeue past max retries, got %v", st.requeued)
	}
	if _, ok := st.failed[1]; !ok {
		t.Fatal("expected item to be failed after exhausting retries")
	}
	if notify.count() != 1 {
		t.Errorf("expected failure to notify progress, got %d notifications", notify.count())
	}
}

func TestProcessorPermanentErrorSkipsRetries(t *testing.T) {
	st := newMemStore(testItems(1)...)
	p := NewProcessor(st, procFunc(func(ctx context.Context, item models.JobItem) (Result, error) {
		return Result{}, models.Permanent(errors.New("file removed upstream"))
	}), nil, testOptions(1))

	p.tick(context.Background())
	p.wg.Wait()

	if len(st.requeued) != 0 {
		t.Fatalf("expected no retries for permanent error, got %v", st.requeued)
	}
	if _, ok := st.failed[1]; !ok {
		t.Fatal("expected immediate failure for permanent error")
	}
}

func TestProcessorSkip(t *testing.T) {
	st := newMemStore(testItems(1)...)
	notify := &memNotifier{}
	p := NewProcessor(st, procFunc(func(ctx context.Context, item models.JobItem) (Result, error) {
		return Result{}, fmt.Errorf("%w: empty file", ErrSkip)
	}), notify, testOptions(1))

	p.tick(context.Background())
	p.wg.Wait()

	if _, ok := st.skipped[1]; !ok {
		t.Fatal("expected item to be skipped")
	}
	if len(st.completed) != 0 || len(st.failed) != 0 {
		t.Errorf("skip must not complete or fail the item: %v %v", st.completed, st.failed)
	}
	if notify.count() != 1 {
		t.Errorf("expected skip to notify progress, got %d notifications", notify.count())
	}
}

func TestProcessorSystemicErrorFailsJob(t *testing.T) {
	st := newMemStore(testItems(3)...)
	notify := &memNotifier{}
	p := NewProcessor(st, procFunc(func(ctx context.Context, item models.JobItem) (Result, error) {
		return Result{}, models.Systemic(errors.New("mount unavailable: input/output error"))
	}), notify, testOptions(1))

	p.tick(context.Background())
	p.wg.Wait()

	if msg, ok := st.failedJob["job-1"]; !ok || msg == "" {
		t.Fatal("expected whole job failed on systemic error")
	}
	if _, ok := st.failed[1]; !ok {
		t.Error("expected the failing item marked failed")
	}
	if len(st.requeued) != 0 {
		t.Errorf("systemic error must not retry item by item, got %v", st.requeued)
	}
	if !st.drained() {
		t.Error("expected remaining items withdrawn from the candidate set")
	}
	if notify.count() != 1 {
		t.Errorf("expected one progress notification, got %d", notify.count())
	}
}

func TestClaimSingleWinnerAcrossWorkers(t *testing.T) {
	st := newMemStore(testItems(100)...)
	proc := procFunc(func(ctx context.Context, item models.JobItem) (Result, error) {
		return Result{BytesTransferred: 1}, nil
	})

	var workers []*Processor
	for i := 0; i < 4; i++ {
		opts := testOptions(5)
		opts.WorkerID = fmt.Sprintf("worker-%d", i)
		workers = append(workers, NewProcessor(st, proc, nil, opts))
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Processor) {
			defer wg.Done()
			for !st.drained() {
				w.tick(context.Background())
				w.wg.Wait()
			}
		}(w)
	}
	wg.Wait()

	if len(st.completed) != 100 {
		t.Fatalf("expected 100 completed items, got %d", len(st.completed))
	}
	for id, n := range st.claimed {
		if n != 1 {
			t.Errorf("item %d claimed by %d workers", id, n)
		}
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := 2 * time.Second
	max := 5 * time.Minute

	for attempt := 1; attempt <= 10; attempt++ {
		wait := time.Duration(float64(base) * float64(int(1)<<uint(attempt-1)))
		if wait > max {
			wait = max
		}
		for i := 0; i < 20; i++ {
			got := backoffWithJitter(base, max, attempt)
			if got < wait/2 || got >= wait {
				t.Fatalf("attempt %d: backoff %s outside [%s, %s)", attempt, got, wait/2, wait)
			}
		}
	}

	if got := backoffWithJitter(base, max, 0); got != base {
		t.Errorf("attempt 0: expected base %s, got %s", base, got)
	}
}
