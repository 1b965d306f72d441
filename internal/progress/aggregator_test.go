package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"teamcache/internal/events"
	"teamcache/internal/models"
)

type fakeRefresher struct {
	mu        sync.Mutex
	refreshes map[string]int
	jobs      map[string]models.Job
	finalized map[string]bool
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{
		refreshes: make(map[string]int),
		jobs:      make(map[string]models.Job),
		finalized: make(map[string]bool),
	}
}

func (f *fakeRefresher) RefreshJobProgress(ctx context.Context, jobID string) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes[jobID]++
	return f.jobs[jobID], f.finalized[jobID], nil
}

func (f *fakeRefresher) count(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes[jobID]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakePublisher) Publish(ctx context.Context, ev events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestAggregatorBatchThreshold(t *testing.T) {
	st := newFakeRefresher()
	bus := &fakePublisher{}
	agg := NewAggregator(st, bus, 10, time.Hour)

	ctx := context.Background()
	for i := 0; i < 9; i++ {
		agg.ItemFinished(ctx, "job-1")
	}
	if st.count("job-1") != 0 {
		t.Fatalf("expected no flush below batch threshold, got %d", st.count("job-1"))
	}
	if agg.Pending("job-1") != 9 {
		t.Errorf("expected 9 pending completions, got %d", agg.Pending("job-1"))
	}

	agg.ItemFinished(ctx, "job-1")
	if st.count("job-1") != 1 {
		t.Fatalf("expected flush at batch threshold, got %d refreshes", st.count("job-1"))
	}
	if agg.Pending("job-1") != 0 {
		t.Errorf("expected pending reset after flush, got %d", agg.Pending("job-1"))
	}
	if bus.count() != 1 {
		t.Errorf("expected 1 job-update event, got %d", bus.count())
	}
}

func TestAggregatorTimeThreshold(t *testing.T) {
	st := newFakeRefresher()
	agg := NewAggregator(st, nil, 100, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(done)
	}()

	agg.ItemFinished(ctx, "job-1")
	agg.ItemFinished(ctx, "job-2")

	deadline := time.After(2 * time.Second)
	for st.count("job-1") == 0 || st.count("job-2") == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for interval flush")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestAggregatorFlushAllOnShutdown(t *testing.T) {
	st := newFakeRefresher()
	agg := NewAggregator(st, nil, 100, time.Hour)

	ctx := context.Background()
	agg.ItemFinished(ctx, "job-1")
	agg.ItemFinished(ctx, "job-2")
	agg.FlushAll(ctx)

	if st.count("job-1") != 1 || st.count("job-2") != 1 {
		t.Errorf("expected both jobs flushed, got %v", st.refreshes)
	}
}

func TestAggregatorCoalescesAcrossJobs(t *testing.T) {
	st := newFakeRefresher()
	agg := NewAggregator(st, nil, 3, time.Hour)

	ctx := context.Background()
	// job-1 hits the threshold, job-2 does not.
	for i := 0; i < 3; i++ {
		agg.ItemFinished(ctx, "job-1")
	}
	agg.ItemFinished(ctx, "job-2")

	if st.count("job-1") != 1 {
		t.Errorf("expected job-1 flushed once, got %d", st.count("job-1"))
	}
	if st.count("job-2") != 0 {
		t.Errorf("expected job-2 unflushed, got %d", st.count("job-2"))
	}
}

func TestFilePercentage(t *testing.T) {
	job := models.Job{TotalFiles: 8, CompletedFiles: 3, FailedFiles: 1}
	if got := FilePercentage(job); got != 50 {
		t.Errorf("expected 50%%, got %v", got)
	}
	if got := FilePercentage(models.Job{}); got != 0 {
		t.Errorf("expected 0%% for empty job, got %v", got)
	}
}

func TestSizePercentage(t *testing.T) {
	// 100MB of a 100MB+300MB batch done: 25% by bytes.
	job := models.Job{
		TotalFiles:         2,
		CompletedFiles:     1,
		TotalSizeBytes:     419430400,
		CompletedSizeBytes: 104857600,
	}
	if got := SizePercentage(job); got != 25 {
		t.Errorf("expected 25%%, got %v", got)
	}
	if got := FilePercentage(job); got != 50 {
		t.Errorf("expected 50%% by files, got %v", got)
	}
	if got := SizePercentage(models.Job{TotalFiles: 1}); got != 0 {
		t.Errorf("expected 0%% with unknown total size, got %v", got)
	}
}
