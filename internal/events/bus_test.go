package events

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"teamcache/internal/models"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewBus(client)
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := testBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(ctx)

	job := models.Job{
		ID:             "11111111-2222-3333-4444-555555555555",
		Status:         models.JobRunning,
		CompletedFiles: 3,
		TotalFiles:     10,
	}

	// The subscriber registers asynchronously; retry until delivery.
	deadline := time.After(2 * time.Second)
	for {
		bus.Publish(ctx, JobUpdate(job))
		select {
		case ev := <-ch:
			if ev.Type != "job-update" {
				t.Fatalf("expected job-update event, got %q", ev.Type)
			}
			if ev.JobID != job.ID || ev.Status != models.JobRunning {
				t.Fatalf("unexpected event %+v", ev)
			}
			if ev.CompletedFiles != 3 || ev.TotalFiles != 10 {
				t.Fatalf("unexpected counters in event %+v", ev)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBusSubscribeClosesOnCancel(t *testing.T) {
	bus := testBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed without events")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestThroughputEvent(t *testing.T) {
	ts := time.Now().UTC()
	ev := Throughput(models.ThroughputSample{Mbps: 850.5, Timestamp: ts})
	if ev.Type != "throughput" || ev.Mbps != 850.5 || !ev.Timestamp.Equal(ts) {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestS3HealthEvent(t *testing.T) {
	ev := S3Health(false, 750*time.Millisecond)
	if ev.Type != "s3-health" {
		t.Errorf("expected s3-health type, got %q", ev.Type)
	}
	if ev.Healthy == nil || *ev.Healthy {
		t.Error("expected healthy=false")
	}
	if ev.LatencyMS != 750 {
		t.Errorf("expected latency 750ms, got %d", ev.LatencyMS)
	}
}
