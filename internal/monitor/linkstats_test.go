package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"teamcache/internal/models"
	"teamcache/internal/progress"
)

func TestSamplerDirectRate(t *testing.T) {
	mbps := 850.0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(linkStats{ThroughputMbps: &mbps})
	}))
	defer ts.Close()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	window := progress.NewThroughputWindow(3, 10*time.Second)
	s := NewLinkSampler(ts.URL, time.Second, window, rdb, nil)

	ctx := context.Background()
	if err := s.sampleOnce(ctx); err != nil {
		t.Fatalf("sample: %v", err)
	}

	sample, ok := LatestThroughput(ctx, rdb, 10*time.Second)
	if !ok {
		t.Fatal("expected fresh snapshot in redis")
	}
	if sample.Mbps != 850 {
		t.Errorf("expected 850 Mbps, got %v", sample.Mbps)
	}
}

func TestSamplerCumulativeCounter(t *testing.T) {
	var bytes int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(linkStats{BytesTransferred: &bytes})
	}))
	defer ts.Close()

	window := progress.NewThroughputWindow(3, time.Hour)
	s := NewLinkSampler(ts.URL, time.Second, window, nil, nil)

	ctx := context.Background()

	// First reading only sets the baseline; no sample recorded.
	bytes = 1_000_000
	if err := s.sampleOnce(ctx); err != nil {
		t.Fatalf("baseline sample: %v", err)
	}
	if _, ok := window.Snapshot(time.Now()); ok {
		t.Fatal("expected no sample from baseline reading")
	}

	// Pin the stored baseline one second in the past so the delta rate is
	// deterministic: 2MB over 1s = 16 Mbps.
	s.lastAt = time.Now().Add(-time.Second)
	bytes = 3_000_000
	if err := s.sampleOnce(ctx); err != nil {
		t.Fatalf("second sample: %v", err)
	}

	sample, ok := window.Snapshot(time.Now())
	if !ok {
		t.Fatal("expected sample after second reading")
	}
	if sample.Mbps < 15.5 || sample.Mbps > 16.5 {
		t.Errorf("expected ~16 Mbps, got %v", sample.Mbps)
	}
}

func TestSamplerEndpointError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer ts.Close()

	window := progress.NewThroughputWindow(3, 10*time.Second)
	s := NewLinkSampler(ts.URL, time.Second, window, nil, nil)

	if err := s.sampleOnce(context.Background()); err == nil {
		t.Fatal("expected error from failing endpoint")
	}
}

func TestLatestThroughputStale(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()

	// Nothing stored yet.
	if _, ok := LatestThroughput(ctx, rdb, 10*time.Second); ok {
		t.Error("expected no snapshot before any sample")
	}

	stale := models.ThroughputSample{Mbps: 500, Timestamp: time.Now().Add(-time.Minute)}
	payload, _ := json.Marshal(stale)
	if err := rdb.Set(ctx, "teamcache:throughput", payload, 0).Err(); err != nil {
		t.Fatalf("seed redis: %v", err)
	}
	if _, ok := LatestThroughput(ctx, rdb, 10*time.Second); ok {
		t.Error("expected stale snapshot to be suppressed")
	}
}

func TestRateIgnoresCounterReset(t *testing.T) {
	s := NewLinkSampler("http://unused", time.Second, nil, nil, nil)
	now := time.Now()

	s.lastBytes = 5_000_000
	s.lastAt = now.Add(-time.Second)

	// Counter went backwards (client restart): no rate.
	reset := int64(1_000)
	if _, ok := s.rate(linkStats{BytesTransferred: &reset}, now); ok {
		t.Error("expected no rate from counter reset")
	}
	if s.lastBytes != reset {
		t.Errorf("expected baseline rebased to %d, got %d", reset, s.lastBytes)
	}
}

func TestRatePrefersDirectReading(t *testing.T) {
	s := NewLinkSampler("http://unused", time.Second, nil, nil, nil)
	direct := 123.4
	counter := int64(999)
	mbps, ok := s.rate(linkStats{ThroughputMbps: &direct, BytesTransferred: &counter}, time.Now())
	if !ok || mbps != 123.4 {
		t.Errorf("expected direct reading 123.4, got %v (ok=%v)", mbps, ok)
	}
}
