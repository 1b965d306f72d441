package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"teamcache/internal/events"
	"teamcache/internal/models"
	"teamcache/internal/progress"
	"teamcache/internal/telemetry"
)

const throughputKey = "teamcache:throughput"

// LinkSampler polls the remote filesystem client's local stats endpoint and
// maintains the rolling throughput estimate. The latest averaged snapshot is
// shared through redis so the API process can serve it regardless of which
// process sampled it.
type LinkSampler struct {
	url        string
	interval   time.Duration
	httpClient *http.Client
	redis      *redis.Client
	bus        *events.Bus
	window     *progress.ThroughputWindow

	lastBytes int64
	lastAt    time.Time
}

// NewLinkSampler builds a sampler; url empty disables it.
func NewLinkSampler(url string, interval time.Duration, window *progress.ThroughputWindow, rdb *redis.Client, bus *events.Bus) *LinkSampler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &LinkSampler{
		url:        url,
		interval:   interval,
		httpClient: &http.Client{Timeout: interval},
		redis:      rdb,
		bus:        bus,
		window:     window,
	}
}

// linkStats is the shape reported by the filesystem client. Either an
// instantaneous rate or a cumulative byte counter may be present.
type linkStats struct {
	ThroughputMbps   *float64 `json:"throughputMbps"`
	BytesTransferred *int64   `json:"bytesTransferred"`
}

// Run samples until ctx is cancelled.
func (s *LinkSampler) Run(ctx context.Context) {
	if s.url == "" {
		log.Printf("[LinkStats] no stats endpoint configured, throughput disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sampleOnce(ctx); err != nil {
				log.Printf("[LinkStats] sample: %v", err)
			}
		}
	}
}

func (s *LinkSampler) sampleOnce(ctx context.Context) error {
	stats, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	mbps, ok := s.rate(stats, now)
	if !ok {
		return nil // first cumulative reading only establishes the baseline
	}

	sample := models.ThroughputSample{Mbps: mbps, Timestamp: now}
	s.window.Add(sample)
	telemetry.LinkMbps.Set(mbps)

	if avg, ok := s.window.Snapshot(now); ok {
		if err := s.publish(ctx, avg); err != nil {
			return err
		}
	}
	return nil
}

func (s *LinkSampler) fetch(ctx context.Context) (linkStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return linkStats{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return linkStats{}, fmt.Errorf("fetch link stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return linkStats{}, fmt.Errorf("fetch link stats: status %d", resp.StatusCode)
	}
	var stats linkStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return linkStats{}, fmt.Errorf("decode link stats: %w", err)
	}
	return stats, nil
}

func (s *LinkSampler) rate(stats linkStats, now time.Time) (float64, bool) {
	if stats.ThroughputMbps != nil {
		return *stats.ThroughputMbps, true
	}
	if stats.BytesTransferred == nil {
		return 0, false
	}
	defer func() {
		s.lastBytes = *stats.BytesTransferred
		s.lastAt = now
	}()
	if s.lastAt.IsZero() {
		return 0, false
	}
	elapsed := now.Sub(s.lastAt).Seconds()
	delta := *stats.BytesTransferred - s.lastBytes
	if elapsed <= 0 || delta < 0 {
		return 0, false
	}
	return float64(delta) * 8 / elapsed / 1e6, true
}

func (s *LinkSampler) publish(ctx context.Context, avg models.ThroughputSample) error {
	payload, err := json.Marshal(avg)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if s.redis != nil {
		if err := s.redis.Set(ctx, throughputKey, payload, 0).Err(); err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}
	}
	if s.bus != nil {
		s.bus.Publish(ctx, events.Throughput(avg))
	}
	return nil
}

// LatestThroughput reads the shared snapshot, applying the freshness window.
// ok=false means no fresh reading exists and callers should report null.
func LatestThroughput(ctx context.Context, rdb *redis.Client, freshness time.Duration) (models.ThroughputSample, bool) {
	if rdb == nil {
		return models.ThroughputSample{}, false
	}
	raw, err := rdb.Get(ctx, throughputKey).Result()
	if errors.Is(err, redis.Nil) {
		return models.ThroughputSample{}, false
	}
	if err != nil {
		log.Printf("[LinkStats] read snapshot: %v", err)
		return models.ThroughputSample{}, false
	}
	var sample models.ThroughputSample
	if err := json.Unmarshal([]byte(raw), &sample); err != nil {
		return models.ThroughputSample{}, false
	}
	if freshness <= 0 {
		freshness = 10 * time.Second
	}
	if time.Since(sample.Timestamp) > freshness {
		return models.ThroughputSample{}, false
	}
	return sample, true
}
