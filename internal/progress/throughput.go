package progress

import (
	"sync"
	"time"

	"teamcache/internal/models"
)

// ThroughputWindow keeps a short rolling average over link-speed samples.
// Item completion timing is deliberately not used: item sizes vary too
// wildly for per-item rates to mean anything. Readings older than the
// freshness window are treated as stale and omitted rather than shown
// misleadingly.
type ThroughputWindow struct {
	mu        sync.Mutex
	size      int
	freshness time.Duration
	samples   []models.ThroughputSample
}

// NewThroughputWindow builds a window of the given sample count. Sizes
// outside 3..8 are clamped; zero freshness defaults to 10s.
func NewThroughputWindow(size int, freshness time.Duration) *ThroughputWindow {
	if size < 3 {
		size = 3
	}
	if size > 8 {
		size = 8
	}
	if freshness <= 0 {
		freshness = 10 * time.Second
	}
	return &ThroughputWindow{size: size, freshness: freshness}
}

// Add records one sample, evicting the oldest past the window size.
func (w *ThroughputWindow) Add(sample models.ThroughputSample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, sample)
	if len(w.samples) > w.size {
		w.samples = w.samples[len(w.samples)-w.size:]
	}
}

// Snapshot returns the rolling average stamped with the newest sample time,
// or ok=false when the newest sample is stale.
func (w *ThroughputWindow) Snapshot(now time.Time) (models.ThroughputSample, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return models.ThroughputSample{}, false
	}
	newest := w.samples[len(w.samples)-1]
	if now.Sub(newest.Timestamp) > w.freshness {
		return models.ThroughputSample{}, false
	}
	var sum float64
	for _, s := range w.samples {
		sum += s.Mbps
	}
	return models.ThroughputSample{
		Mbps:      sum / float64(len(w.samples)),
		Timestamp: newest.Timestamp,
	}, true
}
