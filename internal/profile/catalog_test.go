package profile

import (
	"testing"

	"teamcache/internal/models"
)

func int64p(v int64) *int64 { return &v }

func testCatalog() *Catalog {
	return NewCatalog([]models.Profile{
		{ID: 1, Name: "default", MaxConcurrentFiles: 5, PollIntervalMS: 2000, IsDefault: true},
		{ID: 2, Name: "small-files", MaxFileSize: 10 << 20, MaxConcurrentFiles: 20, PollIntervalMS: 1000, Priority: 10},
		{ID: 3, Name: "large-files", MinFileSize: 1 << 30, MaxConcurrentFiles: 2, PollIntervalMS: 5000, Priority: 10},
		{ID: 4, Name: "media-transcode", FileExtensions: []string{"mov", "mxf", "mp4"}, MaxConcurrentFiles: 3, PollIntervalMS: 3000, Priority: 20},
	})
}

func TestSummarizeMedian(t *testing.T) {
	stats := Summarize(
		[]string{"/a.bin", "/b.bin", "/c.bin"},
		[]*int64{int64p(100), int64p(5000), int64p(300)},
	)
	if stats.MedianSize != 300 {
		t.Errorf("expected median 300, got %d", stats.MedianSize)
	}
}

func TestSummarizeIgnoresUnknownSizes(t *testing.T) {
	stats := Summarize(
		[]string{"/a.bin", "/b.bin", "/c.bin"},
		[]*int64{nil, int64p(42), nil},
	)
	if stats.MedianSize != 42 {
		t.Errorf("expected median 42, got %d", stats.MedianSize)
	}
}

func TestSummarizeDominantExtension(t *testing.T) {
	stats := Summarize([]string{"/a.MOV", "/b.mov", "/c.wav"}, make([]*int64, 3))
	if stats.DominantExtension != "mov" {
		t.Errorf("expected dominant extension mov, got %q", stats.DominantExtension)
	}

	// No majority: three different extensions.
	stats = Summarize([]string{"/a.mov", "/b.wav", "/c.png"}, make([]*int64, 3))
	if stats.DominantExtension != "" {
		t.Errorf("expected no dominant extension, got %q", stats.DominantExtension)
	}
}

func TestSelectBySizeRange(t *testing.T) {
	c := testCatalog()

	p, ok := c.Select(BatchStats{MedianSize: 1 << 20})
	if !ok || p.Name != "small-files" {
		t.Errorf("expected small-files for 1MB median, got %s (ok=%v)", p.Name, ok)
	}

	p, ok = c.Select(BatchStats{MedianSize: 2 << 30})
	if !ok || p.Name != "large-files" {
		t.Errorf("expected large-files for 2GB median, got %s (ok=%v)", p.Name, ok)
	}
}

func TestSelectByExtensionBeatsSize(t *testing.T) {
	c := testCatalog()

	// mov batch with a small median still routes to the transcode profile
	// because it carries higher priority.
	p, ok := c.Select(BatchStats{MedianSize: 1 << 20, DominantExtension: "mov"})
	if !ok || p.Name != "media-transcode" {
		t.Errorf("expected media-transcode for mov batch, got %s (ok=%v)", p.Name, ok)
	}
}

func TestSelectFallsBackToDefault(t *testing.T) {
	c := testCatalog()

	// 100MB median matches neither size profile nor any extension set.
	p, ok := c.Select(BatchStats{MedianSize: 100 << 20})
	if !ok || p.Name != "default" {
		t.Errorf("expected default fallback, got %s (ok=%v)", p.Name, ok)
	}
}

func TestSelectNoProfiles(t *testing.T) {
	c := NewCatalog(nil)
	if _, ok := c.Select(BatchStats{MedianSize: 1}); ok {
		t.Error("expected ok=false with no profiles loaded")
	}
}
