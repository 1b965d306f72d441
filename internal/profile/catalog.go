package profile

import (
	"path/filepath"
	"sort"
	"strings"

	"teamcache/internal/models"
)

// Catalog holds the loaded profile rows and selects the best match for a
// submitted batch. Profiles are read-mostly; the catalog is built once at
// startup from the profiles table.
type Catalog struct {
	profiles []models.Profile
}

// NewCatalog builds a catalog over the given profiles.
func NewCatalog(profiles []models.Profile) *Catalog {
	return &Catalog{profiles: profiles}
}

// BatchStats summarizes the dominant file characteristics of a submission.
type BatchStats struct {
	MedianSize        int64
	DominantExtension string // lowercase, no dot; "" when mixed with no majority
}

// Summarize computes batch statistics from item paths and known sizes.
// Items with unknown sizes are ignored for the median.
func Summarize(paths []string, sizes []*int64) BatchStats {
	known := make([]int64, 0, len(sizes))
	for _, s := range sizes {
		if s != nil {
			known = append(known, *s)
		}
	}
	sort.Slice(known, func(i, j int) bool { return known[i] < known[j] })

	var median int64
	if len(known) > 0 {
		median = known[len(known)/2]
	}

	counts := map[string]int{}
	for _, p := range paths {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(p)), ".")
		if ext != "" {
			counts[ext]++
		}
	}
	dominant := ""
	best := 0
	for ext, n := range counts {
		if n > best || (n == best && ext < dominant) {
			dominant, best = ext, n
		}
	}
	if best*2 <= len(paths) {
		dominant = "" // no majority
	}
	return BatchStats{MedianSize: median, DominantExtension: dominant}
}

// Select picks the profile for a batch. A profile matches when the median
// size falls inside its [min, max] range (max 0 = unbounded) and, if it
// declares an extension set, the dominant extension is in it. Ties break by
// highest priority, then most specific extension match, then the default
// profile. Returns the default profile (ok=false signals no default exists)
// when nothing matches.
func (c *Catalog) Select(stats BatchStats) (models.Profile, bool) {
	var candidates []models.Profile
	for _, p := range c.profiles {
		if stats.MedianSize < p.MinFileSize {
			continue
		}
		if p.MaxFileSize > 0 && stats.MedianSize > p.MaxFileSize {
			continue
		}
		if p.FileExtensions != nil {
			if stats.DominantExtension == "" || !containsFold(p.FileExtensions, stats.DominantExtension) {
				continue
			}
		}
		candidates = append(candidates, p)
	}

	if len(candidates) == 0 {
		return c.Default()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		// Declared extension sets beat wildcards; smaller sets are more specific.
		as, bs := extSpecificity(a), extSpecificity(b)
		if as != bs {
			return as > bs
		}
		return a.IsDefault && !b.IsDefault
	})
	return candidates[0], true
}

// Default returns the profile flagged is_default, if any.
func (c *Catalog) Default() (models.Profile, bool) {
	for _, p := range c.profiles {
		if p.IsDefault {
			return p, true
		}
	}
	return models.Profile{}, false
}

func extSpecificity(p models.Profile) int {
	if p.FileExtensions == nil {
		return 0
	}
	// Fewer extensions = more specific; invert so larger sorts first.
	return 1000 - len(p.FileExtensions)
}

func containsFold(set []string, ext string) bool {
	for _, e := range set {
		if strings.EqualFold(strings.TrimPrefix(e, "."), ext) {
			return true
		}
	}
	return false
}
