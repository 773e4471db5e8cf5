// Package linker resolves media references from observations to files on
// disk.
package linker

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/parser"
	"github.com/starford/snaparchive/internal/storage"
)

// MediaDirs are scanned, relative to the export root, when building an
// index.
var MediaDirs = []string{"chat_media", "media", "memories"}

// Asset is a MediaAsset with its precomputed match keys.
type Asset struct {
	models.MediaAsset
	norm string
	day  time.Time // from the file name; zero when absent
}

// distance is how far ts lies from the asset's own time. The file's mtime
// is used when it agrees with the day in the name; otherwise only the
// named day is trusted and ts inside it counts as zero distance.
func (a Asset) distance(ts time.Time) time.Duration {
	mod := a.ModTime.UTC()
	if !a.day.IsZero() && !sameDay(mod, a.day) {
		start, end := a.day, a.day.Add(24*time.Hour)
		switch {
		case ts.Before(start):
			return start.Sub(ts)
		case !ts.Before(end):
			return ts.Sub(end) + time.Nanosecond
		default:
			return 0
		}
	}
	if mod.IsZero() {
		return 1<<63 - 1
	}
	d := ts.Sub(mod)
	if d < 0 {
		d = -d
	}
	return d
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Index is an in-memory lookup over the media files of one export. It holds
// metadata only, never file contents.
type Index struct {
	assets []Asset
	byID   map[string][]int
	byName map[string][]int
	byDay  map[string][]int
	byLen  map[int][]int // normalised name length in runes
}

// Scan lists the media directories of an export root and builds an Index.
func Scan(p storage.Provider) (*Index, error) {
	var assets []models.MediaAsset
	for _, dir := range MediaDirs {
		files, err := p.List(dir, parser.MediaExtensions...)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			assets = append(assets, models.MediaAsset{
				Path:    f.Path,
				Name:    path.Base(f.Path),
				Size:    f.Size,
				ModTime: f.ModTime.UTC(),
			})
		}
	}
	return NewIndex(assets), nil
}

// NewIndex builds an Index over assets. ContentID is derived from the file
// name when unset.
func NewIndex(assets []models.MediaAsset) *Index {
	sort.Slice(assets, func(i, j int) bool { return assets[i].Path < assets[j].Path })
	ix := &Index{
		assets: make([]Asset, 0, len(assets)),
		byID:   make(map[string][]int),
		byName: make(map[string][]int),
		byDay:  make(map[string][]int),
		byLen:  make(map[int][]int),
	}
	for _, m := range assets {
		if m.ContentID == "" {
			m.ContentID = IDFromName(m.Name)
		}
		a := Asset{MediaAsset: m, norm: Normalize(m.Name)}
		if d, ok := DayFromName(m.Name); ok {
			a.day = d
		}
		i := len(ix.assets)
		ix.assets = append(ix.assets, a)
		if m.ContentID != "" {
			k := strings.ToLower(m.ContentID)
			ix.byID[k] = append(ix.byID[k], i)
		}
		ix.byName[strings.ToLower(m.Name)] = append(ix.byName[strings.ToLower(m.Name)], i)
		ix.byDay[dayKey(a.day, a.ModTime)] = append(ix.byDay[dayKey(a.day, a.ModTime)], i)
		n := len([]rune(a.norm))
		ix.byLen[n] = append(ix.byLen[n], i)
	}
	return ix
}

func dayKey(day, fallback time.Time) string {
	if day.IsZero() {
		day = fallback.UTC()
	}
	return day.Format("2006-01-02")
}

// Len returns the number of indexed files.
func (ix *Index) Len() int { return len(ix.assets) }

// Resolve assigns ref, observed at ts, to the most probable asset.
// Matching runs in priority order: exact identifier, then normalised name
// similarity, then timestamp proximity among tied candidates. A tie that
// proximity cannot break is reported as ambiguous, never guessed.
func (ix *Index) Resolve(ref models.MediaRef, ts time.Time, p Policy) models.Resolution {
	p = p.withDefaults()
	pool, strategy := ix.candidates(ref, ts)

	type scored struct {
		i int
		s Score
	}
	var eligible []scored
	for _, i := range pool {
		s := ScorePair(ref, ts, ix.assets[i])
		if s.Eligible(ref, p) {
			eligible = append(eligible, scored{i, s})
		}
	}
	if len(eligible) == 0 {
		return models.Resolution{Status: models.ResolutionMissing}
	}

	// Keep the best tier: exact ids beat fuzzy names; among fuzzy names
	// only the highest similarity survives.
	if ref.Kind != models.RefByTime {
		anyExact := false
		best := 0.0
		for _, e := range eligible {
			anyExact = anyExact || e.s.Exact
			best = max(best, e.s.Similarity)
		}
		kept := eligible[:0]
		for _, e := range eligible {
			if (anyExact && e.s.Exact) || (!anyExact && e.s.Similarity >= best-1e-9) {
				kept = append(kept, e)
			}
		}
		eligible = kept
		if !anyExact {
			strategy = "similarity"
		}
	}

	if len(eligible) == 1 && ref.Kind != models.RefByTime {
		a := ix.assets[eligible[0].i].MediaAsset
		return models.Resolution{Status: models.ResolutionResolved, Asset: &a, Strategy: strategy}
	}

	// Proximity tie-break.
	bestIdx, bestDist, ties := -1, time.Duration(1<<63-1), 0
	for _, e := range eligible {
		if !e.s.HasTime || e.s.Distance > p.ProximityWindow {
			continue
		}
		switch {
		case e.s.Distance < bestDist:
			bestIdx, bestDist, ties = e.i, e.s.Distance, 1
		case e.s.Distance == bestDist:
			ties++
		}
	}
	if bestIdx >= 0 && ties == 1 {
		a := ix.assets[bestIdx].MediaAsset
		if ref.Kind != models.RefByTime {
			strategy += "+proximity"
		}
		return models.Resolution{Status: models.ResolutionResolved, Asset: &a, Strategy: strategy, Candidates: len(eligible)}
	}
	return models.Resolution{Status: models.ResolutionAmbiguous, Candidates: len(eligible)}
}

// candidates narrows the index to the assets worth scoring for ref.
func (ix *Index) candidates(ref models.MediaRef, ts time.Time) ([]int, string) {
	switch ref.Kind {
	case models.RefByTime:
		if ts.IsZero() {
			return nil, ""
		}
		// The window may straddle midnight.
		seen := make(map[int]struct{})
		var out []int
		for _, d := range []time.Time{ts.Add(-24 * time.Hour), ts, ts.Add(24 * time.Hour)} {
			for _, i := range ix.byDay[d.UTC().Format("2006-01-02")] {
				if _, dup := seen[i]; !dup {
					seen[i] = struct{}{}
					out = append(out, i)
				}
			}
		}
		return out, "proximity"
	}

	if id := refID(ref); id != "" {
		if hits := ix.byID[strings.ToLower(id)]; len(hits) > 0 {
			return hits, "exact_id"
		}
	}
	if ref.Kind == models.RefFilename {
		if hits := ix.byName[strings.ToLower(ref.Token)]; len(hits) > 0 {
			return hits, "exact_id"
		}
	}

	// Fuzzy pool: same named day when the token carries one, else the
	// length buckets within reach of the threshold.
	norm := Normalize(ref.Token)
	if norm == "" {
		return nil, ""
	}
	n := len([]rune(norm))
	within := func(m int) bool { return m*5 >= n*4 && n*5 >= m*4 }

	var out []int
	if d, ok := DayFromName(ref.Token); ok {
		if day := ix.byDay[d.Format("2006-01-02")]; len(day) > 0 {
			for _, i := range day {
				if within(len([]rune(ix.assets[i].norm))) {
					out = append(out, i)
				}
			}
			return out, "similarity"
		}
	}
	for m := n * 4 / 5; m <= n*5/4; m++ {
		if within(m) {
			out = append(out, ix.byLen[m]...)
		}
	}
	sort.Ints(out)
	return out, "similarity"
}

// Link resolves every reference on obs in place and returns how many were
// resolved, missing and ambiguous.
func (ix *Index) Link(obs *models.Observation, p Policy) (resolved, missing, ambiguous int) {
	for i := range obs.Refs {
		res := ix.Resolve(obs.Refs[i], obs.Timestamp, p)
		obs.Refs[i].Resolution = &res
		switch res.Status {
		case models.ResolutionResolved:
			resolved++
		case models.ResolutionMissing:
			missing++
		default:
			ambiguous++
		}
	}
	return resolved, missing, ambiguous
}
