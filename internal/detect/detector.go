// Package detect finds export candidates on disk, groups multi-part
// downloads and classifies their structural validity.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/checksum"
	"github.com/starford/snaparchive/internal/models"
)

// Detector classifies filesystem paths as export candidates. It never
// decompresses anything; archives are inspected through their central
// directory only.
type Detector struct {
	logger *slog.Logger
}

// New creates a Detector.
func New(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger}
}

type part struct {
	path      string
	kind      models.SourceKind
	markers   markerSet
	corrupted bool
	size      int64
	modTime   time.Time
}

// Detect returns the export candidates at path, sorted by id. A directory is
// treated as an export itself when it carries structural markers, or wraps a
// single marked subdirectory whose name does not look like an export;
// otherwise its children whose names look like exports are inspected.
// Running Detect twice over an unchanged path yields identical results.
func (d *Detector) Detect(ctx context.Context, path string) ([]models.ExportSet, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("detect: resolve %q: %w: %w", path, apperr.ErrDetection, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("detect: %q is not accessible: %w: %w", path, apperr.ErrDetection, err)
	}

	var parts []part
	if !info.IsDir() {
		if !isZip(abs) {
			return nil, fmt.Errorf("detect: %q is neither a directory nor a zip archive: %w", path, apperr.ErrDetection)
		}
		parts = append(parts, inspectZip(abs, info))
	} else if p, ok := inspectDir(abs, info, false); ok {
		parts = append(parts, p)
	} else {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, fmt.Errorf("detect: read %q: %w: %w", path, apperr.ErrDetection, err)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !candidateName(e.Name()) {
				continue
			}
			child := filepath.Join(abs, e.Name())
			ci, err := os.Stat(child)
			if err != nil {
				d.logger.Debug("detect: skip child", slog.String("path", child), slog.String("error", err.Error()))
				continue
			}
			switch {
			case ci.IsDir():
				if p, ok := inspectDir(child, ci, true); ok {
					parts = append(parts, p)
				}
			case isZip(child):
				p := inspectZip(child, ci)
				if p.corrupted || p.markers.any() {
					parts = append(parts, p)
				}
			}
		}
	}

	sets := group(parts)
	d.logger.Debug("detect: scanned", slog.String("path", abs), slog.Int("candidates", len(sets)))
	return sets, nil
}

// DetectAll runs Detect over several roots, logging and skipping roots that
// fail. The same export reached through two roots is reported once; distinct
// exports sharing a base name get a DistinctID. Results are sorted by id.
func (d *Detector) DetectAll(ctx context.Context, roots []string) []models.ExportSet {
	seen := make(map[string]models.ExportSet)
	for _, root := range roots {
		sets, err := d.Detect(ctx, root)
		if err != nil {
			d.logger.Warn("detect: scan root failed", slog.String("error", err.Error()))
			continue
		}
		for _, s := range sets {
			if prev, dup := seen[s.ID]; dup {
				if SamePaths(prev.SourcePaths, s.SourcePaths) {
					continue
				}
				s.ID = DistinctID(s)
			}
			seen[s.ID] = s
		}
	}
	out := make([]models.ExportSet, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Revalidate re-inspects the source paths of a known export and returns it
// with a fresh status and fingerprint. A missing part is a detection error.
func (d *Detector) Revalidate(set models.ExportSet) (models.ExportSet, error) {
	parts := make([]part, 0, len(set.SourcePaths))
	for _, p := range set.SourcePaths {
		info, err := os.Stat(p)
		if err != nil {
			return set, fmt.Errorf("detect: export part missing: %w: %w", apperr.ErrDetection, err)
		}
		if info.IsDir() {
			dp, _ := inspectDir(p, info, true)
			parts = append(parts, dp)
		} else {
			parts = append(parts, inspectZip(p, info))
		}
	}
	sets := group(parts)
	if len(sets) == 0 {
		return set, fmt.Errorf("detect: no parts for %s: %w", set.ID, apperr.ErrDetection)
	}
	fresh := sets[0]
	fresh.ID = set.ID
	fresh.SourcePaths = set.SourcePaths
	fresh.IngestedAt = set.IngestedAt
	return fresh, nil
}

func isZip(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".zip")
}

func inspectZip(path string, info os.FileInfo) part {
	m, ok := scanZip(path)
	return part{
		path:      path,
		kind:      models.SourceArchive,
		markers:   m,
		corrupted: !ok,
		size:      info.Size(),
		modTime:   info.ModTime(),
	}
}

// inspectDir reads the markers of a directory export. A directory without
// markers of its own may wrap the export one level deep; a wrapped child
// whose name looks like an export is only unwrapped when unwrapNamed is set,
// so a scanned parent holding one export is not mistaken for it.
func inspectDir(path string, info os.FileInfo, unwrapNamed bool) (part, bool) {
	root := path
	if !dirMarkers(path).any() {
		if child := wrappedChild(path); child != "" && (unwrapNamed || !candidateName(filepath.Base(child))) {
			root = child
		}
	}
	m := dirMarkers(root)
	return part{
		path:    path,
		kind:    models.SourceDirectory,
		markers: m,
		modTime: info.ModTime(),
	}, m.any()
}

func dirMarkers(root string) markerSet {
	isDir := func(name string) bool {
		fi, err := os.Stat(filepath.Join(root, name))
		return err == nil && fi.IsDir()
	}
	var m markerSet
	if fi, err := os.Stat(filepath.Join(root, models.MarkerLanding)); err == nil && !fi.IsDir() {
		m.index = true
	}
	m.pages = isDir("html")
	m.json = isDir("json")
	for _, d := range mediaDirs {
		if isDir(d) {
			m.media = true
		}
	}
	return m
}

// ResolveRoot returns the directory that actually holds the export tree:
// dir itself, or its single subdirectory when the export is wrapped one
// level deep.
func ResolveRoot(dir string) string {
	if dirMarkers(dir).any() {
		return dir
	}
	if child := wrappedChild(dir); child != "" {
		return child
	}
	return dir
}

// wrappedChild returns the only visible entry of dir when it is a directory
// carrying markers, or "".
func wrappedChild(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var only string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !e.IsDir() || only != "" {
			return ""
		}
		only = e.Name()
	}
	if only == "" {
		return ""
	}
	child := filepath.Join(dir, only)
	if !dirMarkers(child).any() {
		return ""
	}
	return child
}

// group folds parts sharing a base name and source kind into ExportSets.
func group(parts []part) []models.ExportSet {
	type acc struct {
		base  string
		kind  models.SourceKind
		parts []part
	}
	groups := make(map[string]*acc)
	for _, p := range parts {
		base := BaseName(filepath.Base(p.path))
		key := string(p.kind) + "|" + base
		g, ok := groups[key]
		if !ok {
			g = &acc{base: base, kind: p.kind}
			groups[key] = g
		}
		g.parts = append(g.parts, p)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	used := make(map[string]bool)
	out := make([]models.ExportSet, 0, len(groups))
	for _, k := range keys {
		g := groups[k]
		sort.Slice(g.parts, func(i, j int) bool { return g.parts[i].path < g.parts[j].path })

		var (
			markers   markerSet
			corrupted bool
			earliest  time.Time
			paths     []string
			fp        []string
		)
		for _, p := range g.parts {
			markers = markers.union(p.markers)
			corrupted = corrupted || p.corrupted
			if earliest.IsZero() || p.modTime.Before(earliest) {
				earliest = p.modTime
			}
			paths = append(paths, p.path)
			fp = append(fp, p.path, strconv.FormatInt(p.size, 10), strconv.FormatInt(p.modTime.UnixNano(), 10))
		}

		id := g.base
		if used[id] {
			id = g.base + "~" + string(g.kind)
		}
		used[id] = true

		created := earliest.UTC()
		out = append(out, models.ExportSet{
			ID:          id,
			SourcePaths: paths,
			SourceKind:  g.kind,
			CreatedAt:   &created,
			Status:      classify(markers, corrupted),
			Markers:     markers.list(),
			Fingerprint: checksum.Fingerprint(fp...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
