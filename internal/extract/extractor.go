// Package extract unpacks export archives into the engine's workspace with
// traversal and size guards.
package extract

import (
	"archive/zip"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/detect"
	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/storage"
)

// DefaultMaxBytes is the decompressed size ceiling used when none is set.
const DefaultMaxBytes int64 = 5 << 30

// Result describes an extracted (or in-place) export tree.
type Result struct {
	Root     string // directory holding index.html, html/, json/, media
	InPlace  bool   // Root is the user's own directory, opened read-only
	Files    int
	Bytes    int64
	Warnings []string
}

// Extractor merges the parts of an ExportSet into one directory tree.
type Extractor struct {
	maxBytes int64
	logger   *slog.Logger
}

// New creates an Extractor. maxBytes <= 0 selects DefaultMaxBytes.
func New(maxBytes int64, logger *slog.Logger) *Extractor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{maxBytes: maxBytes, logger: logger}
}

// entry is one file or directory from any part, already relative to the
// export root.
type entry struct {
	name string
	mode fs.FileMode
	size int64
	open func() (io.ReadCloser, error)
}

// Extract merges every part of set into dest/<set.ID>. A single directory
// part is used in place without copying. progress, when non-nil, receives
// the number of entries handled so far and the total.
//
// Traversal attempts, integrity failures and the size ceiling abort the
// extraction; the partial target directory is removed before returning.
func (e *Extractor) Extract(ctx context.Context, set models.ExportSet, dest string, progress func(done, total int)) (*Result, error) {
	if len(set.SourcePaths) == 0 {
		return nil, fmt.Errorf("extract: %s has no source paths: %w", set.ID, apperr.ErrExtraction)
	}
	if set.SourceKind == models.SourceDirectory && len(set.SourcePaths) == 1 {
		root := detect.ResolveRoot(set.SourcePaths[0])
		if progress != nil {
			progress(1, 1)
		}
		return &Result{Root: root, InPlace: true}, nil
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("extract: create workspace: %w: %w", apperr.ErrExtraction, err)
	}
	ws, err := storage.NewFS(dest)
	if err != nil {
		return nil, fmt.Errorf("extract: %w: %w", apperr.ErrExtraction, err)
	}
	targetRel := safeDirName(set.ID)
	if err := ws.RemoveAll(targetRel); err != nil {
		return nil, fmt.Errorf("extract: clear previous extraction: %w: %w", apperr.ErrExtraction, err)
	}
	if err := ws.Mkdir(targetRel); err != nil {
		return nil, fmt.Errorf("extract: %w: %w", apperr.ErrExtraction, err)
	}
	targetAbs, _ := ws.Resolve(targetRel)
	target, err := storage.NewFS(targetAbs)
	if err != nil {
		return nil, fmt.Errorf("extract: %w: %w", apperr.ErrExtraction, err)
	}

	res, err := e.extractParts(ctx, set, target, progress)
	if err != nil {
		if rmErr := ws.RemoveAll(targetRel); rmErr != nil {
			e.logger.Warn("extract: cleanup failed", slog.String("error", rmErr.Error()))
		}
		return nil, err
	}
	return res, nil
}

func (e *Extractor) extractParts(ctx context.Context, set models.ExportSet, target *storage.FS, progress func(done, total int)) (*Result, error) {
	var (
		all     []entry
		closers []io.Closer
	)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	for _, p := range set.SourcePaths {
		var (
			entries []entry
			closer  io.Closer
			err     error
		)
		if fi, statErr := os.Stat(p); statErr == nil && fi.IsDir() {
			entries, err = dirEntries(p)
		} else {
			entries, closer, err = zipEntries(p)
		}
		if err != nil {
			return nil, err
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		all = append(all, entries...)
	}

	res := &Result{Root: target.Root()}
	seen := make(map[string]int64, len(all))
	for i, en := range all {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("extract: %w", err)
		}
		if progress != nil && (i%64 == 0) {
			progress(i, len(all))
		}

		if _, err := target.Resolve(en.name); err != nil {
			return nil, fmt.Errorf("extract: entry %q: %w", en.name, err)
		}
		switch {
		case en.mode&fs.ModeSymlink != 0:
			res.Warnings = append(res.Warnings, fmt.Sprintf("skipped symbolic link %s", en.name))
			continue
		case en.mode.IsDir():
			if err := target.Mkdir(en.name); err != nil {
				return nil, fmt.Errorf("extract: %w: %w", apperr.ErrExtraction, err)
			}
			continue
		case !en.mode.IsRegular():
			res.Warnings = append(res.Warnings, fmt.Sprintf("skipped special file %s", en.name))
			continue
		}

		key := strings.ToLower(en.name)
		if prev, dup := seen[key]; dup {
			if prev != en.size {
				res.Warnings = append(res.Warnings, fmt.Sprintf("duplicate entry %s differs in size across parts (%d vs %d bytes); kept the first", en.name, prev, en.size))
			}
			continue
		}
		seen[key] = en.size

		n, err := e.writeEntry(target, en, e.maxBytes-res.Bytes)
		res.Bytes += n
		if err != nil {
			var lim *apperr.SizeLimitError
			if errors.As(err, &lim) {
				return nil, &apperr.SizeLimitError{Limit: e.maxBytes, Written: res.Bytes}
			}
			return nil, err
		}
		res.Files++
	}
	if progress != nil {
		progress(len(all), len(all))
	}
	e.logger.Info("extract: complete",
		slog.String("export", set.ID),
		slog.Int("files", res.Files),
		slog.Int64("bytes", res.Bytes),
		slog.Int("warnings", len(res.Warnings)))
	return res, nil
}

// writeEntry copies one file, reading at most remaining+1 bytes so the
// ceiling is enforced on bytes actually written, not on declared sizes.
func (e *Extractor) writeEntry(target *storage.FS, en entry, remaining int64) (int64, error) {
	rc, err := en.open()
	if err != nil {
		return 0, fmt.Errorf("extract: open %q: %w: %w", en.name, apperr.ErrCorrupted, err)
	}
	defer rc.Close()

	out, err := target.Create(en.name)
	if err != nil {
		return 0, fmt.Errorf("extract: %w: %w", apperr.ErrExtraction, err)
	}
	n, copyErr := io.Copy(out, io.LimitReader(rc, remaining+1))
	closeErr := out.Close()
	if n > remaining {
		return n, &apperr.SizeLimitError{Written: n}
	}
	if copyErr != nil {
		if isIntegrityErr(copyErr) {
			return n, fmt.Errorf("extract: %q failed integrity check: %w: %w", en.name, apperr.ErrCorrupted, copyErr)
		}
		return n, fmt.Errorf("extract: write %q: %w: %w", en.name, apperr.ErrExtraction, copyErr)
	}
	if closeErr != nil {
		return n, fmt.Errorf("extract: close %q: %w: %w", en.name, apperr.ErrExtraction, closeErr)
	}
	return n, nil
}

func isIntegrityErr(err error) bool {
	if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var corrupt flate.CorruptInputError
	return errors.As(err, &corrupt)
}

func zipEntries(path string) ([]entry, io.Closer, error) {
	r, err := zip.OpenReader(path)
	if errors.Is(err, zip.ErrInsecurePath) {
		if r != nil {
			_ = r.Close()
		}
		return nil, nil, fmt.Errorf("extract: archive %s: %w", filepath.Base(path), apperr.ErrTraversal)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("extract: open archive %s: %w: %w", filepath.Base(path), apperr.ErrCorrupted, err)
	}
	names := make([]string, len(r.File))
	for i, f := range r.File {
		names[i] = f.Name
	}
	prefix := detect.CommonPrefix(names)

	out := make([]entry, 0, len(r.File))
	for _, f := range r.File {
		raw := strings.ReplaceAll(f.Name, "\\", "/")
		if escapes(raw) {
			_ = r.Close()
			return nil, nil, fmt.Errorf("extract: entry %q: %w", f.Name, apperr.ErrTraversal)
		}
		name := strings.TrimPrefix(strings.TrimLeft(raw, "/"), prefix)
		if name == "" {
			continue
		}
		mode := f.Mode()
		if strings.HasSuffix(name, "/") {
			mode = fs.ModeDir | 0o755
			name = strings.TrimSuffix(name, "/")
		}
		out = append(out, entry{
			name: name,
			mode: mode,
			size: int64(f.UncompressedSize64),
			open: f.Open,
		})
	}
	return out, r, nil
}

// escapes reports whether a raw archive name is absolute or climbs above
// the archive root at any point.
func escapes(name string) bool {
	if strings.HasPrefix(name, "/") || (len(name) > 1 && name[1] == ':') {
		return true
	}
	depth := 0
	for _, seg := range strings.Split(name, "/") {
		switch seg {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return true
			}
		default:
			depth++
		}
	}
	return false
}

func dirEntries(dir string) ([]entry, error) {
	root := detect.ResolveRoot(dir)
	var out []entry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, entry{
			name: filepath.ToSlash(rel),
			mode: info.Mode(),
			size: info.Size(),
			open: func() (io.ReadCloser, error) { return os.Open(p) },
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("extract: walk %s: %w: %w", filepath.Base(dir), apperr.ErrExtraction, err)
	}
	return out, nil
}

// safeDirName turns an export id into a single path segment.
func safeDirName(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	s := r.Replace(id)
	if s == "" || s == "." {
		s = "export"
	}
	return s
}
