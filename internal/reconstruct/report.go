package reconstruct

import (
	"fmt"
	"slices"
	"sync"

	"github.com/starford/snaparchive/internal/models"
)

// DefaultMaxWarnings bounds the itemised warnings kept in one report.
const DefaultMaxWarnings = 1000

// Tally is what merging one conversation adds to the run's report.
type Tally struct {
	NullTimestamps      int
	Conflicts           int
	DuplicatesCollapsed int
	Supplemented        int
	JSONOnlyEvents      int
	InvalidObservations int

	MediaReferenced int
	MediaResolved   int
	MediaMissing    int
	MediaAmbiguous  int

	MissingFiles []string
	Warnings     []string
}

func (t *Tally) warnf(format string, args ...any) {
	t.Warnings = append(t.Warnings, fmt.Sprintf(format, args...))
}

// ReportBuilder accumulates the ValidationReport of one run. It is safe for
// concurrent use; the parse pool reports into it from several goroutines.
type ReportBuilder struct {
	mu          sync.Mutex
	r           models.ValidationReport
	maxWarnings int
	dropped     int
	missingSeen map[string]struct{}
	droppedMiss int
}

// NewReportBuilder starts an empty report. maxWarnings <= 0 selects the
// default cap.
func NewReportBuilder(exportID, runID string, maxWarnings int) *ReportBuilder {
	if maxWarnings <= 0 {
		maxWarnings = DefaultMaxWarnings
	}
	return &ReportBuilder{
		r:           models.ValidationReport{ExportID: exportID, RunID: runID},
		maxWarnings: maxWarnings,
		missingSeen: make(map[string]struct{}),
	}
}

// Update applies fn to the report under the builder's lock.
func (b *ReportBuilder) Update(fn func(r *models.ValidationReport)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.r)
}

// Warnf appends one warning.
func (b *ReportBuilder) Warnf(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.warnLocked(fmt.Sprintf(format, args...))
}

func (b *ReportBuilder) warnLocked(w string) {
	if len(b.r.Warnings) >= b.maxWarnings {
		b.dropped++
		return
	}
	b.r.Warnings = append(b.r.Warnings, w)
}

// Add folds a conversation's tally into the report.
func (b *ReportBuilder) Add(t Tally) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.r.NullTimestamps += t.NullTimestamps
	b.r.Conflicts += t.Conflicts
	b.r.DuplicatesCollapsed += t.DuplicatesCollapsed
	b.r.Supplemented += t.Supplemented
	b.r.JSONOnlyEvents += t.JSONOnlyEvents
	b.r.InvalidObservations += t.InvalidObservations
	b.r.MediaReferenced += t.MediaReferenced
	b.r.MediaResolved += t.MediaResolved
	b.r.MediaMissing += t.MediaMissing
	b.r.MediaAmbiguous += t.MediaAmbiguous
	for _, f := range t.MissingFiles {
		if _, ok := b.missingSeen[f]; ok {
			continue
		}
		b.missingSeen[f] = struct{}{}
		if len(b.r.MissingFiles) >= b.maxWarnings {
			b.droppedMiss++
			continue
		}
		b.r.MissingFiles = append(b.r.MissingFiles, f)
	}
	for _, w := range t.Warnings {
		b.warnLocked(w)
	}
}

// WarningCount is the number of warnings recorded, including those past the
// cap.
func (b *ReportBuilder) WarningCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.r.Warnings) + b.dropped
}

// Build freezes a copy of the report. Warnings past the cap are summarised
// in a final line so nothing disappears without a trace.
func (b *ReportBuilder) Build() models.ValidationReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.r
	out.Warnings = slices.Clone(b.r.Warnings)
	out.MissingFiles = slices.Clone(b.r.MissingFiles)
	slices.Sort(out.MissingFiles)
	if b.dropped > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d further warnings omitted", b.dropped))
	}
	if b.droppedMiss > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d further missing media files not listed", b.droppedMiss))
	}
	if out.Warnings == nil {
		out.Warnings = []string{}
	}
	if out.MissingFiles == nil {
		out.MissingFiles = []string{}
	}
	return out
}
