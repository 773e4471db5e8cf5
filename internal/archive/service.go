// Package archive is the session boundary the presentation layer talks to:
// export discovery, ingestion jobs and read queries over the indexed archive.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/detect"
	"github.com/starford/snaparchive/internal/index"
	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/pipeline"
	"github.com/starford/snaparchive/internal/storage"
)

// MaxQueryLength is the longest search query accepted, in characters.
const MaxQueryLength = 500

// Service coordinates the store, the orchestrator and the detector.
type Service struct {
	db        index.Store
	orch      *pipeline.Orchestrator
	detector  *detect.Detector
	workspace string
	logger    *slog.Logger
}

// NewService creates a new archive service. workspace is the extraction
// directory the orchestrator writes into; ResetAllData empties it.
func NewService(db index.Store, orch *pipeline.Orchestrator, workspace string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, orch: orch, detector: detect.New(logger), workspace: workspace, logger: logger}
}

// ListExportSets returns every export known to the store.
func (s *Service) ListExportSets(ctx context.Context) ([]models.ExportSet, error) {
	return s.db.ListExports(ctx)
}

// DetectExports scans path for export candidates and registers them.
// Detection is read-only on disk; running it twice yields the same sets.
func (s *Service) DetectExports(ctx context.Context, path string) ([]models.ExportSet, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("archive: path is required: %w", apperr.ErrInvalidInput)
	}
	sets, err := s.detector.Detect(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.Register(ctx, sets)
}

// DetectRoots scans several roots, skipping those that fail, and registers
// every candidate found.
func (s *Service) DetectRoots(ctx context.Context, roots []string) ([]models.ExportSet, error) {
	return s.Register(ctx, s.detector.DetectAll(ctx, roots))
}

// WatchRoots keeps the export list current while ctx lives: new or changed
// candidates under roots are registered as they appear.
func (s *Service) WatchRoots(ctx context.Context, roots []string, debounce time.Duration) error {
	return s.detector.Watch(ctx, roots, debounce, func(sets []models.ExportSet) {
		if _, err := s.Register(ctx, sets); err != nil {
			s.logger.Warn("archive: register watched exports failed", slog.String("error", err.Error()))
			return
		}
		s.logger.Info("archive: exports refreshed", slog.Int("candidates", len(sets)))
	})
}

// Register stores detected sets and returns them as stored, with their
// ingestion time filled in for exports imported before. An export that has
// been ingested is never changed by detection. A set found at other paths
// than the stored export of the same id is registered under its own id.
func (s *Service) Register(ctx context.Context, sets []models.ExportSet) ([]models.ExportSet, error) {
	out := make([]models.ExportSet, 0, len(sets))
	for _, set := range sets {
		stored, err := s.register(ctx, set)
		if err != nil {
			return nil, err
		}
		out = append(out, *stored)
	}
	return out, nil
}

func (s *Service) register(ctx context.Context, set models.ExportSet) (*models.ExportSet, error) {
	stored, err := s.db.GetExport(ctx, set.ID)
	if err == nil && !detect.SamePaths(stored.SourcePaths, set.SourcePaths) {
		s.logger.Info("archive: export name already taken by other paths",
			slog.String("export_id", set.ID), slog.Any("source_paths", set.SourcePaths))
		set.ID = detect.DistinctID(set)
		stored, err = s.db.GetExport(ctx, set.ID)
	}
	switch {
	case errors.Is(err, apperr.ErrNotFound):
	case err != nil:
		return nil, err
	case stored.IngestedAt != nil:
		return stored, nil
	}
	if err := s.db.RegisterExport(ctx, set); err != nil {
		return nil, err
	}
	return s.db.GetExport(ctx, set.ID)
}

// StartIngestion launches a background job for a registered export.
func (s *Service) StartIngestion(ctx context.Context, exportID string) (*pipeline.Snapshot, error) {
	set, err := s.db.GetExport(ctx, exportID)
	if err != nil {
		return nil, err
	}
	job, err := s.orch.Start(ctx, *set)
	if err != nil {
		return nil, err
	}
	snap := job.Snapshot()
	return &snap, nil
}

// Reimport re-runs ingestion from the export's stored source paths. The
// current data stays visible until the new run publishes.
func (s *Service) Reimport(ctx context.Context, exportID string) (*pipeline.Snapshot, error) {
	s.logger.Info("archive: reimport requested", slog.String("export_id", exportID))
	return s.StartIngestion(ctx, exportID)
}

// Job returns a job snapshot.
func (s *Service) Job(_ context.Context, id string) (*pipeline.Snapshot, error) {
	job, err := s.orch.Job(id)
	if err != nil {
		return nil, err
	}
	snap := job.Snapshot()
	return &snap, nil
}

// Jobs lists the jobs of this process, newest first.
func (s *Service) Jobs(_ context.Context) []pipeline.Snapshot {
	return s.orch.Jobs()
}

// CancelJob requests cancellation of a running job. Cancelling a finished
// job is a no-op.
func (s *Service) CancelJob(_ context.Context, id string) (*pipeline.Snapshot, error) {
	job, err := s.orch.Job(id)
	if err != nil {
		return nil, err
	}
	job.Cancel()
	snap := job.Snapshot()
	return &snap, nil
}

// ListConversations returns every conversation, most recently active first.
func (s *Service) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	return s.db.ListConversations(ctx)
}

// GetConversation returns one conversation.
func (s *Service) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return s.db.GetConversation(ctx, id)
}

// GetEventsPage returns one page of a conversation's events.
func (s *Service) GetEventsPage(ctx context.Context, convID, cursor string, limit int) (*models.EventPage, error) {
	return s.db.EventsPage(ctx, convID, cursor, limit)
}

// GetEvent returns one event.
func (s *Service) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	return s.db.GetEvent(ctx, id)
}

// Search runs a full-text query. Operator characters in the query are
// matched literally.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]models.SearchHit, error) {
	if utf8.RuneCountInString(query) > MaxQueryLength {
		return nil, fmt.Errorf("archive: query longer than %d characters: %w", MaxQueryLength, apperr.ErrInvalidInput)
	}
	return s.db.Search(ctx, strings.TrimSpace(query), limit)
}

// ListMediaPage returns one page of the archive-wide media stream.
func (s *Service) ListMediaPage(ctx context.Context, cursor string, limit int) (*models.MediaPage, error) {
	return s.db.MediaPage(ctx, cursor, limit)
}

// ListPeople returns the participant directory.
func (s *Service) ListPeople(ctx context.Context) ([]models.Person, error) {
	return s.db.ListPeople(ctx)
}

// Stats aggregates the archive.
func (s *Service) Stats(ctx context.Context) (*models.Stats, error) {
	return s.db.Stats(ctx)
}

// ActivityDates lists the dates a conversation has events on.
func (s *Service) ActivityDates(ctx context.Context, convID string) ([]string, error) {
	return s.db.ActivityDates(ctx, convID)
}

// EventIndexAt returns the position of the first event on or after date.
func (s *Service) EventIndexAt(ctx context.Context, convID, date string) (int, error) {
	return s.db.EventIndexAt(ctx, convID, date)
}

// ValidationReport returns the latest frozen report of an export.
func (s *Service) ValidationReport(ctx context.Context, exportID string) (*models.ValidationReport, error) {
	return s.db.LatestReport(ctx, exportID)
}

// IngestionResult returns the latest terminal result of an export.
func (s *Service) IngestionResult(ctx context.Context, exportID string) (*models.IngestionResult, error) {
	return s.db.LatestResult(ctx, exportID)
}

// ResetAllData deletes every indexed entity and the extraction workspace.
// The user's original export files are never touched. It refuses to run
// while an ingestion job is in flight.
func (s *Service) ResetAllData(ctx context.Context) error {
	if s.orch.Busy() {
		return fmt.Errorf("archive: reset while an ingestion job is running: %w", apperr.ErrConflict)
	}
	if err := s.db.Reset(ctx); err != nil {
		return err
	}
	if err := s.clearWorkspace(); err != nil {
		return err
	}
	s.logger.Info("archive: all data reset")
	return nil
}

func (s *Service) clearWorkspace() error {
	if s.workspace == "" {
		return nil
	}
	entries, err := os.ReadDir(s.workspace)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("archive: read workspace: %w", err)
	}
	ws, err := storage.NewFS(s.workspace)
	if err != nil {
		return fmt.Errorf("archive: open workspace: %w", err)
	}
	for _, e := range entries {
		if err := ws.RemoveAll(filepath.ToSlash(e.Name())); err != nil {
			return fmt.Errorf("archive: clear workspace: %w", err)
		}
	}
	return nil
}
