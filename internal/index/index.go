package index

import (
	"context"

	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/reconstruct"
)

// Reader is the read side of the store used by the query surfaces.
// Consumers depend on this interface rather than the concrete *DB type.
type Reader interface {
	ListExports(ctx context.Context) ([]models.ExportSet, error)
	GetExport(ctx context.Context, id string) (*models.ExportSet, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	ListPeople(ctx context.Context) ([]models.Person, error)
	EventsPage(ctx context.Context, convID, cursor string, limit int) (*models.EventPage, error)
	MediaPage(ctx context.Context, cursor string, limit int) (*models.MediaPage, error)
	Search(ctx context.Context, query string, limit int) ([]models.SearchHit, error)
	Stats(ctx context.Context) (*models.Stats, error)
	ActivityDates(ctx context.Context, convID string) ([]string, error)
	EventIndexAt(ctx context.Context, convID, date string) (int, error)
	LatestReport(ctx context.Context, exportID string) (*models.ValidationReport, error)
	LatestResult(ctx context.Context, exportID string) (*models.IngestionResult, error)
}

// Writer is the ingestion side of the store.
type Writer interface {
	UpsertExport(ctx context.Context, set models.ExportSet) error
	RegisterExport(ctx context.Context, set models.ExportSet) error
	BeginRun(ctx context.Context, exportID string) (string, error)
	StageObservations(ctx context.Context, runID string, obs []models.Observation) error
	StagePeople(ctx context.Context, runID string, people []models.Person) error
	RunPeople(ctx context.Context, runID string) ([]models.Person, error)
	StagedHints(ctx context.Context, runID string) ([]string, error)
	CountStaged(ctx context.Context, runID string) (int, error)
	LoadStaged(ctx context.Context, runID, hint string) ([]models.Observation, error)
	ScanStaged(ctx context.Context, runID string, batchSize int, fn func([]Staged) error) error
	UpdateStaged(ctx context.Context, runID string, batch []Staged) error
	WriteBundles(ctx context.Context, runID string, bundles []*reconstruct.Bundle, batchSize int, hook BatchHook) (int, error)
	BuildSearchIndex(ctx context.Context, runID string, batchSize int) (int, error)
	PublishRun(ctx context.Context, runID string, result models.IngestionResult, report models.ValidationReport) error
	DiscardRun(ctx context.Context, runID string, result models.IngestionResult, report models.ValidationReport) error
	Reset(ctx context.Context) error
}

// Store is the full store.
type Store interface {
	Reader
	Writer
	Close() error
}

// Verify *DB satisfies Store at compile time.
var _ Store = (*DB)(nil)
