package archive

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/pipeline"
	"github.com/starford/snaparchive/internal/testutil"
)

const exportID = "mydata~1700000000"

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *Service
	orch      *pipeline.Orchestrator
	parent    string
	workspace string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.TestDB(t)
	ws := t.TempDir()
	orch := pipeline.New(db, pipeline.Config{Workspace: ws, Workers: 2}, testutil.Logger())
	parent := t.TempDir()

	e := testutil.NewExport(t, filepath.Join(parent, exportID)).Landing()
	var entries []testutil.ChatEntry
	for i := range 6 {
		entries = append(entries, testutil.ChatEntry{
			Sender:    []string{"alice", "bob"}[i%2],
			Kind:      "TEXT",
			Text:      fmt.Sprintf("message number %d", i),
			Timestamp: t0.Add(time.Duration(i)*time.Minute).Format("2006-01-02 15:04:05") + " UTC",
		})
	}
	entries = append(entries, testutil.ChatEntry{
		Sender: "bob", Kind: "MEDIA", Timestamp: t0.Add(10*time.Minute).Format("2006-01-02 15:04:05"),
		Media: []string{"2024-01-01_pic001.jpg"},
	})
	e.ChatPage("bob", 1, entries...).Media("2024-01-01_pic001.jpg")

	return &fixture{svc: NewService(db, orch, ws, testutil.Logger()), orch: orch, parent: parent, workspace: ws}
}

func (f *fixture) ingest(t *testing.T) *models.IngestionResult {
	t.Helper()
	ctx := context.Background()
	sets, err := f.svc.DetectExports(ctx, f.parent)
	require.NoError(t, err)
	require.Len(t, sets, 1)

	snap, err := f.svc.StartIngestion(ctx, sets[0].ID)
	require.NoError(t, err)
	return f.wait(t, snap.ID)
}

func (f *fixture) wait(t *testing.T, jobID string) *models.IngestionResult {
	t.Helper()
	job, err := f.orch.Job(jobID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	res, err := job.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestDetectIsIdempotentAndRegisters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.DetectExports(ctx, f.parent)
	require.NoError(t, err)
	second, err := f.svc.DetectExports(ctx, f.parent)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, first, 1)
	assert.Equal(t, models.StatusValid, first[0].Status)

	listed, err := f.svc.ListExportSets(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	_, err = f.svc.DetectExports(ctx, "  ")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestIngestAndQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.ingest(t)
	require.Equal(t, models.OutcomeSuccess, res.Outcome, "errors: %v", res.Errors)
	assert.Equal(t, 7, res.EventsParsed)

	sets, _ := f.svc.ListExportSets(ctx)
	require.NotNil(t, sets[0].IngestedAt)

	convs, err := f.svc.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.True(t, convs[0].HasMedia)

	page, err := f.svc.GetEventsPage(ctx, convs[0].ID, "", 4)
	require.NoError(t, err)
	assert.Len(t, page.Events, 4)
	assert.True(t, page.HasMore)
	next, err := f.svc.GetEventsPage(ctx, convs[0].ID, page.NextCursor, 4)
	require.NoError(t, err)
	assert.Len(t, next.Events, 3)

	hits, err := f.svc.Search(ctx, "  number 3 ", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, convs[0].ID, hits[0].ConversationID)

	media, err := f.svc.ListMediaPage(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, media.Items, 1)
	assert.Equal(t, "chat_media/2024-01-01_pic001.jpg", media.Items[0].Path)

	report, err := f.svc.ValidationReport(ctx, exportID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MediaResolved)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.TotalEvents)

	dates, err := f.svc.ActivityDates(ctx, convs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01"}, dates)
}

func TestSearchRejectsLongQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Search(context.Background(), strings.Repeat("a", MaxQueryLength+1), 10)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	hits, err := f.svc.Search(context.Background(), strings.Repeat("é", MaxQueryLength), 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestExportConversationFormats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t)
	convs, _ := f.svc.ListConversations(ctx)
	id := convs[0].ID

	var txt bytes.Buffer
	require.NoError(t, f.svc.ExportConversation(ctx, id, FormatTXT, &txt))
	assert.Contains(t, txt.String(), "[2024-01-01 10:00:00] alice: message number 0\n")
	assert.Contains(t, txt.String(), "[2024-01-01 10:10:00] bob: [media: 2024-01-01_pic001.jpg]\n")

	var js bytes.Buffer
	require.NoError(t, f.svc.ExportConversation(ctx, id, FormatJSON, &js))
	var doc struct {
		Conversation models.Conversation `json:"conversation"`
		Events       []models.Event      `json:"events"`
	}
	require.NoError(t, json.Unmarshal(js.Bytes(), &doc))
	assert.Equal(t, id, doc.Conversation.ID)
	assert.Len(t, doc.Events, 7)

	var cs bytes.Buffer
	require.NoError(t, f.svc.ExportConversation(ctx, id, FormatCSV, &cs))
	rows, err := csv.NewReader(&cs).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 8)
	assert.Equal(t, "timestamp", rows[0][0])

	err = f.svc.ExportConversation(ctx, "missing", FormatTXT, &txt)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTXT, "TXT": FormatTXT, "json": FormatJSON, " csv ": FormatCSV} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("pdf")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestReimportKeepsIDsStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t)
	before, _ := f.svc.ListConversations(ctx)

	snap, err := f.svc.Reimport(ctx, exportID)
	require.NoError(t, err)
	res := f.wait(t, snap.ID)
	require.Equal(t, models.OutcomeSuccess, res.Outcome)

	after, _ := f.svc.ListConversations(ctx)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID)
	stats, _ := f.svc.Stats(ctx)
	assert.Equal(t, 7, stats.TotalEvents)
}

func TestRedetectAfterIngestLeavesExportUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.ingest(t)
	require.Equal(t, models.OutcomeSuccess, res.Outcome)
	before, err := f.svc.ListExportSets(ctx)
	require.NoError(t, err)
	require.Len(t, before, 1)
	require.NotNil(t, before[0].IngestedAt)

	again, err := f.svc.DetectExports(ctx, f.parent)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, before[0], again[0])

	// Another folder carrying the same export name.
	other := t.TempDir()
	testutil.NewExport(t, filepath.Join(other, exportID)).Media("2024-01-02_x.jpg")
	found, err := f.svc.DetectExports(ctx, other)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.NotEqual(t, exportID, found[0].ID)
	assert.Equal(t, models.StatusUnknown, found[0].Status)

	stored, err := f.svc.ListExportSets(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, set := range stored {
		if set.ID == exportID {
			assert.Equal(t, before[0], set)
		}
	}
}

func TestResetAllData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t)
	leftover := filepath.Join(f.workspace, "old-extraction")
	require.NoError(t, os.MkdirAll(leftover, 0o755))

	require.NoError(t, f.svc.ResetAllData(ctx))

	convs, err := f.svc.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
	sets, _ := f.svc.ListExportSets(ctx)
	assert.Empty(t, sets)
	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(f.parent, exportID, "index.html"))
	assert.NoError(t, err, "original export files are untouched")
}

func TestUnknownIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StartIngestion(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.CancelJob(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.Job(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDetectRootsSkipsUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sets, err := f.svc.DetectRoots(ctx, []string{filepath.Join(f.parent, "missing"), f.parent})
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, exportID, sets[0].ID)

	listed, err := f.svc.ListExportSets(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}
