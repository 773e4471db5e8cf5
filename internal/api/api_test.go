package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/snaparchive/internal/archive"
	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/pipeline"
	"github.com/starford/snaparchive/internal/testutil"
)

const exportID = "mydata~1700000000"

type testEnv struct {
	svc    *archive.Service
	orch   *pipeline.Orchestrator
	router http.Handler
	parent string
}

// newTestEnv sets up a temp DB, workspace, synthetic export and router.
// An empty authToken means disabled mode.
func newTestEnv(t *testing.T, authToken string) *testEnv {
	t.Helper()

	db := testutil.TestDB(t)
	ws := t.TempDir()
	orch := pipeline.New(db, pipeline.Config{Workspace: ws, Workers: 2}, testutil.Logger())
	svc := archive.NewService(db, orch, ws, testutil.Logger())

	parent := t.TempDir()
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var entries []testutil.ChatEntry
	for i := range 5 {
		entries = append(entries, testutil.ChatEntry{
			Sender:    []string{"alice", "carol"}[i%2],
			Kind:      "TEXT",
			Text:      fmt.Sprintf("hello there %d", i),
			Timestamp: t0.Add(time.Duration(i)*time.Hour).Format("2006-01-02 15:04:05") + " UTC",
		})
	}
	entries = append(entries, testutil.ChatEntry{
		Sender: "carol", Kind: "MEDIA", Timestamp: t0.Add(26 * time.Hour).Format("2006-01-02 15:04:05"),
		Media: []string{"2024-03-02_snap01.jpg"},
	})
	testutil.NewExport(t, filepath.Join(parent, exportID)).Landing().
		ChatPage("carol", 1, entries...).
		Media("2024-03-02_snap01.jpg")

	return &testEnv{
		svc:    svc,
		orch:   orch,
		router: NewRouter(svc, authToken != "", authToken, nil),
		parent: parent,
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rdr)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (body %s)", v, err, w.Body.String())
	}
	return v
}

// ingest detects and ingests the synthetic export through the API, then
// waits for the job to finish.
func (e *testEnv) ingest(t *testing.T) JobSnapshot {
	t.Helper()
	w := e.do(t, http.MethodPost, "/detect", DetectRequest{Path: e.parent})
	if w.Code != http.StatusOK {
		t.Fatalf("detect status = %d, body = %s", w.Code, w.Body.String())
	}
	detected := decode[ExportListResponse](t, w)
	if len(detected.Exports) != 1 || detected.Exports[0].ID != exportID {
		t.Fatalf("detected = %+v", detected.Exports)
	}

	w = e.do(t, http.MethodPost, "/exports/"+exportID+"/ingest", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d, body = %s", w.Code, w.Body.String())
	}
	snap := decode[JobSnapshot](t, w)

	job, err := e.orch.Job(snap.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if _, err := job.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	w = e.do(t, http.MethodGet, "/jobs/"+snap.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("job status = %d", w.Code)
	}
	return decode[JobSnapshot](t, w)
}

func TestIngestAndBrowse(t *testing.T) {
	env := newTestEnv(t, "")
	snap := env.ingest(t)
	if snap.State != models.StateComplete || snap.Fraction != 1 {
		t.Fatalf("job = %+v", snap)
	}
	if snap.Result == nil || snap.Result.Outcome != models.OutcomeSuccess {
		t.Fatalf("result = %+v", snap.Result)
	}

	w := env.do(t, http.MethodGet, "/conversations", nil)
	convs := decode[ConversationListResponse](t, w).Conversations
	if len(convs) != 1 {
		t.Fatalf("conversations = %+v", convs)
	}
	id := convs[0].ID

	w = env.do(t, http.MethodGet, "/conversations/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get conversation status = %d", w.Code)
	}

	// Page through the events.
	w = env.do(t, http.MethodGet, "/conversations/"+id+"/events?limit=4", nil)
	page := decode[models.EventPage](t, w)
	if len(page.Events) != 4 || !page.HasMore || page.Total != 6 {
		t.Fatalf("first page = %d events, has_more=%v, total=%d", len(page.Events), page.HasMore, page.Total)
	}
	w = env.do(t, http.MethodGet, "/conversations/"+id+"/events?limit=4&cursor="+page.NextCursor, nil)
	next := decode[models.EventPage](t, w)
	if len(next.Events) != 2 || next.HasMore {
		t.Fatalf("second page = %d events, has_more=%v", len(next.Events), next.HasMore)
	}
	w = env.do(t, http.MethodGet, "/conversations/"+id+"/events", nil)
	if all := decode[models.EventPage](t, w); len(all.Events) != 6 || all.HasMore {
		t.Fatalf("default page = %d events, has_more=%v", len(all.Events), all.HasMore)
	}
	last := next.Events[1]
	if last.Kind != models.KindMedia || len(last.Media) != 1 {
		t.Fatalf("last event = %+v", last)
	}

	w = env.do(t, http.MethodGet, "/events/"+last.ID, nil)
	if got := decode[models.Event](t, w); got.ID != last.ID {
		t.Fatalf("get event = %+v", got)
	}

	w = env.do(t, http.MethodGet, "/conversations/"+id+"/dates", nil)
	dates := decode[DatesResponse](t, w).Dates
	if len(dates) != 2 || dates[0] != "2024-03-01" || dates[1] != "2024-03-02" {
		t.Fatalf("dates = %v", dates)
	}
	w = env.do(t, http.MethodGet, "/conversations/"+id+"/index?date=2024-03-02", nil)
	if got := decode[EventIndexResponse](t, w); got.Index != 5 {
		t.Fatalf("index = %+v", got)
	}

	w = env.do(t, http.MethodGet, "/search?q=there+3", nil)
	hits := decode[SearchResponse](t, w).Results
	if len(hits) == 0 || hits[0].ConversationID != id {
		t.Fatalf("search = %+v", hits)
	}

	w = env.do(t, http.MethodGet, "/media", nil)
	media := decode[models.MediaPage](t, w)
	if len(media.Items) != 1 || media.Items[0].Path != "chat_media/2024-03-02_snap01.jpg" {
		t.Fatalf("media = %+v", media)
	}

	w = env.do(t, http.MethodGet, "/stats", nil)
	if stats := decode[models.Stats](t, w); stats.TotalEvents != 6 || stats.TotalConversations != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	w = env.do(t, http.MethodGet, "/exports/"+exportID+"/report", nil)
	if report := decode[models.ValidationReport](t, w); report.MediaResolved != 1 || report.MediaMissing != 0 {
		t.Fatalf("report = %+v", report)
	}
	w = env.do(t, http.MethodGet, "/exports/"+exportID+"/result", nil)
	if res := decode[models.IngestionResult](t, w); res.EventsParsed != 6 {
		t.Fatalf("result = %+v", res)
	}

	w = env.do(t, http.MethodGet, "/exports", nil)
	sets := decode[ExportListResponse](t, w).Exports
	if len(sets) != 1 || sets[0].IngestedAt == nil {
		t.Fatalf("exports = %+v", sets)
	}

	w = env.do(t, http.MethodGet, "/jobs", nil)
	if jobs := decode[JobListResponse](t, w).Jobs; len(jobs) != 1 {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestExportConversation(t *testing.T) {
	env := newTestEnv(t, "")
	env.ingest(t)
	convs, err := env.svc.ListConversations(context.Background())
	if err != nil || len(convs) != 1 {
		t.Fatalf("ListConversations: %v %+v", err, convs)
	}
	id := convs[0].ID

	w := env.do(t, http.MethodGet, "/conversations/"+id+"/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, ".txt") {
		t.Errorf("content disposition = %q", cd)
	}
	if !strings.Contains(w.Body.String(), "[2024-03-01 09:00:00] alice: hello there 0") {
		t.Errorf("txt export = %q", w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/conversations/"+id+"/export?format=csv", nil)
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("csv content type = %q", ct)
	}
	if lines := strings.Count(w.Body.String(), "\n"); lines != 7 {
		t.Errorf("csv lines = %d, want 7", lines)
	}

	w = env.do(t, http.MethodGet, "/conversations/"+id+"/export?format=pdf", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("pdf export status = %d, want 400", w.Code)
	}
	w = env.do(t, http.MethodGet, "/conversations/nope/export", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing export status = %d, want 404", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, "")
	env.ingest(t)
	convs, _ := env.svc.ListConversations(context.Background())
	id := convs[0].ID

	long := strings.Repeat("x", archive.MaxQueryLength+1)
	cases := []struct {
		name   string
		method string
		target string
		body   any
		want   int
	}{
		{"unknown conversation", http.MethodGet, "/conversations/nope", nil, http.StatusNotFound},
		{"unknown event", http.MethodGet, "/events/nope", nil, http.StatusNotFound},
		{"bad cursor", http.MethodGet, "/conversations/" + id + "/events?cursor=%21%21", nil, http.StatusBadRequest},
		{"missing query", http.MethodGet, "/search?q=+", nil, http.StatusBadRequest},
		{"long query", http.MethodGet, "/search?q=" + long, nil, http.StatusBadRequest},
		{"missing date", http.MethodGet, "/conversations/" + id + "/index", nil, http.StatusBadRequest},
		{"unknown export ingest", http.MethodPost, "/exports/nope/ingest", nil, http.StatusNotFound},
		{"unknown export report", http.MethodGet, "/exports/nope/report", nil, http.StatusNotFound},
		{"unknown job", http.MethodGet, "/jobs/nope", nil, http.StatusNotFound},
		{"cancel unknown job", http.MethodPost, "/jobs/nope/cancel", nil, http.StatusNotFound},
		{"blank detect path", http.MethodPost, "/detect", DetectRequest{Path: " "}, http.StatusBadRequest},
		{"missing detect path", http.MethodPost, "/detect", DetectRequest{Path: filepath.Join(env.parent, "gone")}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, tc.method, tc.target, tc.body)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tc.want, w.Body.String())
			}
			if e := decode[errResponse](t, w); e.Error == "" {
				t.Fatal("empty error message")
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid JSON status = %d", w.Code)
	}
}

func TestReset(t *testing.T) {
	env := newTestEnv(t, "")
	env.ingest(t)

	w := env.do(t, http.MethodPost, "/reset", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("reset status = %d, body = %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodGet, "/conversations", nil)
	if convs := decode[ConversationListResponse](t, w).Conversations; len(convs) != 0 {
		t.Fatalf("conversations after reset = %+v", convs)
	}
	w = env.do(t, http.MethodGet, "/search?q=hello", nil)
	if hits := decode[SearchResponse](t, w).Results; len(hits) != 0 {
		t.Fatalf("search after reset = %+v", hits)
	}
}

func TestReimportThroughAPI(t *testing.T) {
	env := newTestEnv(t, "")
	env.ingest(t)

	w := env.do(t, http.MethodPost, "/exports/"+exportID+"/reimport", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("reimport status = %d, body = %s", w.Code, w.Body.String())
	}
	snap := decode[JobSnapshot](t, w)
	job, err := env.orch.Job(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	res, err := job.Wait(ctx)
	if err != nil || res.Outcome != models.OutcomeSuccess {
		t.Fatalf("reimport = %+v, %v", res, err)
	}

	w = env.do(t, http.MethodGet, "/stats", nil)
	if stats := decode[models.Stats](t, w); stats.TotalEvents != 6 {
		t.Fatalf("events after reimport = %d, want 6", stats.TotalEvents)
	}
}

func TestAuthTokenMode(t *testing.T) {
	env := newTestEnv(t, "secret-token")

	// No header.
	w := env.do(t, http.MethodGet, "/conversations", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no auth status = %d, want 401", w.Code)
	}

	// Wrong token.
	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", w.Code)
	}

	// Correct token.
	req = httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("correct token status = %d, want 200", w.Code)
	}
}

func TestLoopbackOnly(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := LoopbackOnly(ok)

	for addr, want := range map[string]int{
		"127.0.0.1:5000":   http.StatusOK,
		"[::1]:5000":       http.StatusOK,
		"192.168.1.20:443": http.StatusForbidden,
		"garbage":          http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("%s: status = %d, want %d", addr, w.Code, want)
		}
	}
}
