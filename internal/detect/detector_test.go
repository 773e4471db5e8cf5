package detect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/testutil"
)

func TestBaseName(t *testing.T) {
	cases := map[string]string{
		"mydata~1700000000.zip":        "mydata~1700000000",
		"mydata~1700000000-2.zip":      "mydata~1700000000",
		"mydata~1700000000_3.zip":      "mydata~1700000000",
		"mydata~1700000000 (1).zip":    "mydata~1700000000",
		"MyData~1700000000-part2.ZIP":  "mydata~1700000000",
		"snapchat_export_part10":       "snapchat_export",
		"snapchat_export.part3.zip":    "snapchat_export",
		"snapchat_2024":                "snapchat_2024",
		"Snapchat":                     "snapchat",
	}
	for in, want := range cases {
		if got := BaseName(in); got != want {
			t.Errorf("BaseName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		m         markerSet
		corrupted bool
		want      models.ValidationStatus
	}{
		{markerSet{index: true, pages: true, media: true}, false, models.StatusValid},
		{markerSet{index: true, pages: true}, false, models.StatusIncomplete},
		{markerSet{index: true, json: true}, false, models.StatusIncomplete},
		{markerSet{index: true}, false, models.StatusUnknown},
		{markerSet{pages: true, media: true}, false, models.StatusUnknown},
		{markerSet{index: true, pages: true, media: true}, true, models.StatusCorrupted},
	}
	for i, c := range cases {
		if got := classify(c.m, c.corrupted); got != c.want {
			t.Errorf("case %d: got %s, want %s", i, got, c.want)
		}
	}
}

func TestCommonPrefix(t *testing.T) {
	if got := CommonPrefix([]string{"top/index.html", "top/html/a.html"}); got != "top/" {
		t.Errorf("got %q", got)
	}
	if got := CommonPrefix([]string{"index.html", "html/a.html"}); got != "" {
		t.Errorf("got %q", got)
	}
	if got := CommonPrefix([]string{"a/x", "b/y"}); got != "" {
		t.Errorf("got %q", got)
	}
	// A split part holding only media keeps its media dir.
	if got := CommonPrefix([]string{"chat_media/a.jpg", "chat_media/b.jpg"}); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestDetectDirectoryItself(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "anything")
	testutil.NewExport(t, dir).Landing().MediaDir()

	sets, err := New(testutil.Logger()).Detect(context.Background(), dir)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("len = %d, want 1", len(sets))
	}
	s := sets[0]
	if s.Status != models.StatusValid || s.SourceKind != models.SourceDirectory {
		t.Errorf("got %+v", s)
	}
	if s.ID != "anything" {
		t.Errorf("id = %q", s.ID)
	}
}

func TestDetectWrappedDirectory(t *testing.T) {
	dir := t.TempDir()
	testutil.NewExport(t, filepath.Join(dir, "inner")).Landing()

	sets, err := New(testutil.Logger()).Detect(context.Background(), dir)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(sets) != 1 || sets[0].Status != models.StatusIncomplete {
		t.Fatalf("got %+v", sets)
	}
}

func TestDetectParentWithOneNamedExport(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "Downloads")
	first := filepath.Join(parent, "mydata~1700000000")
	testutil.NewExport(t, first).Landing().MediaDir()

	d := New(testutil.Logger())
	sets, err := d.Detect(context.Background(), parent)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(sets) != 1 || sets[0].ID != "mydata~1700000000" {
		t.Fatalf("got %+v, want the child as the export", sets)
	}
	if !reflect.DeepEqual(sets[0].SourcePaths, []string{first}) {
		t.Errorf("paths = %v", sets[0].SourcePaths)
	}

	// A second export next to it leaves the first id alone.
	testutil.NewExport(t, filepath.Join(parent, "mydata~1800000000")).Landing().MediaDir()
	sets, err = d.Detect(context.Background(), parent)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(sets) != 2 || sets[0].ID != "mydata~1700000000" || sets[1].ID != "mydata~1800000000" {
		t.Errorf("got %+v", sets)
	}
}

func TestDistinctID(t *testing.T) {
	a := models.ExportSet{ID: "mydata~1", SourcePaths: []string{"/a/mydata~1.zip", "/a/mydata~1-2.zip"}}
	b := models.ExportSet{ID: "mydata~1", SourcePaths: []string{"/a/mydata~1-2.zip", "/a/mydata~1.zip"}}
	c := models.ExportSet{ID: "mydata~1", SourcePaths: []string{"/b/mydata~1.zip"}}

	if DistinctID(a) != DistinctID(b) {
		t.Error("path order changed the id")
	}
	if DistinctID(a) == DistinctID(c) {
		t.Error("different paths share an id")
	}
	if got := DistinctID(c); len(got) != len("mydata~1-")+8 || got[:len("mydata~1-")] != "mydata~1-" {
		t.Errorf("id = %q", got)
	}
}

func TestDetectAllKeepsSameNamedExportsApart(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	testutil.NewExport(t, filepath.Join(rootA, "mydata~5")).Landing().MediaDir()
	testutil.NewExport(t, filepath.Join(rootB, "mydata~5")).Landing()

	sets := New(testutil.Logger()).DetectAll(context.Background(), []string{rootA, rootB, rootA})
	if len(sets) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(sets), sets)
	}
	if sets[0].ID != "mydata~5" || sets[1].ID == "mydata~5" {
		t.Errorf("ids = %s, %s", sets[0].ID, sets[1].ID)
	}
}

func TestDetectParentGroupsMultiPartZips(t *testing.T) {
	parent := t.TempDir()
	src1 := filepath.Join(t.TempDir(), "p1")
	testutil.NewExport(t, src1).Landing().ChatPage("alice", 1, testutil.ChatEntry{Sender: "alice", Kind: "TEXT", Text: "hi", Timestamp: "2024-01-01 10:00:00 UTC"})
	src2 := filepath.Join(t.TempDir(), "p2")
	testutil.NewExport(t, src2).Media("2024-01-01_abc.jpg")

	testutil.ZipDir(t, src1, filepath.Join(parent, "mydata~1700000000.zip"), "mydata~1700000000")
	testutil.ZipDir(t, src2, filepath.Join(parent, "mydata~1700000000-2.zip"), "")
	// Not a candidate by name.
	testutil.ZipDir(t, src1, filepath.Join(parent, "holiday.zip"), "")

	sets, err := New(testutil.Logger()).Detect(context.Background(), parent)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("len = %d, want 1: %+v", len(sets), sets)
	}
	s := sets[0]
	if s.ID != "mydata~1700000000" || len(s.SourcePaths) != 2 {
		t.Errorf("got %+v", s)
	}
	if s.Status != models.StatusValid {
		t.Errorf("status = %s, want Valid (markers %v)", s.Status, s.Markers)
	}
	if s.SourceKind != models.SourceArchive {
		t.Errorf("kind = %s", s.SourceKind)
	}
}

func TestDetectCorruptedZip(t *testing.T) {
	parent := t.TempDir()
	if err := os.WriteFile(filepath.Join(parent, "mydata~1.zip"), []byte("not a zip at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	sets, err := New(testutil.Logger()).Detect(context.Background(), parent)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(sets) != 1 || sets[0].Status != models.StatusCorrupted {
		t.Fatalf("got %+v", sets)
	}
}

func TestDetectIsIdempotent(t *testing.T) {
	parent := t.TempDir()
	testutil.NewExport(t, filepath.Join(parent, "mydata~42")).Landing().MediaDir()
	src := filepath.Join(t.TempDir(), "z")
	testutil.NewExport(t, src).Landing()
	testutil.ZipDir(t, src, filepath.Join(parent, "snapchat-backup.zip"), "")

	d := New(testutil.Logger())
	first, err := d.Detect(context.Background(), parent)
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Detect(context.Background(), parent)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("detection not idempotent:\n%+v\n%+v", first, second)
	}
	if len(first) != 2 {
		t.Errorf("len = %d, want 2", len(first))
	}
}

func TestDetectMissingPath(t *testing.T) {
	_, err := New(testutil.Logger()).Detect(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, apperr.ErrDetection) {
		t.Errorf("err = %v, want ErrDetection", err)
	}
}

func TestDetectEmptyDirectoryHasNoCandidates(t *testing.T) {
	sets, err := New(testutil.Logger()).Detect(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 0 {
		t.Errorf("got %+v", sets)
	}
}

func TestRevalidateMissingPart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "mydata~9")
	testutil.NewExport(t, dir).Landing()
	d := New(testutil.Logger())
	sets, err := d.Detect(context.Background(), dir)
	if err != nil || len(sets) != 1 {
		t.Fatalf("Detect: %v %+v", err, sets)
	}
	if _, err := d.Revalidate(sets[0]); err != nil {
		t.Fatalf("Revalidate: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Revalidate(sets[0]); !errors.Is(err, apperr.ErrDetection) {
		t.Errorf("err = %v, want ErrDetection", err)
	}
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}
