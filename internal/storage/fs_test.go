package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/snaparchive/internal/apperr"
)

func tempRoot(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndOpen(t *testing.T) {
	s := tempRoot(t)
	content := []byte("<html><body>hi</body></html>")
	if err := s.Write("html/a.html", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rc, err := s.Open("html/a.html")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
	if !s.Exists("html/a.html") || s.Exists("html/b.html") {
		t.Error("Exists reported wrong state")
	}
}

func TestCreateFirstWriterWins(t *testing.T) {
	s := tempRoot(t)
	f, err := s.Create("chat_media/2024-01-01_abc.jpg")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, _ = f.Write([]byte("first"))
	_ = f.Close()

	_, err = s.Create("chat_media/2024-01-01_abc.jpg")
	if !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Fatalf("second Create err = %v, want ErrAlreadyExists", err)
	}
	got, _ := s.Read("chat_media/2024-01-01_abc.jpg")
	if string(got) != "first" {
		t.Errorf("content = %q", got)
	}
}

func TestListFiltersByExtension(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("html/a.html", []byte("a"))
	_ = s.Write("html/sub/b.HTML", []byte("b"))
	_ = s.Write("json/c.json", []byte("{}"))

	items, err := s.List("html", ".html")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("len = %d, want 2", len(items))
	}
	for _, it := range items {
		if filepath.IsAbs(it.Path) {
			t.Errorf("path %q should be relative", it.Path)
		}
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len = %d, want 3", len(all))
	}
}

func TestListMissingDirIsEmpty(t *testing.T) {
	s := tempRoot(t)
	items, err := s.List("chat_media")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("len = %d, want 0", len(items))
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempRoot(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.html",
		"/etc/shadow",
		"a/../../b",
		`..\..\windows`,
		"C:/evil",
	}
	for _, p := range cases {
		if _, err := s.Resolve(p); !errors.Is(err, apperr.ErrTraversal) {
			t.Errorf("Resolve(%q) err = %v, want ErrTraversal", p, err)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
		if _, err := s.Create(p); err == nil {
			t.Errorf("expected error for create of %q", p)
		}
	}
}

func TestAtomicWriteNoLeftovers(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("export.txt", []byte("original content"))

	updated := []byte("updated content")
	if err := s.Write("export.txt", updated); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("export.txt")
	if string(got) != string(updated) {
		t.Errorf("expected updated content, got %q", got)
	}

	matches, _ := filepath.Glob(filepath.Join(s.root, tmpPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestRemoveAllRefusesRoot(t *testing.T) {
	s := tempRoot(t)
	_ = s.Write("x/y.txt", []byte("y"))
	if err := s.RemoveAll(""); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("RemoveAll(root) err = %v", err)
	}
	if err := s.RemoveAll("x"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if s.Exists("x") {
		t.Error("x should be gone")
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS("/tmp/snaparchive-does-not-exist-" + t.Name())
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "snaparchive-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}
