// Package testutil provides shared test helpers for setting up databases and
// synthetic export trees.
package testutil

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/snaparchive/internal/index"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t testing.TB) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "snaparchive-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() {
		os.Remove(dbFile.Name())
		os.Remove(dbFile.Name() + "-wal")
		os.Remove(dbFile.Name() + "-shm")
	})

	db, err := index.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Logger returns a logger that only prints errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ChatEntry is one message rendered into a synthetic chat page.
type ChatEntry struct {
	Sender    string
	Kind      string // TEXT, MEDIA, SNAP, ...
	Text      string
	Timestamp string
	Media     []string // rendered as <img src="../../chat_media/NAME">
}

// ChatPageHTML renders entries the way exported chat pages lay them out.
func ChatPageHTML(title string, entries []ChatEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<!DOCTYPE html><html><head><title>%s</title></head><body>\n", title)
	b.WriteString(`<div class="leftpanel"><a href="../../index.html">Home</a></div>` + "\n")
	b.WriteString(`<div class="rightpanel">` + "\n")
	for _, e := range entries {
		b.WriteString("<div>")
		fmt.Fprintf(&b, "<h4>%s</h4>", e.Sender)
		if e.Kind != "" {
			fmt.Fprintf(&b, "<span>%s</span>", e.Kind)
		}
		if e.Text != "" {
			fmt.Fprintf(&b, "<p>%s</p>", e.Text)
		}
		for _, m := range e.Media {
			fmt.Fprintf(&b, `<img src="../../chat_media/%s">`, m)
		}
		fmt.Fprintf(&b, "<h6>%s</h6>", e.Timestamp)
		b.WriteString("</div>\n")
	}
	b.WriteString("</div></body></html>\n")
	return b.String()
}

// TableHTML renders a titled table with a header row.
func TableHTML(title string, header []string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>%s</title></head><body><div class=\"rightpanel\"><h3>%s</h3><table>", title, title)
	b.WriteString("<tr>")
	for _, h := range header {
		fmt.Fprintf(&b, "<th>%s</th>", h)
	}
	b.WriteString("</tr>")
	for _, r := range rows {
		b.WriteString("<tr>")
		for _, c := range r {
			fmt.Fprintf(&b, "<td>%s</td>", c)
		}
		b.WriteString("</tr>")
	}
	b.WriteString("</table></div></body></html>")
	return b.String()
}

// Export builds a synthetic export tree on disk.
type Export struct {
	t    testing.TB
	Root string
}

// NewExport creates an empty export tree at dir.
func NewExport(t testing.TB, dir string) *Export {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return &Export{t: t, Root: dir}
}

// File writes content at rel.
func (e *Export) File(rel string, content []byte) *Export {
	e.t.Helper()
	p := filepath.Join(e.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		e.t.Fatal(err)
	}
	if err := os.WriteFile(p, content, 0o644); err != nil {
		e.t.Fatal(err)
	}
	return e
}

// Landing writes index.html and creates the html/ pages directory.
func (e *Export) Landing() *Export {
	e.t.Helper()
	e.File("index.html", []byte("<html><head><title>My Data</title></head><body>export</body></html>"))
	if err := os.MkdirAll(filepath.Join(e.Root, "html"), 0o755); err != nil {
		e.t.Fatal(err)
	}
	return e
}

// ChatPage writes html/chat_history/subpage_<hint>[_page<N>].html.
func (e *Export) ChatPage(hint string, page int, entries ...ChatEntry) *Export {
	e.t.Helper()
	name := "subpage_" + hint
	if page > 1 {
		name += fmt.Sprintf("_page%d", page)
	}
	return e.File("html/chat_history/"+name+".html", []byte(ChatPageHTML("Chat History with "+hint, entries)))
}

// Media writes a small file under chat_media/.
func (e *Export) Media(name string) *Export {
	e.t.Helper()
	return e.File("chat_media/"+name, []byte("media:"+name))
}

// MediaDir creates an empty chat_media/ directory.
func (e *Export) MediaDir() *Export {
	e.t.Helper()
	if err := os.MkdirAll(filepath.Join(e.Root, "chat_media"), 0o755); err != nil {
		e.t.Fatal(err)
	}
	return e
}

// JSON writes v under json/name.
func (e *Export) JSON(name string, v any) *Export {
	e.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		e.t.Fatal(err)
	}
	return e.File("json/"+name, data)
}

// ZipEntry is one raw entry for WriteZip.
type ZipEntry struct {
	Name string
	Body []byte
	Mode fs.FileMode // zero means a regular 0644 file
}

// WriteZip writes entries verbatim into a zip at dst. Names are not
// sanitised, so hostile archives can be built.
func WriteZip(t testing.TB, dst string, entries []ZipEntry) {
	t.Helper()
	f, err := os.Create(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.Name, Method: zip.Deflate}
		mode := e.Mode
		if mode == 0 {
			mode = 0o644
		}
		hdr.SetMode(mode)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(e.Body); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

// ZipDir zips every file under src into dst, placing entries under prefix
// (which may be empty).
func ZipDir(t testing.TB, src, dst, prefix string) {
	t.Helper()
	var entries []ZipEntry
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(src, p)
		body, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if prefix != "" {
			name = strings.TrimSuffix(prefix, "/") + "/" + name
		}
		entries = append(entries, ZipEntry{Name: name, Body: body})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	WriteZip(t, dst, entries)
}
