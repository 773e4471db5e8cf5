package internal

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := NewDefaultConfig()
	cfg.SQLite.Path = filepath.Join(dir, "db", "archive.db")
	cfg.Workspace.Path = filepath.Join(dir, "work")
	cfg.Detect.ScanPaths = []string{filepath.Join(dir, "nothing-here")}

	e, err := Open(context.Background(), WithConfig(cfg), WithLogOutput(io.Discard), WithVersion("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestOpenRequiresConfig(t *testing.T) {
	if _, err := Open(context.Background()); err == nil {
		t.Fatal("Open without config should fail")
	}
}

func TestEngineHandler(t *testing.T) {
	e := testEngine(t)
	// An unavailable scan root is logged, not fatal.
	e.ScanConfiguredRoots(context.Background())
	h := e.Handler()

	cases := []struct {
		path   string
		remote string
		want   int
	}{
		{"/health/live", "127.0.0.1:40000", http.StatusOK},
		{"/health/ready", "127.0.0.1:40000", http.StatusOK},
		{"/api/exports", "127.0.0.1:40000", http.StatusOK},
		{"/api/stats", "[::1]:40000", http.StatusOK},
		{"/api/exports", "203.0.113.9:40000", http.StatusForbidden},
		{"/api/jobs/nope", "127.0.0.1:40000", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		req.RemoteAddr = tc.remote
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Errorf("%s from %s: status = %d, want %d", tc.path, tc.remote, w.Code, tc.want)
		}
	}
}

func TestEngineTokenAuth(t *testing.T) {
	e := testEngine(t)
	e.Config.Auth = AuthConfig{Mode: AuthModeToken, Token: "s3cret"}
	h := e.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/exports", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}

	// Health probes stay open.
	req = httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", w.Code)
	}
}
