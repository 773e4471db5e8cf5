package internal

import (
	"strings"
	"testing"
	"time"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if got := cfg.App.HTTP.Address(); got != "127.0.0.1:8765" {
		t.Errorf("address = %q", got)
	}
}

func TestHTTPConfig_LoopbackOnly(t *testing.T) {
	for host, ok := range map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"localhost": true,
		"0.0.0.0":   false,
		"10.0.0.5":  false,
		"":          false,
	} {
		cfg := HTTPConfig{Host: host, Port: 8765}
		err := cfg.Validate()
		if ok && err != nil {
			t.Errorf("host %q should pass: %v", host, err)
		}
		if !ok && err == nil {
			t.Errorf("host %q should fail", host)
		}
	}
	if got := (&HTTPConfig{Host: "::1", Port: 80}).Address(); got != "[::1]:80" {
		t.Errorf("ipv6 address = %q", got)
	}
}

func TestIngestConfig_Bounds(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Ingest.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero workers should fail")
	}

	cfg = NewDefaultConfig()
	cfg.Link.SimilarityThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("similarity threshold above 1 should fail")
	}

	cfg = NewDefaultConfig()
	cfg.Detect.ScanPaths = []string{"/tmp/downloads", ""}
	if err := cfg.Validate(); err == nil {
		t.Error("blank scan path should fail")
	}
}

func TestConfig_Pipeline(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Workspace.Path = "/var/lib/archive/work"
	cfg.Link.ProximityWindow = 5 * time.Minute

	p := cfg.Pipeline()
	if p.Workspace != "/var/lib/archive/work" || p.Workers != 4 || p.BatchSize != 500 {
		t.Errorf("pipeline config = %+v", p)
	}
	if p.Link.ProximityWindow != 5*time.Minute || p.MaxExtractedBytes != 5<<30 {
		t.Errorf("link/limit config = %+v", p)
	}
}
