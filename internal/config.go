package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/snaparchive/internal/linker"
	"github.com/starford/snaparchive/internal/pipeline"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	Workspace WorkspaceConfig   `yaml:"workspace"`
	Detect    DetectConfig      `yaml:"detect"`
	Ingest    IngestConfig      `yaml:"ingest"`
	Link      LinkConfig        `yaml:"link"`
	Auth      AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{&c.App, &c.SQLite, &c.Workspace, &c.Detect, &c.Ingest, &c.Link} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return c.Auth.Validate()
}

// Pipeline returns the orchestrator settings derived from the configuration.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Workspace:         c.Workspace.Path,
		Workers:           c.Ingest.Workers,
		BatchSize:         c.Ingest.BatchSize,
		MaxExtractedBytes: c.Ingest.MaxExtractedBytes,
		MergeWindow:       c.Ingest.MergeWindow,
		MaxWarnings:       c.Ingest.MaxWarnings,
		Link: linker.Policy{
			ProximityWindow:     c.Link.ProximityWindow,
			SimilarityThreshold: c.Link.SimilarityThreshold,
		},
	}
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration. The server only ever binds a
// loopback address.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

var errNotLoopback = errors.New("must be a loopback address")

func loopbackHost(value any) error {
	host, _ := value.(string)
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return errNotLoopback
	}
	return nil
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Host, validation.Required, validation.By(loopbackHost)),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// WorkspaceConfig holds the directory archives are extracted into. The
// engine owns it: a reset empties it.
type WorkspaceConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the workspace configuration.
func (c *WorkspaceConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// DetectConfig controls automatic export discovery.
type DetectConfig struct {
	ScanPaths []string      `yaml:"scan_paths"`
	Watch     bool          `yaml:"watch"`
	Debounce  time.Duration `yaml:"debounce"`
}

// Validate validates the detection configuration.
func (c *DetectConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ScanPaths, validation.Each(validation.Required)),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
	)
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	Workers           int           `yaml:"workers"`
	BatchSize         int           `yaml:"batch_size"`
	MaxExtractedBytes int64         `yaml:"max_extracted_bytes"`
	MergeWindow       time.Duration `yaml:"merge_window"`
	MaxWarnings       int           `yaml:"max_warnings"`
}

// Validate validates the ingestion configuration.
func (c *IngestConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1), validation.Max(10000)),
		validation.Field(&c.MaxExtractedBytes, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.MergeWindow, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MaxWarnings, validation.Min(0)),
	)
}

// LinkConfig tunes media resolution.
type LinkConfig struct {
	ProximityWindow     time.Duration `yaml:"proximity_window"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
}

// Validate validates the linker configuration.
func (c *LinkConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ProximityWindow, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.SimilarityThreshold, validation.Required, validation.Min(0.01), validation.Max(1.0)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required; the API is loopback-only.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled".
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Host: "127.0.0.1",
				Port: 8765,
			},
		},
		SQLite: SQLiteConfig{
			Path: "./data/archive.db",
		},
		Workspace: WorkspaceConfig{
			Path: "./data/work",
		},
		Detect: DetectConfig{
			Debounce: 500 * time.Millisecond,
		},
		Ingest: IngestConfig{
			Workers:           4,
			BatchSize:         500,
			MaxExtractedBytes: 5 << 30,
			MergeWindow:       2 * time.Second,
			MaxWarnings:       1000,
		},
		Link: LinkConfig{
			ProximityWindow:     linker.DefaultPolicy.ProximityWindow,
			SimilarityThreshold: linker.DefaultPolicy.SimilarityThreshold,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
