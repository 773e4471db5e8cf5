// Package models defines the domain types of the archive engine.
package models

import "time"

// SourceKind tells how an export was delivered.
type SourceKind string

const (
	SourceArchive   SourceKind = "archive"
	SourceDirectory SourceKind = "directory"
)

// ValidationStatus is the structural classification of a detected export.
type ValidationStatus string

const (
	StatusValid      ValidationStatus = "Valid"
	StatusIncomplete ValidationStatus = "Incomplete"
	StatusCorrupted  ValidationStatus = "Corrupted"
	StatusUnknown    ValidationStatus = "Unknown"
)

// Structural markers looked for during detection.
const (
	MarkerLanding = "index.html"
	MarkerPages   = "html/"
	MarkerJSON    = "json/"
	MarkerMedia   = "media/"
)

// ExportSet is one logical export, possibly split over several parts.
type ExportSet struct {
	ID          string           `json:"id"`
	SourcePaths []string         `json:"source_paths"`
	SourceKind  SourceKind       `json:"source_kind"`
	CreatedAt   *time.Time       `json:"created_at,omitempty"`
	Status      ValidationStatus `json:"validation_status"`
	Markers     []string         `json:"markers"`
	Fingerprint string           `json:"fingerprint"`
	// IngestedAt is set once a run for this export has been published.
	IngestedAt *time.Time `json:"ingested_at,omitempty"`
}
