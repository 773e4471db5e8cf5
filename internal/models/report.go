package models

import "time"

// ValidationReport records what could and could not be reconstructed in one
// ingestion run. It is append-only during the run and frozen at completion.
type ValidationReport struct {
	ExportID string `json:"export_id"`
	RunID    string `json:"run_id"`

	DocumentsExpected int `json:"documents_expected"`
	DocumentsParsed   int `json:"documents_parsed"`
	DocumentsSkipped  int `json:"documents_skipped"`
	ParseFailures     int `json:"parse_failures"`
	SidecarsFound     int `json:"sidecars_found"`
	SidecarsParsed    int `json:"sidecars_parsed"`

	MediaFiles      int `json:"media_files"`
	MediaReferenced int `json:"media_referenced"`
	MediaResolved   int `json:"media_resolved"`
	MediaMissing    int `json:"media_missing"`
	MediaAmbiguous  int `json:"media_ambiguous"`

	NullTimestamps      int `json:"null_timestamps"`
	Conflicts           int `json:"conflicts"`
	DuplicatesCollapsed int `json:"duplicates_collapsed"`
	Supplemented        int `json:"supplemented"`
	JSONOnlyEvents      int `json:"json_only_events"`
	InvalidObservations int `json:"invalid_observations"`

	MissingFiles []string `json:"missing_files"`
	Warnings     []string `json:"warnings"`
}

// Outcome is the terminal result of a job.
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeSuccessWithWarnings Outcome = "success_with_warnings"
	OutcomeFailure             Outcome = "failure"
	OutcomeCancelled           Outcome = "cancelled"
)

// IngestionResult is the persisted summary of one job.
type IngestionResult struct {
	JobID               string    `json:"job_id"`
	RunID               string    `json:"run_id"`
	ExportID            string    `json:"export_id"`
	Outcome             Outcome   `json:"outcome"`
	FailedStage         string    `json:"failed_stage,omitempty"`
	ConversationsParsed int       `json:"conversations_parsed"`
	EventsParsed        int       `json:"events_parsed"`
	MemoriesParsed      int       `json:"memories_parsed"`
	ParseFailures       int       `json:"parse_failures"`
	MissingMediaCount   int       `json:"missing_media_count"`
	Warnings            []string  `json:"warnings"`
	Errors              []string  `json:"errors"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
}

// JobState is a state of the ingestion state machine.
type JobState string

const (
	StateIdle           JobState = "Idle"
	StateDetecting      JobState = "Detecting"
	StateExtracting     JobState = "Extracting"
	StateParsing        JobState = "Parsing"
	StateLinking        JobState = "Linking"
	StateReconstructing JobState = "Reconstructing"
	StateIndexing       JobState = "Indexing"
	StateComplete       JobState = "Complete"
	StateFailed         JobState = "Failed"
	StateCancelled      JobState = "Cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// Progress is one progress notification.
type Progress struct {
	JobID    string   `json:"job_id"`
	ExportID string   `json:"export_id"`
	Stage    JobState `json:"stage"`
	Fraction float64  `json:"fraction"`
	Message  string   `json:"message"`
}
