package api

import (
	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/pipeline"
)

// DetectRequest is the request body for export detection.
type DetectRequest struct {
	Path string `json:"path" example:"/home/me/Downloads" validate:"required"`
}

// ExportListResponse wraps detected or registered exports.
type ExportListResponse struct {
	Exports []models.ExportSet `json:"exports" validate:"required"`
}

// JobSnapshot is a point-in-time job view (aliased from the pipeline layer).
type JobSnapshot = pipeline.Snapshot

// JobListResponse wraps the jobs of this process.
type JobListResponse struct {
	Jobs []JobSnapshot `json:"jobs" validate:"required"`
}

// ConversationListResponse wraps conversation listings.
type ConversationListResponse struct {
	Conversations []models.Conversation `json:"conversations" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []models.SearchHit `json:"results" validate:"required"`
}

// PeopleResponse wraps the participant directory.
type PeopleResponse struct {
	People []models.Person `json:"people" validate:"required"`
}

// DatesResponse lists the days a conversation has activity on.
type DatesResponse struct {
	Dates []string `json:"dates" example:"2024-01-01,2024-01-02" validate:"required"`
}

// EventIndexResponse is the position of the first event on or after a date.
type EventIndexResponse struct {
	Date  string `json:"date" example:"2024-01-02" validate:"required"`
	Index int    `json:"index" example:"42" validate:"required"`
}
