package models

import "time"

// Source names the kind of document an observation came from.
type Source string

const (
	SourceHTML Source = "html"
	SourceJSON Source = "json"
)

// RefKind tells how a media reference identifies its file.
type RefKind string

const (
	RefFilename RefKind = "filename" // a filename-like token from a page
	RefMediaID  RefKind = "media_id" // an identifier from a JSON sidecar
	RefByTime   RefKind = "by_time"  // no token; matched by date and proximity
)

// ResolutionStatus is the outcome of linking one reference.
type ResolutionStatus string

const (
	ResolutionResolved  ResolutionStatus = "resolved"
	ResolutionMissing   ResolutionStatus = "missing"
	ResolutionAmbiguous ResolutionStatus = "ambiguous"
)

// Resolution records which asset a reference was linked to, if any.
type Resolution struct {
	Status     ResolutionStatus `json:"status"`
	Asset      *MediaAsset      `json:"asset,omitempty"`
	Strategy   string           `json:"strategy,omitempty"`
	Candidates int              `json:"candidates,omitempty"`
}

// MediaRef is one media reference carried by an observation.
type MediaRef struct {
	Kind       RefKind     `json:"kind"`
	Token      string      `json:"token,omitempty"`
	MediaType  string      `json:"media_type,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Observation is an unvalidated fact extracted from one document. It is
// never persisted as a domain entity; the reconstruction engine consumes it.
type Observation struct {
	Source           Source     `json:"source"`
	Document         string     `json:"document"`
	Index            int        `json:"index"`
	ConversationHint string     `json:"conversation_hint,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	RawTimestamp     string     `json:"raw_timestamp,omitempty"`
	Sender           string     `json:"sender,omitempty"`
	RawKind          string     `json:"raw_kind,omitempty"`
	Text             string     `json:"text,omitempty"`
	Refs             []MediaRef `json:"refs,omitempty"`

	IsSender          *bool     `json:"is_sender,omitempty"`
	ConversationTitle string    `json:"conversation_title,omitempty"`
	MediaType         string    `json:"media_type,omitempty"`
	Geo               *GeoPoint `json:"geo,omitempty"`
	Memory            bool      `json:"memory,omitempty"`
}

// HasTimestamp reports whether the timestamp parsed.
func (o *Observation) HasTimestamp() bool { return !o.Timestamp.IsZero() }
