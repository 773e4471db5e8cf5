package models

import (
	"strings"
	"time"
)

// EventKind is the tag of the Event sum type.
type EventKind string

const (
	KindText      EventKind = "text"
	KindMedia     EventKind = "media"
	KindSnap      EventKind = "snap"
	KindSnapVideo EventKind = "snap_video"
	KindNote      EventKind = "note"
	KindSticker   EventKind = "sticker"
	KindShare     EventKind = "share"
	KindCall      EventKind = "call"
	KindStatus    EventKind = "status"
	KindMemory    EventKind = "memory"
	KindUnknown   EventKind = "unknown"
)

// KindFromLabel maps an export's type label (TEXT, MEDIA, MISSED_VIDEO_CHAT,
// STATUSPARTICIPANTADDED, ...) to a kind. ok is false for unrecognised labels.
func KindFromLabel(label string) (EventKind, bool) {
	l := strings.ToUpper(strings.TrimSpace(label))
	switch l {
	case "TEXT":
		return KindText, true
	case "MEDIA", "IMAGE", "VIDEO":
		return KindMedia, true
	case "SNAP":
		return KindSnap, true
	case "SNAP_VIDEO":
		return KindSnapVideo, true
	case "NOTE":
		return KindNote, true
	case "STICKER":
		return KindSticker, true
	case "SHARE":
		return KindShare, true
	case "MEMORY":
		return KindMemory, true
	}
	switch {
	case strings.HasPrefix(l, "MISSED_") && strings.HasSuffix(l, "_CHAT"):
		return KindCall, true
	case strings.HasPrefix(l, "STATUS"):
		return KindStatus, true
	}
	return KindUnknown, false
}

// CarriesMedia reports whether events of this kind are expected to reference
// media files.
func (k EventKind) CarriesMedia() bool {
	switch k {
	case KindMedia, KindSnap, KindSnapVideo, KindNote, KindSticker, KindMemory:
		return true
	}
	return false
}

// Family groups kinds that exports label inconsistently across HTML and JSON.
func (k EventKind) Family() EventKind {
	switch k {
	case KindSnapVideo:
		return KindSnap
	case KindNote, KindSticker:
		return KindMedia
	}
	return k
}

// Person is a participant identifier with an optional display name.
type Person struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// Conversation is a reconstructed thread.
type Conversation struct {
	ID           string     `json:"id"`
	ExportID     string     `json:"export_id"`
	Key          string     `json:"key"`
	DisplayName  string     `json:"display_name,omitempty"`
	Participants []string   `json:"participants"`
	MessageCount int        `json:"message_count"`
	LastEventAt  *time.Time `json:"last_event_at,omitempty"`
	HasMedia     bool       `json:"has_media"`
}

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// EventMetadata carries the optional structured parts of an Event.
type EventMetadata struct {
	RawKind           string    `json:"raw_kind,omitempty"`
	RawTimestamp      string    `json:"raw_timestamp,omitempty"`
	MediaIDs          []string  `json:"media_ids,omitempty"`
	IsSender          *bool     `json:"is_sender,omitempty"`
	ConversationTitle string    `json:"conversation_title,omitempty"`
	MediaType         string    `json:"media_type,omitempty"`
	Geo               *GeoPoint `json:"geo,omitempty"`
	Sources           []Source  `json:"sources,omitempty"`
	UnresolvedMedia   []string  `json:"unresolved_media,omitempty"`
}

// MediaAsset is a file on disk. It has no meaning until an Event references it.
type MediaAsset struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	ContentID string    `json:"content_id,omitempty"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
}

// MediaType classifies the asset from its extension.
func (a MediaAsset) MediaType() string {
	return MediaTypeOf(a.Name)
}

// MediaTypeOf classifies a file name as "Video", "Audio" or "Image".
func MediaTypeOf(name string) string {
	switch strings.ToLower(name[strings.LastIndex(name, ".")+1:]) {
	case "mp4", "mov", "m4v", "webm", "avi":
		return "Video"
	case "mp3", "m4a", "aac", "ogg":
		return "Audio"
	}
	return "Image"
}

// Event is the atomic reconstructed fact.
type Event struct {
	ID             string        `json:"id"`
	ExportID       string        `json:"export_id"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Timestamp      *time.Time    `json:"timestamp,omitempty"`
	Kind           EventKind     `json:"kind"`
	Sender         string        `json:"sender"`
	SenderName     string        `json:"sender_name,omitempty"`
	Text           string        `json:"text,omitempty"`
	Media          []MediaAsset  `json:"media"`
	Metadata       EventMetadata `json:"metadata"`
	Ordinal        int           `json:"ordinal"`
}
