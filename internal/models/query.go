package models

import "time"

// EventPage is one page of events in a conversation.
type EventPage struct {
	Events     []Event `json:"events"`
	Total      int     `json:"total"`
	NextCursor string  `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
}

// MediaItem is a gallery entry: one media-bearing event.
type MediaItem struct {
	EventID        string     `json:"event_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Path           string     `json:"path"`
	MediaType      string     `json:"media_type"`
	Kind           EventKind  `json:"kind"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	Source         string     `json:"source"` // "chat" or "memory"
}

// MediaPage is one page of the archive-wide media stream.
type MediaPage struct {
	Items      []MediaItem `json:"items"`
	Total      int         `json:"total"`
	NextCursor string      `json:"next_cursor,omitempty"`
	HasMore    bool        `json:"has_more"`
}

// SearchHit is one ranked full-text match.
type SearchHit struct {
	EventID          string     `json:"event_id"`
	ConversationID   string     `json:"conversation_id,omitempty"`
	ConversationName string     `json:"conversation_name,omitempty"`
	Sender           string     `json:"sender"`
	SenderName       string     `json:"sender_name,omitempty"`
	Snippet          string     `json:"snippet"`
	Kind             EventKind  `json:"kind"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
}

// ContactCount is a sender with the number of events attributed to them.
type ContactCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Stats aggregates the visible archive.
type Stats struct {
	TotalEvents        int            `json:"total_events"`
	TotalConversations int            `json:"total_conversations"`
	TotalMemories      int            `json:"total_memories"`
	MediaEvents        int            `json:"media_events"`
	MissingMediaEvents int            `json:"missing_media_events"`
	TopContacts        []ContactCount `json:"top_contacts"`
	FirstEventAt       *time.Time     `json:"first_event_at,omitempty"`
	LastEventAt        *time.Time     `json:"last_event_at,omitempty"`
}
