package archive

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/index"
	"github.com/starford/snaparchive/internal/models"
)

// Format is a conversation export format.
type Format string

const (
	FormatTXT  Format = "txt"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a format name. Empty selects txt.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatTXT, nil
	case FormatTXT, FormatJSON, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("archive: unknown export format %q: %w", s, apperr.ErrInvalidInput)
}

// ContentType is the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	}
	return "text/plain; charset=utf-8"
}

const exportTimeLayout = "2006-01-02 15:04:05"

// ExportConversation streams a conversation to w in the given format, one
// page of events at a time.
func (s *Service) ExportConversation(ctx context.Context, convID string, format Format, w io.Writer) error {
	conv, err := s.db.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	var enc exporter
	switch format {
	case FormatTXT, "":
		enc = &txtExporter{w: w}
	case FormatJSON:
		enc = &jsonExporter{w: w}
	case FormatCSV:
		enc = &csvExporter{w: csv.NewWriter(w)}
	default:
		return fmt.Errorf("archive: unknown export format %q: %w", format, apperr.ErrInvalidInput)
	}

	if err := enc.begin(conv); err != nil {
		return err
	}
	cursor := ""
	for {
		page, err := s.db.EventsPage(ctx, convID, cursor, index.MaxPageSize)
		if err != nil {
			return err
		}
		for i := range page.Events {
			if err := enc.event(&page.Events[i]); err != nil {
				return err
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	return enc.end()
}

type exporter interface {
	begin(conv *models.Conversation) error
	event(ev *models.Event) error
	end() error
}

func eventTime(ev *models.Event) string {
	if ev.Timestamp == nil {
		return ""
	}
	return ev.Timestamp.UTC().Format(exportTimeLayout)
}

// eventBody is the readable content of an event: its text, else a note of
// the media it carries.
func eventBody(ev *models.Event) string {
	if ev.Text != "" {
		return ev.Text
	}
	var parts []string
	for _, m := range ev.Media {
		parts = append(parts, m.Name)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("[%s: %s]", ev.Kind, strings.Join(parts, ", "))
	}
	if len(ev.Metadata.UnresolvedMedia) > 0 {
		return fmt.Sprintf("[%s missing: %s]", ev.Kind, strings.Join(ev.Metadata.UnresolvedMedia, ", "))
	}
	return fmt.Sprintf("[%s]", ev.Kind)
}

func senderLabel(ev *models.Event) string {
	if ev.SenderName != "" {
		return ev.SenderName
	}
	return ev.Sender
}

type txtExporter struct {
	w io.Writer
}

func (e *txtExporter) begin(conv *models.Conversation) error {
	_, err := fmt.Fprintf(e.w, "Conversation: %s\nParticipants: %s\n\n", conv.DisplayName, strings.Join(conv.Participants, ", "))
	return err
}

func (e *txtExporter) event(ev *models.Event) error {
	ts := eventTime(ev)
	if ts == "" {
		ts = "unknown time"
	}
	_, err := fmt.Fprintf(e.w, "[%s] %s: %s\n", ts, senderLabel(ev), eventBody(ev))
	return err
}

func (e *txtExporter) end() error { return nil }

// jsonExporter writes {"conversation": ..., "events": [...]} without holding
// the event list in memory.
type jsonExporter struct {
	w     io.Writer
	count int
}

func (e *jsonExporter) begin(conv *models.Conversation) error {
	head, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.w, `{"conversation":%s,"events":[`, head)
	return err
}

func (e *jsonExporter) event(ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if e.count > 0 {
		if _, err := io.WriteString(e.w, ","); err != nil {
			return err
		}
	}
	e.count++
	_, err = e.w.Write(data)
	return err
}

func (e *jsonExporter) end() error {
	_, err := io.WriteString(e.w, "]}\n")
	return err
}

type csvExporter struct {
	w *csv.Writer
}

func (e *csvExporter) begin(*models.Conversation) error {
	return e.w.Write([]string{"timestamp", "sender", "sender_name", "kind", "text", "media", "missing_media"})
}

func (e *csvExporter) event(ev *models.Event) error {
	media := make([]string, len(ev.Media))
	for i, m := range ev.Media {
		media[i] = m.Path
	}
	return e.w.Write([]string{
		eventTime(ev), ev.Sender, ev.SenderName, string(ev.Kind), ev.Text,
		strings.Join(media, ";"), strings.Join(ev.Metadata.UnresolvedMedia, ";"),
	})
}

func (e *csvExporter) end() error {
	e.w.Flush()
	return e.w.Error()
}
