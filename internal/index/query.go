package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/models"
)

const eventCols = `id, export_id, conversation_id, ts, ordinal, kind, sender, sender_name, text, media, metadata, sort_ts`

func scanEvent(s scanner) (*models.Event, int64, error) {
	var ev models.Event
	var ts sql.NullInt64
	var kind, media, meta string
	var sortTS int64
	if err := s.Scan(&ev.ID, &ev.ExportID, &ev.ConversationID, &ts, &ev.Ordinal, &kind, &ev.Sender, &ev.SenderName, &ev.Text, &media, &meta, &sortTS); err != nil {
		return nil, 0, err
	}
	ev.Kind = models.EventKind(kind)
	ev.Timestamp = fromNanos(ts)
	if err := json.Unmarshal([]byte(media), &ev.Media); err != nil {
		return nil, 0, fmt.Errorf("index: decode media: %w", err)
	}
	if ev.Media == nil {
		ev.Media = []models.MediaAsset{}
	}
	if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
		return nil, 0, fmt.Errorf("index: decode metadata: %w", err)
	}
	return &ev, sortTS, nil
}

// GetEvent returns one visible event.
func (db *DB) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+eventCols+` FROM visible_events WHERE id = ?`, id)
	ev, _, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: event %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get event: %w", err)
	}
	return ev, nil
}

const convCols = `id, export_id, key, display_name, participants, message_count, last_event_at, has_media`

func scanConversation(s scanner) (*models.Conversation, error) {
	var c models.Conversation
	var participants string
	var last sql.NullInt64
	if err := s.Scan(&c.ID, &c.ExportID, &c.Key, &c.DisplayName, &participants, &c.MessageCount, &last, &c.HasMedia); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(participants), &c.Participants)
	if c.Participants == nil {
		c.Participants = []string{}
	}
	c.LastEventAt = fromNanos(last)
	return &c, nil
}

// GetConversation returns one visible conversation.
func (db *DB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+convCols+` FROM visible_conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: conversation %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns every visible conversation, most recently
// active first.
func (db *DB) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+convCols+` FROM visible_conversations
		ORDER BY last_event_at IS NULL, last_event_at DESC, display_name, id`)
	if err != nil {
		return nil, fmt.Errorf("index: list conversations: %w", err)
	}
	defer rows.Close()
	out := []models.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListPeople returns the visible participant directory.
func (db *DB) ListPeople(ctx context.Context) ([]models.Person, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT username, MAX(display_name) FROM visible_persons GROUP BY username ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("index: list people: %w", err)
	}
	defer rows.Close()
	out := []models.Person{}
	for rows.Next() {
		var p models.Person
		if err := rows.Scan(&p.Username, &p.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EventsPage returns up to limit events of a conversation after cursor,
// ordered by time. The same cursor and limit return the same slice until a
// new run is published.
func (db *DB) EventsPage(ctx context.Context, convID, cur string, limit int) (*models.EventPage, error) {
	limit = clampLimit(limit)
	c, err := decodeCursor(cur)
	if err != nil {
		return nil, err
	}
	if _, err := db.GetConversation(ctx, convID); err != nil {
		return nil, err
	}

	page := &models.EventPage{Events: []models.Event{}}
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM visible_events WHERE conversation_id = ?`, convID).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("index: count events: %w", err)
	}

	q := `SELECT ` + eventCols + ` FROM visible_events WHERE conversation_id = ?`
	args := []any{convID}
	if c != nil {
		q += ` AND (sort_ts, ordinal, id) > (?, ?, ?)`
		args = append(args, c.SortTS, c.Ordinal, c.ID)
	}
	q += ` ORDER BY sort_ts, ordinal, id LIMIT ?`
	args = append(args, limit+1)

	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("index: events page: %w", err)
	}
	defer rows.Close()
	var last cursor
	for rows.Next() {
		ev, sortTS, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if len(page.Events) == limit {
			page.HasMore = true
			break
		}
		page.Events = append(page.Events, *ev)
		last = cursor{SortTS: sortTS, Ordinal: ev.Ordinal, ID: ev.ID}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if page.HasMore {
		page.NextCursor = last.encode()
	}
	return page, nil
}

// MediaPage returns up to limit media items across the whole archive after
// cursor, ordered by time. Each linked file of an event is one item.
func (db *DB) MediaPage(ctx context.Context, cur string, limit int) (*models.MediaPage, error) {
	limit = clampLimit(limit)
	c, err := decodeCursor(cur)
	if err != nil {
		return nil, err
	}
	page := &models.MediaPage{Items: []models.MediaItem{}}
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM visible_media`).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("index: count media: %w", err)
	}

	q := `SELECT item_key, event_id, conversation_id, path, media_type, kind, ts, sort_ts, ordinal FROM visible_media`
	var args []any
	if c != nil {
		q += ` WHERE (sort_ts, ordinal, item_key) > (?, ?, ?)`
		args = append(args, c.SortTS, c.Ordinal, c.ID)
	}
	q += ` ORDER BY sort_ts, ordinal, item_key LIMIT ?`
	args = append(args, limit+1)

	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("index: media page: %w", err)
	}
	defer rows.Close()
	var last cursor
	for rows.Next() {
		var it models.MediaItem
		var key, kind string
		var ts sql.NullInt64
		var sortTS int64
		var ordinal int
		if err := rows.Scan(&key, &it.EventID, &it.ConversationID, &it.Path, &it.MediaType, &kind, &ts, &sortTS, &ordinal); err != nil {
			return nil, err
		}
		if len(page.Items) == limit {
			page.HasMore = true
			break
		}
		it.Kind = models.EventKind(kind)
		it.Timestamp = fromNanos(ts)
		it.Source = "chat"
		if it.Kind == models.KindMemory {
			it.Source = "memory"
		}
		page.Items = append(page.Items, it)
		last = cursor{SortTS: sortTS, Ordinal: ordinal, ID: key}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if page.HasMore {
		page.NextCursor = last.encode()
	}
	return page, nil
}

// Stats aggregates the visible archive.
func (db *DB) Stats(ctx context.Context) (*models.Stats, error) {
	s := &models.Stats{TopContacts: []models.ContactCount{}}
	var first, last sql.NullInt64
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(kind != 'memory'), 0),
			COALESCE(SUM(kind = 'memory'), 0),
			COALESCE(SUM(has_media), 0),
			COALESCE(SUM(missing_media > 0), 0),
			MIN(ts), MAX(ts)
		FROM visible_events`).Scan(&s.TotalEvents, &s.TotalMemories, &s.MediaEvents, &s.MissingMediaEvents, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("index: stats: %w", err)
	}
	s.FirstEventAt = fromNanos(first)
	s.LastEventAt = fromNanos(last)
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM visible_conversations`).Scan(&s.TotalConversations); err != nil {
		return nil, fmt.Errorf("index: stats conversations: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT COALESCE(NULLIF(MAX(sender_name), ''), sender) AS name, COUNT(*) AS n
		FROM visible_events
		WHERE sender != '' AND kind != 'memory'
		GROUP BY sender
		ORDER BY n DESC, name
		LIMIT 5`)
	if err != nil {
		return nil, fmt.Errorf("index: top contacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c models.ContactCount
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, err
		}
		s.TopContacts = append(s.TopContacts, c)
	}
	return s, rows.Err()
}

// ActivityDates returns the distinct UTC dates (YYYY-MM-DD) on which a
// conversation has events, oldest first.
func (db *DB) ActivityDates(ctx context.Context, convID string) ([]string, error) {
	if _, err := db.GetConversation(ctx, convID); err != nil {
		return nil, err
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT DISTINCT date(ts / 1000000000, 'unixepoch') AS d
		FROM visible_events
		WHERE conversation_id = ? AND ts IS NOT NULL
		ORDER BY d`, convID)
	if err != nil {
		return nil, fmt.Errorf("index: activity dates: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// EventIndexAt returns the position, within the conversation's ordering, of
// the first event on or after date (YYYY-MM-DD, UTC).
func (db *DB) EventIndexAt(ctx context.Context, convID, date string) (int, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return 0, fmt.Errorf("index: date %q: %w", date, apperr.ErrInvalidInput)
	}
	if _, err := db.GetConversation(ctx, convID); err != nil {
		return 0, err
	}
	var n int
	err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM visible_events WHERE conversation_id = ? AND sort_ts < ?`,
		convID, day.UTC().UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("index: event index: %w", err)
	}
	return n, nil
}
