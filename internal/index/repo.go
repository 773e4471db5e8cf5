package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/reconstruct"
)

// DefaultBatchSize is the number of event rows per write transaction.
const DefaultBatchSize = 500

// BatchHook runs after each committed batch with the running batch count.
// Returning an error stops the write; rows already committed stay staged
// under the run until it is published or discarded.
type BatchHook func(batches int) error

// WriteBundles writes reconstructed conversations and their events under
// runID, batchSize events per transaction, so no single transaction holds the
// write lock for a whole export. A conversation row goes in with its first
// batch of events.
func (db *DB) WriteBundles(ctx context.Context, runID string, bundles []*reconstruct.Bundle, batchSize int, hook BatchHook) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batches := 0
	for _, b := range bundles {
		events := b.Events
		first := true
		for first || len(events) > 0 {
			if err := ctx.Err(); err != nil {
				return batches, err
			}
			n := min(batchSize, len(events))
			var conv *models.Conversation
			if first {
				conv = b.Conversation
			}
			if err := db.writeBatch(ctx, runID, conv, events[:n]); err != nil {
				return batches, err
			}
			events = events[n:]
			first = false
			batches++
			if hook != nil {
				if err := hook(batches); err != nil {
					return batches, err
				}
			}
		}
	}
	return batches, nil
}

func (db *DB) writeBatch(ctx context.Context, runID string, conv *models.Conversation, events []models.Event) error {
	if conv == nil && len(events) == 0 {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w: %w", apperr.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if conv != nil {
		participants, _ := json.Marshal(conv.Participants)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (run_id, id, export_id, key, display_name, participants, message_count, last_event_at, has_media)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, conv.ID, conv.ExportID, conv.Key, conv.DisplayName, string(participants),
			conv.MessageCount, toNanos(conv.LastEventAt), conv.HasMedia)
		if err != nil {
			return fmt.Errorf("index: insert conversation: %w: %w", apperr.ErrStore, err)
		}
	}

	if len(events) > 0 {
		evStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO events (run_id, id, export_id, conversation_id, ts, sort_ts, ordinal, kind, sender, sender_name, text, media, metadata, has_media, missing_media)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare event insert: %w: %w", apperr.ErrStore, err)
		}
		defer evStmt.Close()
		mediaStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO event_media (run_id, item_key, event_id, conversation_id, path, media_type, kind, ts, sort_ts, ordinal)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare media insert: %w: %w", apperr.ErrStore, err)
		}
		defer mediaStmt.Close()

		for i := range events {
			ev := &events[i]
			media, _ := json.Marshal(ev.Media)
			meta, _ := json.Marshal(ev.Metadata)
			sortTS := sortKey(ev.Timestamp)
			_, err := evStmt.ExecContext(ctx, runID, ev.ID, ev.ExportID, ev.ConversationID, toNanos(ev.Timestamp), sortTS,
				ev.Ordinal, string(ev.Kind), ev.Sender, ev.SenderName, ev.Text, string(media), string(meta),
				len(ev.Media) > 0, len(ev.Metadata.UnresolvedMedia))
			if err != nil {
				return fmt.Errorf("index: insert event: %w: %w", apperr.ErrStore, err)
			}
			for pos, a := range ev.Media {
				_, err := mediaStmt.ExecContext(ctx, runID, fmt.Sprintf("%s:%03d", ev.ID, pos), ev.ID, ev.ConversationID,
					a.Path, a.MediaType(), string(ev.Kind), toNanos(ev.Timestamp), sortTS, ev.Ordinal)
				if err != nil {
					return fmt.Errorf("index: insert media: %w: %w", apperr.ErrStore, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit batch: %w: %w", apperr.ErrStore, err)
	}
	return nil
}

// BuildSearchIndex feeds a run's event text to the full-text index, batchSize
// rows per transaction. Without FTS5 compiled in it does nothing.
func (db *DB) BuildSearchIndex(ctx context.Context, runID string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	var after int64
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, last, err := db.indexBatch(ctx, runID, after, batchSize)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
		after = last
	}
}

func (db *DB) indexBatch(ctx context.Context, runID string, after int64, limit int) (int, int64, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("index: begin tx: %w: %w", apperr.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	last, n, err := ftsIndexBatch(ctx, tx, runID, after, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", apperr.ErrStore, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("index: commit fts batch: %w: %w", apperr.ErrStore, err)
	}
	return n, last, nil
}

// CountRunEvents returns the number of events written under a run.
func (db *DB) CountRunEvents(ctx context.Context, runID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE run_id = ?`, runID).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("index: count run events: %w", err)
	}
	return n, nil
}
