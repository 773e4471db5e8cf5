//go:build sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/starford/snaparchive/internal/models"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
			event_id UNINDEXED,
			run_id UNINDEXED,
			text,
			sender,
			conversation,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

// ftsIndexBatch copies up to limit events of runID with rowid > after into
// the FTS table and returns the last rowid copied.
func ftsIndexBatch(ctx context.Context, tx *sql.Tx, runID string, after int64, limit int) (int64, int, error) {
	var last sql.NullInt64
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(r), COUNT(*) FROM (
			SELECT rowid AS r FROM events
			WHERE run_id = ? AND rowid > ? AND text != ''
			ORDER BY rowid LIMIT ?
		)`, runID, after, limit).Scan(&last, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("index: fts batch bounds: %w", err)
	}
	if n == 0 {
		return after, 0, nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events_fts (event_id, run_id, text, sender, conversation)
		SELECT e.id, e.run_id, e.text, trim(e.sender || ' ' || e.sender_name), COALESCE(c.display_name, '')
		FROM events e
		LEFT JOIN conversations c ON c.run_id = e.run_id AND c.id = e.conversation_id
		WHERE e.run_id = ? AND e.rowid > ? AND e.rowid <= ? AND e.text != ''`,
		runID, after, last.Int64)
	if err != nil {
		return 0, 0, fmt.Errorf("index: fts insert: %w", err)
	}
	return last.Int64, n, nil
}

func ftsDeleteRun(ctx context.Context, tx *sql.Tx, runID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM events_fts WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("index: fts delete run: %w", err)
	}
	return nil
}

func ftsDeleteAll(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM events_fts`)
	return err
}

// ftsSearch runs an FTS5 query built from sanitised terms, ranked by bm25.
func (db *DB) ftsSearch(ctx context.Context, terms []string, limit int) ([]models.SearchHit, error) {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = quoteTerm(t)
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT e.id, e.conversation_id, COALESCE(c.display_name, ''), e.sender, e.sender_name,
		       snippet(events_fts, 2, '<b>', '</b>', '...', 16),
		       e.kind, e.ts
		FROM events_fts
		JOIN visible_events e ON e.run_id = events_fts.run_id AND e.id = events_fts.event_id
		LEFT JOIN conversations c ON c.run_id = e.run_id AND c.id = e.conversation_id
		WHERE events_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, strings.Join(quoted, " "), limit)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}
