//go:build !sqlite_fts5

package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/starford/snaparchive/internal/models"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not available; search scans events.text with LIKE.
	return nil
}

func ftsIndexBatch(_ context.Context, _ *sql.Tx, _ string, after int64, _ int) (int64, int, error) {
	return after, 0, nil
}

func ftsDeleteRun(_ context.Context, _ *sql.Tx, _ string) error { return nil }

func ftsDeleteAll(_ context.Context, _ *sql.Tx) error { return nil }

// ftsSearch requires every term to appear in the text, newest first.
func (db *DB) ftsSearch(ctx context.Context, terms []string, limit int) ([]models.SearchHit, error) {
	var where []string
	args := make([]any, 0, len(terms)+1)
	for _, t := range terms {
		where = append(where, `e.text LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(t)+"%")
	}
	args = append(args, limit)
	rows, err := db.conn.QueryContext(ctx, `
		SELECT e.id, e.conversation_id, COALESCE(c.display_name, ''), e.sender, e.sender_name,
		       e.text, e.kind, e.ts
		FROM visible_events e
		LEFT JOIN conversations c ON c.run_id = e.run_id AND c.id = e.conversation_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY e.sort_ts DESC, e.id
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()
	hits, err := scanHits(rows)
	if err != nil {
		return nil, err
	}
	for i := range hits {
		hits[i].Snippet = snippet(hits[i].Snippet, terms[0], 60)
	}
	return hits, nil
}
