package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/models"
)

// UpsertExport records an export revalidated by an ingestion run. Detection
// data is refreshed; the active run and ingestion time are left untouched.
func (db *DB) UpsertExport(ctx context.Context, set models.ExportSet) error {
	paths, _ := json.Marshal(set.SourcePaths)
	markers, _ := json.Marshal(set.Markers)
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO exports (id, source_paths, source_kind, created_at, status, markers, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_paths = excluded.source_paths,
			source_kind  = excluded.source_kind,
			created_at   = excluded.created_at,
			status       = excluded.status,
			markers      = excluded.markers,
			fingerprint  = excluded.fingerprint
	`, set.ID, string(paths), string(set.SourceKind), toNanos(set.CreatedAt), string(set.Status), string(markers), set.Fingerprint)
	if err != nil {
		return fmt.Errorf("index: upsert export: %w: %w", apperr.ErrStore, err)
	}
	return nil
}

// RegisterExport records a detected export. Detection data of an export
// that has not been ingested yet is refreshed; a published export keeps the
// paths and status it was ingested from.
func (db *DB) RegisterExport(ctx context.Context, set models.ExportSet) error {
	paths, _ := json.Marshal(set.SourcePaths)
	markers, _ := json.Marshal(set.Markers)
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO exports (id, source_paths, source_kind, created_at, status, markers, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_paths = excluded.source_paths,
			source_kind  = excluded.source_kind,
			created_at   = excluded.created_at,
			status       = excluded.status,
			markers      = excluded.markers,
			fingerprint  = excluded.fingerprint
		WHERE exports.active_run IS NULL
	`, set.ID, string(paths), string(set.SourceKind), toNanos(set.CreatedAt), string(set.Status), string(markers), set.Fingerprint)
	if err != nil {
		return fmt.Errorf("index: register export: %w: %w", apperr.ErrStore, err)
	}
	return nil
}

const exportCols = `id, source_paths, source_kind, created_at, status, markers, fingerprint, ingested_at`

// GetExport returns one export or apperr.ErrNotFound.
func (db *DB) GetExport(ctx context.Context, id string) (*models.ExportSet, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+exportCols+` FROM exports WHERE id = ?`, id)
	set, err := scanExport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: export %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get export: %w", err)
	}
	return set, nil
}

// ListExports returns every known export ordered by id.
func (db *DB) ListExports(ctx context.Context) ([]models.ExportSet, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+exportCols+` FROM exports ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("index: list exports: %w", err)
	}
	defer rows.Close()
	out := []models.ExportSet{}
	for rows.Next() {
		set, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *set)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExport(s scanner) (*models.ExportSet, error) {
	var set models.ExportSet
	var paths, markers, kind, status string
	var created, ingested sql.NullInt64
	if err := s.Scan(&set.ID, &paths, &kind, &created, &status, &markers, &set.Fingerprint, &ingested); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(paths), &set.SourcePaths)
	_ = json.Unmarshal([]byte(markers), &set.Markers)
	set.SourceKind = models.SourceKind(kind)
	set.Status = models.ValidationStatus(status)
	set.CreatedAt = fromNanos(created)
	set.IngestedAt = fromNanos(ingested)
	return &set, nil
}
