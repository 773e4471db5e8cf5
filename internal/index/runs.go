package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/models"
)

// Run states.
const (
	RunStaging    = "staging"
	RunPublished  = "published"
	RunSuperseded = "superseded"
	RunDiscarded  = "discarded"
)

// BeginRun opens a staging run for an export. Nothing written under the
// returned id is visible to readers until PublishRun.
func (db *DB) BeginRun(ctx context.Context, exportID string) (string, error) {
	if _, err := db.GetExport(ctx, exportID); err != nil {
		return "", err
	}
	id := uuid.NewString()
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	_, err := db.conn.ExecContext(ctx, `INSERT INTO runs (id, export_id, state, started_at) VALUES (?, ?, ?, ?)`,
		id, exportID, RunStaging, time.Now().UTC().UnixNano())
	if err != nil {
		return "", fmt.Errorf("index: begin run: %w: %w", apperr.ErrStore, err)
	}
	return id, nil
}

// RunState returns the state of a run.
func (db *DB) RunState(ctx context.Context, runID string) (string, error) {
	var state string
	err := db.conn.QueryRowContext(ctx, `SELECT state FROM runs WHERE id = ?`, runID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("index: run %s: %w", runID, apperr.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("index: run state: %w", err)
	}
	return state, nil
}

// PublishRun makes a staged run the export's visible data in one
// transaction: the active run flips, the previous run's rows are dropped and
// the frozen report and result are stored.
func (db *DB) PublishRun(ctx context.Context, runID string, result models.IngestionResult, report models.ValidationReport) error {
	resJSON, _ := json.Marshal(result)
	repJSON, _ := json.Marshal(report)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w: %w", apperr.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	exportID, err := stagingRun(ctx, tx, runID)
	if err != nil {
		return err
	}
	var prev sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT active_run FROM exports WHERE id = ?`, exportID).Scan(&prev); err != nil {
		return fmt.Errorf("index: read active run: %w: %w", apperr.ErrStore, err)
	}

	now := time.Now().UTC().UnixNano()
	if _, err := tx.ExecContext(ctx, `UPDATE exports SET active_run = ?, ingested_at = ? WHERE id = ?`, runID, now, exportID); err != nil {
		return fmt.Errorf("index: flip active run: %w: %w", apperr.ErrStore, err)
	}
	if prev.Valid && prev.String != runID {
		if err := deleteRunRows(ctx, tx, prev.String); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET state = ? WHERE id = ?`, RunSuperseded, prev.String); err != nil {
			return fmt.Errorf("index: supersede run: %w: %w", apperr.ErrStore, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM staged_observations WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("index: clear staging: %w: %w", apperr.ErrStore, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET state = ?, finished_at = ?, result = ?, report = ? WHERE id = ?`,
		RunPublished, now, string(resJSON), string(repJSON), runID); err != nil {
		return fmt.Errorf("index: finish run: %w: %w", apperr.ErrStore, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit publish: %w: %w", apperr.ErrStore, err)
	}
	return nil
}

// DiscardRun drops everything a staging run wrote and records its terminal
// result. Readers never saw any of it.
func (db *DB) DiscardRun(ctx context.Context, runID string, result models.IngestionResult, report models.ValidationReport) error {
	resJSON, _ := json.Marshal(result)
	repJSON, _ := json.Marshal(report)
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.discardLocked(ctx, runID, sql.NullString{String: string(resJSON), Valid: true}, sql.NullString{String: string(repJSON), Valid: true})
}

func (db *DB) discardLocked(ctx context.Context, runID string, result, report sql.NullString) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w: %w", apperr.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := stagingRun(ctx, tx, runID); err != nil {
		return err
	}
	if err := deleteRunRows(ctx, tx, runID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET state = ?, finished_at = ?, result = ?, report = ? WHERE id = ?`,
		RunDiscarded, time.Now().UTC().UnixNano(), result, report, runID); err != nil {
		return fmt.Errorf("index: discard run: %w: %w", apperr.ErrStore, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit discard: %w: %w", apperr.ErrStore, err)
	}
	return nil
}

// DiscardStale discards runs left in staging by a process that died mid
// ingestion. It returns how many were cleaned up.
func (db *DB) DiscardStale(ctx context.Context) (int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id FROM runs WHERE state = ?`, RunStaging)
	if err != nil {
		return 0, fmt.Errorf("index: stale runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	for _, id := range ids {
		if err := db.discardLocked(ctx, id, sql.NullString{}, sql.NullString{}); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// stagingRun returns the export of runID, failing unless it is still staging.
func stagingRun(ctx context.Context, tx *sql.Tx, runID string) (string, error) {
	var exportID, state string
	err := tx.QueryRowContext(ctx, `SELECT export_id, state FROM runs WHERE id = ?`, runID).Scan(&exportID, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("index: run %s: %w", runID, apperr.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("index: read run: %w: %w", apperr.ErrStore, err)
	}
	if state != RunStaging {
		return "", fmt.Errorf("index: run %s is %s: %w", runID, state, apperr.ErrConflict)
	}
	return exportID, nil
}

func deleteRunRows(ctx context.Context, tx *sql.Tx, runID string) error {
	for _, table := range runTables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("index: delete %s of run: %w: %w", table, apperr.ErrStore, err)
		}
	}
	return ftsDeleteRun(ctx, tx, runID)
}

// LatestReport returns the most recently frozen validation report of an
// export, whatever the run's outcome.
func (db *DB) LatestReport(ctx context.Context, exportID string) (*models.ValidationReport, error) {
	var raw string
	if err := db.latestRunColumn(ctx, exportID, "report", &raw); err != nil {
		return nil, err
	}
	var r models.ValidationReport
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("index: decode report: %w", err)
	}
	return &r, nil
}

// LatestResult returns the most recent terminal ingestion result of an
// export.
func (db *DB) LatestResult(ctx context.Context, exportID string) (*models.IngestionResult, error) {
	var raw string
	if err := db.latestRunColumn(ctx, exportID, "result", &raw); err != nil {
		return nil, err
	}
	var r models.IngestionResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("index: decode result: %w", err)
	}
	return &r, nil
}

func (db *DB) latestRunColumn(ctx context.Context, exportID, column string, dst *string) error {
	err := db.conn.QueryRowContext(ctx, `
		SELECT `+column+` FROM runs
		WHERE export_id = ? AND `+column+` IS NOT NULL
		ORDER BY finished_at DESC, started_at DESC
		LIMIT 1`, exportID).Scan(dst)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("index: no %s for export %s: %w", column, exportID, apperr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("index: latest %s: %w", column, err)
	}
	return nil
}

// Reset deletes every export, run and entity in one transaction.
func (db *DB) Reset(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w: %w", apperr.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range slices.Concat(runTables, []string{"runs", "exports"}) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("index: reset %s: %w: %w", table, apperr.ErrStore, err)
		}
	}
	if err := ftsDeleteAll(ctx, tx); err != nil {
		return fmt.Errorf("index: reset fts: %w: %w", apperr.ErrStore, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit reset: %w: %w", apperr.ErrStore, err)
	}
	return nil
}
