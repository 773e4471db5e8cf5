package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/starford/snaparchive/internal/apperr"
	"github.com/starford/snaparchive/internal/models"
	"github.com/starford/snaparchive/internal/reconstruct"
)

// Staged is one staged observation with its row key.
type Staged struct {
	Seq int64
	Obs models.Observation
}

// StageObservations appends a batch of parsed observations to a run's
// staging area in one transaction. Staging keeps raw observations on disk so
// parsing never has to hold a whole export in memory.
func (db *DB) StageObservations(ctx context.Context, runID string, obs []models.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w: %w", apperr.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO staged_observations (run_id, hint, data) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare stage: %w: %w", apperr.ErrStore, err)
	}
	defer stmt.Close()
	for i := range obs {
		data, err := json.Marshal(&obs[i])
		if err != nil {
			return fmt.Errorf("index: encode observation: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, runID, stagingHint(&obs[i]), string(data)); err != nil {
			return fmt.Errorf("index: stage observation: %w: %w", apperr.ErrStore, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit stage: %w: %w", apperr.ErrStore, err)
	}
	return nil
}

func stagingHint(o *models.Observation) string {
	if o.Memory {
		return reconstruct.MemoriesHint
	}
	return strings.ToLower(o.ConversationHint)
}

// StagePeople records participants for a run. A later non-empty display
// name fills an empty one; it never replaces one.
func (db *DB) StagePeople(ctx context.Context, runID string, people []models.Person) error {
	if len(people) == 0 {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w: %w", apperr.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, p := range people {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO persons (run_id, username, display_name) VALUES (?, ?, ?)
			ON CONFLICT(run_id, username) DO UPDATE SET
				display_name = CASE WHEN persons.display_name = '' THEN excluded.display_name ELSE persons.display_name END`,
			runID, p.Username, p.DisplayName)
		if err != nil {
			return fmt.Errorf("index: stage person: %w: %w", apperr.ErrStore, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit people: %w: %w", apperr.ErrStore, err)
	}
	return nil
}

// RunPeople returns the participant directory of a run.
func (db *DB) RunPeople(ctx context.Context, runID string) ([]models.Person, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT username, display_name FROM persons WHERE run_id = ? ORDER BY username`, runID)
	if err != nil {
		return nil, fmt.Errorf("index: run people: %w", err)
	}
	defer rows.Close()
	var out []models.Person
	for rows.Next() {
		var p models.Person
		if err := rows.Scan(&p.Username, &p.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// StagedHints lists the distinct conversation hints staged for a run, the
// memories group included, in a stable order.
func (db *DB) StagedHints(ctx context.Context, runID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT hint FROM staged_observations WHERE run_id = ? ORDER BY hint`, runID)
	if err != nil {
		return nil, fmt.Errorf("index: staged hints: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountStaged returns how many observations a run has staged.
func (db *DB) CountStaged(ctx context.Context, runID string) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM staged_observations WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("index: count staged: %w", err)
	}
	return n, nil
}

// LoadStaged returns every observation staged under one hint.
func (db *DB) LoadStaged(ctx context.Context, runID, hint string) ([]models.Observation, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT data FROM staged_observations WHERE run_id = ? AND hint = ? ORDER BY seq`, runID, hint)
	if err != nil {
		return nil, fmt.Errorf("index: load staged: %w", err)
	}
	defer rows.Close()
	var out []models.Observation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var o models.Observation
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, fmt.Errorf("index: decode staged: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ScanStaged walks a run's staged observations in batches. Each batch is
// read completely before fn runs, so fn may write to the store.
func (db *DB) ScanStaged(ctx context.Context, runID string, batchSize int, fn func([]Staged) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := db.stagedBatch(ctx, runID, after, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		after = batch[len(batch)-1].Seq
	}
}

func (db *DB) stagedBatch(ctx context.Context, runID string, after int64, limit int) ([]Staged, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT seq, data FROM staged_observations WHERE run_id = ? AND seq > ? ORDER BY seq LIMIT ?`, runID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("index: scan staged: %w", err)
	}
	defer rows.Close()
	var out []Staged
	for rows.Next() {
		var s Staged
		var data string
		if err := rows.Scan(&s.Seq, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &s.Obs); err != nil {
			return nil, fmt.Errorf("index: decode staged: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateStaged rewrites staged observations in place, in one transaction.
func (db *DB) UpdateStaged(ctx context.Context, runID string, batch []Staged) error {
	if len(batch) == 0 {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w: %w", apperr.ErrStore, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `UPDATE staged_observations SET data = ? WHERE run_id = ? AND seq = ?`)
	if err != nil {
		return fmt.Errorf("index: prepare update: %w: %w", apperr.ErrStore, err)
	}
	defer stmt.Close()
	for i := range batch {
		data, err := json.Marshal(&batch[i].Obs)
		if err != nil {
			return fmt.Errorf("index: encode observation: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, string(data), runID, batch[i].Seq); err != nil {
			return fmt.Errorf("index: update staged: %w: %w", apperr.ErrStore, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit update: %w: %w", apperr.ErrStore, err)
	}
	return nil
}
