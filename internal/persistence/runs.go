package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/foreman/internal/run"
)

// SaveRun upserts a run. The full record is stored as JSON; the scalar
// columns mirror it for listing and filtering.
func (s *SQLiteStore) SaveRun(ctx context.Context, r *run.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run %s: %w", r.ID, err)
	}

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, goal, repo_path, phase, mode, status, iteration, max_iterations, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal,
			repo_path = excluded.repo_path,
			phase = excluded.phase,
			mode = excluded.mode,
			status = excluded.status,
			iteration = excluded.iteration,
			max_iterations = excluded.max_iterations,
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`, r.ID, r.Goal, r.RepoPath, r.Phase, r.Mode, r.Status, r.Iteration, r.MaxIterations, string(data), createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*run.Run, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return decodeRun(data)
}

// ListRuns returns every run, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]*run.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*run.Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func decodeRun(data string) (*run.Run, error) {
	r := &run.Run{}
	if err := json.Unmarshal([]byte(data), r); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return r, nil
}
