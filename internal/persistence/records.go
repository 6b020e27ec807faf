package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/foreman/internal/run"
)

// CreateArtifact records a side product of a run. An empty ID is filled in.
func (s *SQLiteStore) CreateArtifact(ctx context.Context, a run.Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, node_id, kind, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.RunID, nullable(a.NodeID), a.Kind, a.Content, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a run's artifacts in creation order. An empty kind
// returns all of them.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, runID string, kind run.ArtifactKind) ([]run.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, kind, content, created_at
		FROM artifacts
		WHERE run_id = ? AND (? = '' OR kind = ?)
		ORDER BY created_at, rowid
	`, runID, kind, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var out []run.Artifact
	for rows.Next() {
		var a run.Artifact
		var nodeID sql.NullString
		var k string
		if err := rows.Scan(&a.ID, &a.RunID, &nodeID, &k, &a.Content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.NodeID = nodeID.String
		a.Kind = run.ArtifactKind(k)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}
	return out, nil
}

// AppendEvent appends one event to the run's history.
func (s *SQLiteStore) AppendEvent(ctx context.Context, rec EventRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, node_id, type, payload, ts)
		VALUES (?, ?, ?, ?, ?)
	`, rec.RunID, nullable(rec.NodeID), rec.Type, rec.Payload, ts)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns a run's event history in append order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, type, payload, ts
		FROM run_events WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var nodeID sql.NullString
		if err := rows.Scan(&rec.Seq, &rec.RunID, &nodeID, &rec.Type, &rec.Payload, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.NodeID = nodeID.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}
