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

// SaveNode upserts a node. The owning run must already exist.
func (s *SQLiteStore) SaveNode(ctx context.Context, n *run.Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode node %s: %w", n.ID, err)
	}

	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, run_id, step_id, title, role, status, control, iteration, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			step_id = excluded.step_id,
			title = excluded.title,
			role = excluded.role,
			status = excluded.status,
			control = excluded.control,
			iteration = excluded.iteration,
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`, n.ID, n.RunID, nullable(n.StepID), n.Title, n.Role, n.Status, n.Control, n.Iteration, string(data), createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert node: %w", err)
	}
	return nil
}

// GetNode loads a node by ID.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*run.Node, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM nodes WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query node: %w", err)
	}
	n := &run.Node{}
	if err := json.Unmarshal([]byte(data), n); err != nil {
		return nil, fmt.Errorf("failed to decode node: %w", err)
	}
	return n, nil
}

// ListNodes returns a run's nodes in creation order.
func (s *SQLiteStore) ListNodes(ctx context.Context, runID string) ([]*run.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM nodes WHERE run_id = ? ORDER BY created_at, rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*run.Node
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		n := &run.Node{}
		if err := json.Unmarshal([]byte(data), n); err != nil {
			return nil, fmt.Errorf("failed to decode node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

// SaveEdge appends an edge. Edges are immutable; saving an existing ID is a no-op.
func (s *SQLiteStore) SaveEdge(ctx context.Context, e run.Edge) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (id, run_id, from_node, to_node, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.RunID, e.From, e.To, e.Kind, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert edge %s -> %s: %w", e.From, e.To, err)
	}
	return nil
}

// ListEdges returns a run's edges in insertion order.
func (s *SQLiteStore) ListEdges(ctx context.Context, runID string) ([]run.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, from_node, to_node, kind, created_at
		FROM edges WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []run.Edge
	for rows.Next() {
		var e run.Edge
		var kind string
		if err := rows.Scan(&e.ID, &e.RunID, &e.From, &e.To, &kind, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Kind = run.EdgeKind(kind)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}
	return edges, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
