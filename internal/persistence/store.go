package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/foreman/internal/run"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// EventRecord is one persisted engine event.
type EventRecord struct {
	Seq       int64
	RunID     string
	NodeID    string
	Type      string
	Payload   string
	Timestamp time.Time
}

// Store defines the persistence interface for runs, nodes, edges, artifacts and event history.
type Store interface {
	SaveRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	ListRuns(ctx context.Context) ([]*run.Run, error)

	SaveNode(ctx context.Context, n *run.Node) error
	GetNode(ctx context.Context, id string) (*run.Node, error)
	ListNodes(ctx context.Context, runID string) ([]*run.Node, error)

	SaveEdge(ctx context.Context, e run.Edge) error
	ListEdges(ctx context.Context, runID string) ([]run.Edge, error)

	CreateArtifact(ctx context.Context, a run.Artifact) error
	ListArtifacts(ctx context.Context, runID string, kind run.ArtifactKind) ([]run.Artifact, error)

	AppendEvent(ctx context.Context, rec EventRecord) error
	ListEvents(ctx context.Context, runID string) ([]EventRecord, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite doesn't support _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own named database; the shared cache lets its
// connections see the same data.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One writer at a time; PRAGMA foreign_keys is per connection.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
