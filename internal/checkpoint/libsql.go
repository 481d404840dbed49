package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomctl/loom/pkg/schema"
)

// LibSQLStore persists checkpoints in a libSQL (embedded SQLite fork)
// database, one row per workflow name.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path
// should be a file URI, e.g. "file:/path/to/checkpoints.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeCheckpoint, "open libsql").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	s := &LibSQLStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LibSQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS checkpoints (
		workflow      TEXT PRIMARY KEY,
		checkpoint_id TEXT NOT NULL,
		inputs_hash   TEXT NOT NULL,
		step_results  TEXT NOT NULL,
		saved_at      TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return schema.NewError(schema.ErrCodeCheckpoint, "creating checkpoints table").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) Save(ctx context.Context, cp *Checkpoint) error {
	results, err := json.Marshal(cp.Results)
	if err != nil {
		return schema.NewError(schema.ErrCodeCheckpoint, "serializing checkpoint results").WithCause(err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO checkpoints
		(workflow, checkpoint_id, inputs_hash, step_results, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workflow) DO UPDATE SET
			checkpoint_id = excluded.checkpoint_id,
			inputs_hash = excluded.inputs_hash,
			step_results = excluded.step_results,
			saved_at = excluded.saved_at`,
		cp.Workflow, cp.ID, cp.InputsHash, string(results), cp.SavedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCheckpoint, "saving checkpoint for %q", cp.Workflow).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) Load(ctx context.Context, workflow string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT checkpoint_id, inputs_hash, step_results, saved_at
		FROM checkpoints WHERE workflow = ?`, workflow)

	var cp Checkpoint
	var results, savedAt string
	err := row.Scan(&cp.ID, &cp.InputsHash, &results, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "loading checkpoint for %q", workflow).WithCause(err)
	}
	cp.Workflow = workflow
	if err := json.Unmarshal([]byte(results), &cp.Results); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpoint, "decoding checkpoint results for %q", workflow).WithCause(err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
		cp.SavedAt = ts
	}
	return &cp, nil
}

func (s *LibSQLStore) Clear(ctx context.Context, workflow string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE workflow = ?`, workflow)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCheckpoint, "clearing checkpoint for %q", workflow).WithCause(err)
	}
	return nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }
