package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/cascadeio/cascade/pkg/schema"
)

// LibSQLLedger is the durable execution ledger on libSQL (embedded SQLite
// fork). Results survive process restarts; retention pruning still applies.
type LibSQLLedger struct {
	db *sql.DB
}

// NewLibSQLLedger opens (and migrates) a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/cascade.db".
func NewLibSQLLedger(dbPath string) (*LibSQLLedger, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if err := runMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LibSQLLedger{db: db}, nil
}

// Put records a finished execution. Duplicate execution ids are rejected.
func (l *LibSQLLedger) Put(result *schema.ExecutionResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal result: %s", err.Error()).WithCause(err)
	}
	res, err := l.db.Exec(
		`INSERT OR IGNORE INTO executions (execution_id, workflow_id, success, result, completed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		result.ExecutionID, result.WorkflowID, boolToInt(result.Success), string(raw), result.CompletedAt.UTC(),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "insert execution: %s", err.Error()).WithCause(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "insert execution: %s", err.Error()).WithCause(err)
	}
	if affected == 0 {
		return schema.NewErrorf(schema.ErrCodeStore,
			"execution %q already recorded", result.ExecutionID)
	}
	return nil
}

// Get returns the result for an execution id, or NOT_FOUND.
func (l *LibSQLLedger) Get(executionID string) (*schema.ExecutionResult, error) {
	var raw string
	err := l.db.QueryRow(
		`SELECT result FROM executions WHERE execution_id = ?`, executionID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "query execution: %s", err.Error()).WithCause(err)
	}
	return unmarshalResult(raw)
}

// History returns up to limit results, most recently completed first.
func (l *LibSQLLedger) History(limit int) ([]*schema.ExecutionResult, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := l.db.Query(
		`SELECT result FROM executions ORDER BY completed_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "query history: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*schema.ExecutionResult
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan history: %s", err.Error()).WithCause(err)
		}
		result, err := unmarshalResult(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "iterate history: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// Size reports the number of retained results.
func (l *LibSQLLedger) Size() (int, error) {
	var n int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM executions`).Scan(&n); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "count executions: %s", err.Error()).WithCause(err)
	}
	return n, nil
}

// Prune removes results completed before the cutoff and reports how many.
func (l *LibSQLLedger) Prune(olderThan time.Time) (int, error) {
	res, err := l.db.Exec(`DELETE FROM executions WHERE completed_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "prune executions: %s", err.Error()).WithCause(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "prune executions: %s", err.Error()).WithCause(err)
	}
	return int(affected), nil
}

// Close closes the database.
func (l *LibSQLLedger) Close() error {
	return l.db.Close()
}

func unmarshalResult(raw string) (*schema.ExecutionResult, error) {
	var result schema.ExecutionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "unmarshal result: %s", err.Error()).WithCause(err)
	}
	return &result, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
