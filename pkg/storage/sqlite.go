package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/reckoner/reckoner/pkg/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entities (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	kind         TEXT NOT NULL,
	identity_key TEXT NOT NULL,
	fields       TEXT NOT NULL,
	status       TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	UNIQUE(kind, identity_key)
);
`

// SQLiteStore persists entities in SQLite. The UNIQUE(kind, identity_key)
// constraint is the storage-level enforcement of the identity invariant;
// WAL mode allows concurrent reads while a group is being written.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and applies
// pragmas and schema. Idempotent.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent group completion.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// txKey carries an open transaction through the atomic-unit scope
type txKey struct{}

// execer abstracts over *sql.DB and *sql.Tx so store methods join an
// atomic unit transparently.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) execer(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// Save inserts the entity under its identity key. An identity clash
// surfaces as ErrUniquenessViolation for the conflict resolver to handle.
func (s *SQLiteStore) Save(ctx context.Context, e types.Entity) error {
	fieldsJSON, err := json.Marshal(e.Fields())
	if err != nil {
		return fmt.Errorf("save %s: %w", types.Describe(e), err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	var res sql.Result
	if id := e.StorageID(); id != 0 {
		// Adopted identity: re-insert under the reserved primary key.
		res, err = s.execer(ctx).ExecContext(ctx, `
			INSERT INTO entities (id, kind, identity_key, fields, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				identity_key = excluded.identity_key,
				fields = excluded.fields,
				status = excluded.status,
				updated_at = excluded.updated_at
		`, id, e.Kind(), types.IdentityKey(e), string(fieldsJSON), string(e.Status()), now)
	} else {
		res, err = s.execer(ctx).ExecContext(ctx, `
			INSERT INTO entities (kind, identity_key, fields, status, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, e.Kind(), types.IdentityKey(e), string(fieldsJSON), string(e.Status()), now)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("save %s: %w", types.Describe(e), ErrUniquenessViolation)
		}
		return fmt.Errorf("save %s: %w", types.Describe(e), err)
	}

	if e.StorageID() == 0 {
		if id, err := res.LastInsertId(); err == nil {
			e.SetStorageID(id)
		}
	}
	return nil
}

// FindByIdentity returns every persisted row sharing the entity's
// identity key. The uniqueness constraint should keep this at zero or one.
func (s *SQLiteStore) FindByIdentity(ctx context.Context, e types.Entity) ([]Match, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT id, status FROM entities WHERE kind = ? AND identity_key = ?
		ORDER BY id
	`, e.Kind(), types.IdentityKey(e))
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", types.Describe(e), err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var status string
		if err := rows.Scan(&m.ID, &status); err != nil {
			return nil, fmt.Errorf("find %s: %w", types.Describe(e), err)
		}
		m.Status = types.CalcStatus(status)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Delete removes one row by kind and primary key
func (s *SQLiteStore) Delete(ctx context.Context, kind string, id int64) error {
	res, err := s.execer(ctx).ExecContext(ctx,
		`DELETE FROM entities WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return fmt.Errorf("delete %s/%d: %w", kind, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delete %s/%d: %w", kind, id, ErrNotFound)
	}
	return nil
}

// UpdateStatus persists only the status column. This write path can never
// schedule a computation. When no row matches (never saved, or the row
// was deleted during reconciliation) the full entity is persisted so the
// final status is never lost.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, e types.Entity) error {
	if e.StorageID() == 0 {
		return s.Save(ctx, e)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE entities SET status = ?, updated_at = ? WHERE kind = ? AND id = ?
	`, string(e.Status()), now, e.Kind(), e.StorageID())
	if err != nil {
		return fmt.Errorf("update status %s: %w", types.Describe(e), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.Save(ctx, e)
	}
	return nil
}

// Atomic runs fn inside one transaction. Nested calls join the enclosing
// transaction rather than opening a second one.
func (s *SQLiteStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin atomic unit: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// StatusesByKind lists persisted entity statuses for a kind
func (s *SQLiteStore) StatusesByKind(ctx context.Context, kind string) ([]Match, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT id, status FROM entities WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, fmt.Errorf("statuses for %s: %w", kind, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var status string
		if err := rows.Scan(&m.ID, &status); err != nil {
			return nil, fmt.Errorf("statuses for %s: %w", kind, err)
		}
		m.Status = types.CalcStatus(status)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// SetStatusByID rewrites the status of one row by primary key
func (s *SQLiteStore) SetStatusByID(ctx context.Context, kind string, id int64, status types.CalcStatus) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE entities SET status = ?, updated_at = ? WHERE kind = ? AND id = ?
	`, string(status), now, kind, id)
	if err != nil {
		return fmt.Errorf("set status %s/%d: %w", kind, id, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var _ Store = (*SQLiteStore)(nil)
