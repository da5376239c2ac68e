package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database holding session metadata and scrollback
// snapshots, the crash-safe half of the output record.
type DB struct {
	conn *sql.DB
}

// NewDB opens/creates a SQLite database at the given path and initializes
// the schema. Pass ":memory:" for an in-memory database (useful for tests).
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		key TEXT PRIMARY KEY,
		cwd TEXT NOT NULL,
		cols INTEGER NOT NULL,
		rows INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scrollback (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// UpsertSession inserts or refreshes a session record.
func (db *DB) UpsertSession(ctx context.Context, rec *SessionRecord) error {
	query := `
		INSERT INTO sessions (key, cwd, cols, rows, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			cwd = excluded.cwd,
			cols = excluded.cols,
			rows = excluded.rows,
			updated_at = excluded.updated_at
	`

	_, err := db.conn.ExecContext(ctx, query,
		rec.Key, rec.Cwd, rec.Cols, rec.Rows, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves the record for a single session key.
func (db *DB) GetSession(ctx context.Context, key string) (*SessionRecord, error) {
	query := `SELECT key, cwd, cols, rows, updated_at FROM sessions WHERE key = ?`

	var rec SessionRecord
	var updated int64
	err := db.conn.QueryRowContext(ctx, query, key).Scan(
		&rec.Key, &rec.Cwd, &rec.Cols, &rec.Rows, &updated,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	rec.UpdatedAt = time.Unix(updated, 0)
	return &rec, nil
}

// ListSessions retrieves all session records, most recently updated first.
func (db *DB) ListSessions(ctx context.Context) ([]*SessionRecord, error) {
	query := `SELECT key, cwd, cols, rows, updated_at FROM sessions ORDER BY updated_at DESC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var updated int64
		if err := rows.Scan(&rec.Key, &rec.Cwd, &rec.Cols, &rec.Rows, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		rec.UpdatedAt = time.Unix(updated, 0)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return records, nil
}

// DeleteSession removes a session record and its scrollback snapshot.
func (db *DB) DeleteSession(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM scrollback WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete scrollback: %w", err)
	}
	return nil
}

// SaveScrollback stores a session's retained output as one snapshot blob.
func (db *DB) SaveScrollback(ctx context.Context, key string, data []byte) error {
	query := `
		INSERT INTO scrollback (key, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	_, err := db.conn.ExecContext(ctx, query, key, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save scrollback: %w", err)
	}
	return nil
}

// GetScrollback retrieves a session's snapshot, or nil if none is stored.
func (db *DB) GetScrollback(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := db.conn.QueryRowContext(ctx,
		`SELECT data FROM scrollback WHERE key = ?`, key,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scrollback: %w", err)
	}
	return data, nil
}
