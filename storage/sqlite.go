package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend stores rows as JSON documents in a single SQLite file.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend opens (and creates if needed) the database at path.
func NewSQLiteBackend(path string, logger *slog.Logger) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	b := &SQLiteBackend{db: db, logger: logger}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		tbl TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (tbl, id)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("create sqlite tables: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Tables: make(map[string][][]byte)}

	var value string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'version'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query version: %w", err)
	}
	if snap.Version, err = strconv.Atoi(value); err != nil {
		return nil, fmt.Errorf("parse version %q: %w", value, err)
	}

	rows, err := b.db.QueryContext(ctx, `SELECT tbl, data FROM records`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, data string
		if err := rows.Scan(&table, &data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		snap.Tables[table] = append(snap.Tables[table], []byte(data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return snap, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, table, id string, data []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO records (tbl, id, data) VALUES (?, ?, ?)
		ON CONFLICT (tbl, id) DO UPDATE SET data = excluded.data
	`, table, id, string(data))
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, table, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND id = ?`, table, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) SetVersion(ctx context.Context, version int) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('version', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("update version: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Reset(ctx context.Context) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM records`)
	if err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	n, _ := res.RowsAffected()
	b.logger.Info("SQLite storage reset", "deleted", n)
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
