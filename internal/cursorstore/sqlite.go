package cursorstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a single-node CursorStore backend for deployments that
// run without etcd.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) a sqlite database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite cursor store %s: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cursors (
		peer TEXT NOT NULL,
		topic TEXT NOT NULL,
		offset INTEGER NOT NULL,
		PRIMARY KEY (peer, topic)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing sqlite cursor store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, peer, topic string) (int64, bool, error) {
	var offset int64
	var err = s.db.QueryRowContext(ctx,
		`SELECT offset FROM cursors WHERE peer = ? AND topic = ?`, peer, topic,
	).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying cursor: %w", err)
	}
	return offset, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, peer, topic string, offset int64) error {
	var _, err = s.db.ExecContext(ctx, `
		INSERT INTO cursors (peer, topic, offset) VALUES (?, ?, ?)
		ON CONFLICT(peer, topic) DO UPDATE SET offset = excluded.offset
	`, peer, topic, offset)
	if err != nil {
		return fmt.Errorf("writing cursor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
