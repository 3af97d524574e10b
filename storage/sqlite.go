package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	queue_type TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_queue_type ON jobs(queue_type);
`

// SQLiteStore is a Store backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite-backed job store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"path": path,
	}).Info("Opened SQLite job store")
	return &SQLiteStore{db: db}, nil
}

// GetJobsInQueue returns every stored job for queueType in insertion order.
func (s *SQLiteStore) GetJobsInQueue(ctx context.Context, queueType string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue_type, timestamp, data FROM jobs WHERE queue_type = ? ORDER BY rowid`,
		queueType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var data string
		if err := rows.Scan(&rec.ID, &rec.QueueType, &rec.Timestamp, &data); err != nil {
			return nil, err
		}
		rec.Data = []byte(data)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// InsertJob persists one job record.
func (s *SQLiteStore) InsertJob(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, queue_type, timestamp, data) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.QueueType, rec.Timestamp, string(rec.Data))
	return err
}

// DeleteJob removes one job record by id.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
