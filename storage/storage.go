// Package storage provides the durable job store the queue replays from.
//
// The store is the single source of truth for which jobs exist; the
// in-memory lanes built on top of it are a derived, rebuildable cache.
// Two implementations share one contract: a SQLite-backed store for real
// clients and an in-memory store for tests and ephemeral mode.
package storage

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when deleting a job that does not exist.
var ErrNotFound = errors.New("job not found")

// Record is the exact persisted shape of a job. Runtime-only state
// (completion handles, attempt counters) must never appear here.
type Record struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // milliseconds since epoch
	QueueType string          `json:"queueType"`
	Data      json.RawMessage `json:"data"`
}

// Store is the durable job store collaborator.
//
// GetJobsInQueue returns records in insertion order; the queue relies on
// that order for replay. Implementations must be safe for concurrent use.
type Store interface {
	GetJobsInQueue(ctx context.Context, queueType string) ([]Record, error)
	InsertJob(ctx context.Context, rec Record) error
	DeleteJob(ctx context.Context, id string) error
	Close() error
}
