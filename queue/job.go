package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/relayq/storage"
)

// Job is one durable unit of deferred work. Immutable once created; the
// completion handle is runtime-only state and is never persisted.
type Job struct {
	ID        string
	QueueType string
	Timestamp time.Time
	Payload   *Payload

	done       chan struct{}
	finishOnce sync.Once
	failedOnce sync.Once
	err        error
}

func newJob(queueType string, payload *Payload, createdAt time.Time) *Job {
	return &Job{
		ID:        uuid.NewString(),
		QueueType: queueType,
		Timestamp: createdAt,
		Payload:   payload,
		done:      make(chan struct{}),
	}
}

// Done is closed when the job reaches a terminal outcome.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the terminal error, valid once Done is closed. Nil means
// the job succeeded.
func (j *Job) Err() error { return j.err }

// Wait blocks until the job reaches a terminal outcome or ctx ends.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish resolves the completion handle exactly once.
func (j *Job) finish(err error) {
	j.finishOnce.Do(func() {
		j.err = err
		close(j.done)
	})
}

// record produces the exact persisted shape of the job:
// {id, timestamp, queueType, data}. Nothing else is written.
func (j *Job) record() (storage.Record, error) {
	data, err := json.Marshal(j.Payload)
	if err != nil {
		return storage.Record{}, fmt.Errorf("encoding payload: %w", err)
	}
	return storage.Record{
		ID:        j.ID,
		Timestamp: j.Timestamp.UnixMilli(),
		QueueType: j.QueueType,
		Data:      data,
	}, nil
}

// jobFromRecord rebuilds a replayed job. The payload is re-validated so a
// corrupt durable record fails at replay, not mid-execution.
func jobFromRecord(rec storage.Record) (*Job, error) {
	payload, err := ParsePayload(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("replaying job %s: %w", rec.ID, err)
	}
	return &Job{
		ID:        rec.ID,
		QueueType: rec.QueueType,
		Timestamp: time.UnixMilli(rec.Timestamp),
		Payload:   payload,
		done:      make(chan struct{}),
	}, nil
}
