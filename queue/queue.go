// Package queue implements the durable, per-conversation job queue at
// the heart of the delivery pipeline.
//
// JobQueue provides the generic contract: insert, replay-before-live
// streaming, and deletion of durable records. ConversationQueue layers
// the caller-visible API on top: typed payloads, per-conversation
// serialization, the retry/time-budget machinery, and device fan-out.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relayq/storage"
)

var (
	// ErrNotStreaming means Insert was called before Stream for the
	// job's queue type: there is no lane to queue into.
	ErrNotStreaming = errors.New("queue type is not streaming")
	// ErrAlreadyStreaming means Stream was called twice for one queue
	// type. At most one active consumer per type is an invariant.
	ErrAlreadyStreaming = errors.New("queue type is already streaming")
)

// JobQueue owns the durable store and the per-queue-type streams. The
// store is the single source of truth for which jobs exist; streams and
// lanes are a derived, rebuildable cache.
type JobQueue struct {
	store storage.Store

	mu      sync.Mutex
	streams map[string]*stream
}

// NewJobQueue builds a queue over the given durable store.
func NewJobQueue(store storage.Store) *JobQueue {
	return &JobQueue{
		store:   store,
		streams: make(map[string]*stream),
	}
}

// Stream starts the single consumer for queueType. Every job already
// durably stored for the type is yielded, in stored order, strictly
// before any job inserted after this call returns. The channel stays
// open, yielding live inserts, until Close.
func (q *JobQueue) Stream(ctx context.Context, queueType string) (<-chan *Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.streams[queueType]; ok {
		return nil, ErrAlreadyStreaming
	}

	// Fetched under the lock: Insert cannot interleave a live job ahead
	// of the replayed ones.
	records, err := q.store.GetJobsInQueue(ctx, queueType)
	if err != nil {
		return nil, err
	}

	st := newStream()
	replayed := 0
	for _, rec := range records {
		job, err := jobFromRecord(rec)
		if err != nil {
			// A corrupt record can never execute; drop it rather than
			// replaying it forever.
			logrus.WithFields(logrus.Fields{
				"job_id": rec.ID,
				"error":  err,
			}).Error("Dropping corrupt durable job record")
			_ = q.store.DeleteJob(ctx, rec.ID)
			continue
		}
		st.push(job)
		replayed++
	}
	q.streams[queueType] = st
	go st.pump()

	logrus.WithFields(logrus.Fields{
		"queue_type": queueType,
		"replayed":   replayed,
	}).Info("Queue streaming started")
	return st.out, nil
}

// Insert queues a job for execution, optionally persisting it first.
// Fails with ErrNotStreaming when no consumer has started streaming the
// job's queue type.
func (q *JobQueue) Insert(ctx context.Context, job *Job, persist bool) error {
	q.mu.Lock()
	st, ok := q.streams[job.QueueType]
	q.mu.Unlock()
	if !ok {
		return ErrNotStreaming
	}

	if persist {
		rec, err := job.record()
		if err != nil {
			return err
		}
		if err := q.store.InsertJob(ctx, rec); err != nil {
			return err
		}
	}

	st.push(job)
	return nil
}

// Delete removes a job's durable record. In-flight in-memory work is
// unaffected.
func (q *JobQueue) Delete(ctx context.Context, id string) error {
	err := q.store.DeleteJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		// Unpersisted jobs have no record; deletion is a no-op.
		return nil
	}
	return err
}

// Close stops every stream. Jobs still queued in-memory are dropped;
// persisted ones replay on the next Stream.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for queueType, st := range q.streams {
		st.close()
		delete(q.streams, queueType)
	}
}

// stream is the unbounded FIFO between Insert and one consumer.
type stream struct {
	mu      sync.Mutex
	pending []*Job

	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	out      chan *Job
}

func newStream() *stream {
	return &stream{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan *Job),
	}
}

func (st *stream) push(job *Job) {
	st.mu.Lock()
	st.pending = append(st.pending, job)
	st.mu.Unlock()
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

func (st *stream) close() {
	st.stopOnce.Do(func() { close(st.stop) })
}

// pump feeds the consumer one job at a time in FIFO order.
func (st *stream) pump() {
	defer close(st.out)
	for {
		st.mu.Lock()
		var job *Job
		if len(st.pending) > 0 {
			job = st.pending[0]
			st.pending = st.pending[1:]
		}
		st.mu.Unlock()

		if job == nil {
			select {
			case <-st.notify:
				continue
			case <-st.stop:
				return
			}
		}

		select {
		case st.out <- job:
		case <-st.stop:
			return
		}
	}
}
