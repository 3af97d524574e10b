package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relayq/crypto"
	"github.com/opd-ai/relayq/lane"
	"github.com/opd-ai/relayq/retry"
	"github.com/opd-ai/relayq/sender"
	"github.com/opd-ai/relayq/storage"
)

// QueueTypeConversation is the queue type for per-conversation sends.
const QueueTypeConversation = "conversation"

// FanOut is the device fan-out collaborator. Implemented by
// sender.Sender.
type FanOut interface {
	SendSync(ctx context.Context, msg *sender.Message) *sender.Result
}

// FailureHook persists user-visible failure state (mark the message or
// reaction as failed) before a terminal failure is surfaced, so failures
// survive process restart.
type FailureHook func(job *Job, err error)

// Config wires a ConversationQueue.
type Config struct {
	Store   storage.Store
	FanOut  FanOut
	Account string

	// MaxRetryDuration is the per-job wall-clock budget. Defaults to
	// retry.DefaultMaxDuration.
	MaxRetryDuration time.Duration
	// Ephemeral collapses the attempt count to 1 for tests and
	// throwaway environments.
	Ephemeral bool
	Clock     retry.Clock

	// MarkFailed is invoked at most once per job on terminal failure.
	MarkFailed FailureHook
}

// ConversationQueue is the caller-visible API: enqueue a typed payload,
// await its completion handle. Jobs for one conversation run strictly in
// submission order; unrelated conversations run in parallel.
type ConversationQueue struct {
	cfg    Config
	jobs   *JobQueue
	gate   *lane.Gate
	policy retry.Policy
}

// New validates cfg and builds the queue. Call Start exactly once before
// any Add.
func New(cfg Config) (*ConversationQueue, error) {
	if cfg.Store == nil {
		return nil, errors.New("durable store is required")
	}
	if cfg.FanOut == nil {
		return nil, errors.New("fan-out sender is required")
	}
	if cfg.Account == "" {
		return nil, errors.New("account is required")
	}

	policy := retry.NewPolicy(cfg.MaxRetryDuration, cfg.Ephemeral, cfg.Clock)
	return &ConversationQueue{
		cfg:    cfg,
		jobs:   NewJobQueue(cfg.Store),
		gate:   lane.NewGate(),
		policy: policy,
	}, nil
}

// Start begins streaming the conversation queue type: stored jobs replay
// first, then live inserts. Calling Start twice fails with
// ErrAlreadyStreaming without disturbing the first consumer.
func (q *ConversationQueue) Start(ctx context.Context) error {
	ch, err := q.jobs.Stream(ctx, QueueTypeConversation)
	if err != nil {
		return err
	}

	go func() {
		for job := range ch {
			q.dispatch(ctx, job)
		}
	}()
	return nil
}

// dispatch hands one job to its conversation's lane.
func (q *ConversationQueue) dispatch(ctx context.Context, job *Job) {
	l := q.gate.Get(job.Payload.ConversationID)
	if err := l.Enqueue(func() { q.runJob(ctx, job) }); err != nil {
		// Draining: fail fast instead of blocking shutdown.
		job.finish(err)
	}
}

// AddOption adjusts one Add call.
type AddOption func(*addOptions)

type addOptions struct {
	persist bool
	hook    func(*Job)
}

// WithoutPersistence enqueues the job in-memory only; it will not replay
// after a crash.
func WithoutPersistence() AddOption {
	return func(o *addOptions) { o.persist = false }
}

// WithInsertHook runs fn after the job is constructed and before it is
// enqueued, e.g. to link the job id to a message row in the same breath.
func WithInsertHook(fn func(*Job)) AddOption {
	return func(o *addOptions) { o.hook = fn }
}

// Add validates payload, persists a job for it (unless opted out), and
// queues it behind every earlier job for the same conversation. The
// returned job's completion handle resolves on terminal success and
// reports the final error on terminal failure.
func (q *ConversationQueue) Add(ctx context.Context, payload *Payload, opts ...AddOption) (*Job, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("rejecting payload at enqueue: %w", err)
	}

	options := addOptions{persist: true}
	for _, opt := range opts {
		opt(&options)
	}

	job := newJob(QueueTypeConversation, payload, q.policy.Clock.Now())
	if options.hook != nil {
		options.hook(job)
	}
	if err := q.jobs.Insert(ctx, job, options.persist); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"kind":         payload.Kind,
		"conversation": payload.ConversationID,
		"persisted":    options.persist,
	}).Debug("Job enqueued")
	return job, nil
}

// Shutdown drains every conversation lane, sharing one grace period,
// then stops the streams. New submissions fail fast once draining
// begins. Reports whether all in-flight work finished in time.
func (q *ConversationQueue) Shutdown(grace time.Duration) bool {
	drained := q.gate.DrainAll(grace)
	q.jobs.Close()
	return drained
}

// runJob drives one job through the retry/time-budget machinery to a
// terminal outcome and then removes its durable record.
func (q *ConversationQueue) runJob(ctx context.Context, job *Job) {
	err := q.policy.Run(ctx, job.Timestamp, func(ctx context.Context, rc retry.Context) error {
		return q.attempt(ctx, rc, job)
	})

	if err != nil {
		q.markFailed(job, err)
		logrus.WithFields(logrus.Fields{
			"job_id": job.ID,
			"error":  err,
		}).Warn("Job failed terminally")
	}

	// Terminal either way: the durable record must not replay again.
	if derr := q.jobs.Delete(context.Background(), job.ID); derr != nil {
		logrus.WithFields(logrus.Fields{
			"job_id": job.ID,
			"error":  derr,
		}).Error("Failed to delete durable job record")
	}
	job.finish(err)
}

// attempt performs one fan-out attempt and converts its partial results
// into the attempt loop's vocabulary.
func (q *ConversationQueue) attempt(ctx context.Context, rc retry.Context, job *Job) error {
	msg, err := buildMessage(q.cfg.Account, job)
	if err != nil {
		return retry.Permanent(err)
	}
	if len(msg.Recipients) == 0 {
		// Nothing to fan out to (e.g. a local-only delete with no linked
		// devices registered); trivially complete.
		return nil
	}

	res := q.cfg.FanOut.SendSync(ctx, msg)
	if q.sendSucceeded(msg, res) {
		if len(res.Errors) > 0 {
			logrus.WithFields(logrus.Fields{
				"job_id":     job.ID,
				"successful": len(res.SuccessfulIdentifiers),
				"failed":     len(res.Errors),
			}).Warn("Group send completed with partial failures")
		}
		return nil
	}

	// An identity change outranks transport failures: it is terminal for
	// the backoff machine and the caller must see it distinctly.
	for _, serr := range res.Errors {
		if crypto.IsUntrustedIdentity(serr) {
			q.markFailed(job, serr)
			return retry.Permanent(serr)
		}
	}

	return q.policy.HandleFailure(ctx, rc, retry.Failure{
		Errors:  res.Errors,
		Rethrow: res.Errors[0],
		MarkFailed: func() {
			q.markFailed(job, res.Errors[0])
		},
	})
}

// sendSucceeded applies the per-job-type completeness policy: a direct
// send (single recipient) requires that recipient to succeed; a group
// send counts as success once at least one recipient succeeded, with the
// remaining failures reported through the result.
func (q *ConversationQueue) sendSucceeded(msg *sender.Message, res *sender.Result) bool {
	total := len(msg.Recipients)
	ok := len(res.SuccessfulIdentifiers)
	if total == 1 {
		return ok == 1
	}
	return ok >= 1
}

// markFailed runs the failure hook at most once per job, before control
// returns, so the failure state is durable by the time callers see it.
func (q *ConversationQueue) markFailed(job *Job, err error) {
	job.failedOnce.Do(func() {
		if q.cfg.MarkFailed != nil {
			q.cfg.MarkFailed(job, err)
		}
	})
}

// buildMessage translates a job's payload into the fan-out sender's terms.
func buildMessage(account string, job *Job) (*sender.Message, error) {
	p := job.Payload
	plaintext, err := p.Plaintext()
	if err != nil {
		return nil, fmt.Errorf("encoding payload for encryption: %w", err)
	}

	msg := &sender.Message{
		Account:   account,
		Plaintext: plaintext,
		Timestamp: job.Timestamp,
		SyncType:  p.IsSyncType(),
		Sealed:    p.IsSealed(),
	}
	broadcast := p.IsBroadcast()
	for _, identifier := range p.RecipientIdentifiers() {
		msg.Recipients = append(msg.Recipients, sender.Recipient{
			Identifier: identifier,
			Broadcast:  broadcast,
		})
	}
	return msg, nil
}
