// Package relayq wires the delivery pipeline together: durable job
// storage, per-conversation serialization, the retry/time-budget
// machinery, NaCl box encryption, and the device fan-out sender.
//
// Example:
//
//	opts := relayq.NewOptions("alice", myTransport, myResolver)
//	opts.StorePath = "/var/lib/app/jobs.db"
//
//	client, err := relayq.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(5 * time.Second)
//
//	job, err := client.Send(ctx, &queue.Payload{
//	    Kind:           queue.KindNormalMessage,
//	    ConversationID: "c-42",
//	    NormalMessage:  &queue.NormalMessage{MessageID: "m-1", Body: "hi", Recipients: []string{"bob"}},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := job.Wait(ctx); err != nil {
//	    log.Printf("delivery failed: %v", err)
//	}
package relayq

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relayq/crypto"
	"github.com/opd-ai/relayq/queue"
	"github.com/opd-ai/relayq/retry"
	"github.com/opd-ai/relayq/sender"
	"github.com/opd-ai/relayq/storage"
	"github.com/opd-ai/relayq/transport"
)

// Options configures a Client.
type Options struct {
	// Account is the local sending identity.
	Account string
	// Transport submits envelopes to the server. Required.
	Transport transport.Transport
	// Resolver supplies and maintains per-recipient device lists. Required.
	Resolver sender.DeviceResolver

	// StorePath is the SQLite file backing the durable job store. Empty
	// selects the in-memory store: jobs will not survive a restart.
	StorePath string
	// Identity is the account's key pair. Generated when nil.
	Identity *crypto.KeyPair

	// MaxRetryDuration bounds how long one job may keep retrying.
	// Defaults to retry.DefaultMaxDuration.
	MaxRetryDuration time.Duration
	// Ephemeral collapses the retry machinery to a single attempt.
	Ephemeral bool
	// Clock overrides wall-clock time, for tests.
	Clock retry.Clock

	// Harden, when non-nil, wraps Transport in the circuit-breaker and
	// rate-limiter decorator.
	Harden *transport.HardenConfig

	// MarkFailed persists user-visible failure state before a terminal
	// failure surfaces. Optional.
	MarkFailed queue.FailureHook
}

// NewOptions returns Options with the required collaborators set and
// everything else at its default.
func NewOptions(account string, t transport.Transport, r sender.DeviceResolver) Options {
	return Options{Account: account, Transport: t, Resolver: r}
}

// Client is the assembled delivery pipeline. Create with New, then call
// Start exactly once before any Send.
type Client struct {
	opts     Options
	identity *crypto.KeyPair
	store    storage.Store
	sessions *crypto.SessionStore
	sealer   *crypto.BoxSealer
	fanOut   *sender.Sender
	queue    *queue.ConversationQueue
}

// New assembles a client from opts. It opens (or creates) the durable
// store but does not start streaming; stored jobs replay when Start runs.
func New(opts Options) (*Client, error) {
	if opts.Account == "" {
		return nil, errors.New("account is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("device resolver is required")
	}

	identity := opts.Identity
	if identity == nil {
		var err error
		identity, err = crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
	}

	var store storage.Store
	if opts.StorePath != "" {
		s, err := storage.OpenSQLite(opts.StorePath)
		if err != nil {
			return nil, err
		}
		store = s
	} else {
		store = storage.NewMemoryStore()
	}

	t := opts.Transport
	if opts.Harden != nil {
		t = transport.Harden(t, *opts.Harden)
	}

	sessions := crypto.NewSessionStore()
	sealer := crypto.NewBoxSealer(sessions)
	sealer.RegisterAccount(opts.Account, identity)

	fanOut, err := sender.New(sender.Config{
		Resolver:  opts.Resolver,
		Sealer:    sealer,
		Archiver:  sessions,
		Transport: t,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	q, err := queue.New(queue.Config{
		Store:            store,
		FanOut:           fanOut,
		Account:          opts.Account,
		MaxRetryDuration: opts.MaxRetryDuration,
		Ephemeral:        opts.Ephemeral,
		Clock:            opts.Clock,
		MarkFailed:       opts.MarkFailed,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"account":   opts.Account,
		"durable":   opts.StorePath != "",
		"ephemeral": opts.Ephemeral,
	}).Info("Delivery client assembled")

	return &Client{
		opts:     opts,
		identity: identity,
		store:    store,
		sessions: sessions,
		sealer:   sealer,
		fanOut:   fanOut,
		queue:    q,
	}, nil
}

// Start begins processing: jobs persisted by a previous run replay first,
// then live submissions.
func (c *Client) Start(ctx context.Context) error {
	return c.queue.Start(ctx)
}

// Send enqueues one payload on its conversation's lane and returns the
// job's completion handle.
func (c *Client) Send(ctx context.Context, payload *queue.Payload, opts ...queue.AddOption) (*queue.Job, error) {
	return c.queue.Add(ctx, payload, opts...)
}

// Identity returns the account's key pair.
func (c *Client) Identity() *crypto.KeyPair { return c.identity }

// Sessions exposes the session store so callers can establish sessions
// and manage identity trust.
func (c *Client) Sessions() *crypto.SessionStore { return c.sessions }

// Stop drains in-flight work within grace, stops the stream, and closes
// the durable store. Reports whether everything finished in time.
func (c *Client) Stop(grace time.Duration) bool {
	drained := c.queue.Shutdown(grace)
	if err := c.store.Close(); err != nil {
		logrus.WithError(err).Error("Failed to close durable store")
	}
	return drained
}
