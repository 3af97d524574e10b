// Package sender implements the device fan-out layer: it expands one
// logical send into per-recipient, per-device encrypted transmissions,
// reconciles device-list drift against the server, and aggregates the
// partial results into a single completion callback.
//
// The sender is the only component allowed to mutate session state.
package sender

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relayq/lane"
	"github.com/opd-ai/relayq/transport"
)

// reconcileDepth bounds the 409/410 reconciliation recursion: one refresh
// and one retry, never more, so a server stuck on conflict answers cannot
// ping-pong forever.
const reconcileDepth = 1

// DeviceResolver supplies and maintains the device list for a recipient.
type DeviceResolver interface {
	// Devices returns the known device ids for identifier, consulting a
	// cache or the network.
	Devices(ctx context.Context, identifier string) ([]uint32, error)
	// RemoveDevices drops device ids the server reported as extra (409).
	RemoveDevices(ctx context.Context, identifier string, devices []uint32) error
	// RefreshKeys re-fetches keys and re-establishes sessions for exactly
	// the given devices (410).
	RefreshKeys(ctx context.Context, identifier string, devices []uint32) error
}

// Sealer encrypts one plaintext for one device. Implemented by
// crypto.BoxSealer.
type Sealer interface {
	Seal(account, identifier string, device uint32, plaintext []byte, sealed bool) (transport.Envelope, error)
}

// SessionArchiver retires sessions for stale devices. Implemented by
// crypto.SessionStore.
type SessionArchiver interface {
	Archive(account, identifier string, device uint32)
}

// Recipient is one logical addressee of a message.
type Recipient struct {
	Identifier string
	// Broadcast targets skip device resolution and encryption entirely
	// and get a single direct transmission.
	Broadcast bool
}

// Message is one logical send before fan-out.
type Message struct {
	Account    string
	Plaintext  []byte
	Timestamp  time.Time
	Recipients []Recipient
	// SyncType marks best-effort sync messages: a recipient with no
	// devices counts as complete instead of failing.
	SyncType bool
	// Online requests online-only delivery semantics from the transport.
	Online bool
	// Sealed asks for sender-hidden delivery first, falling back to the
	// identified path (and recording the failover) if the server rejects
	// the sealed attempt.
	Sealed bool
}

// Result aggregates one logical send across all recipients.
type Result struct {
	// SuccessfulIdentifiers lists recipients whose fan-out completed.
	SuccessfulIdentifiers []string
	// FailoverIdentifiers lists recipients whose send degraded to a less
	// private path before succeeding.
	FailoverIdentifiers []string
	// Errors collects per-recipient failures; a send to many recipients
	// can partially fail.
	Errors []error
	// MessageGUID echoes the server-assigned message id, when available.
	MessageGUID string
}

// Config wires the sender's collaborators.
type Config struct {
	Resolver  DeviceResolver
	Sealer    Sealer
	Archiver  SessionArchiver
	Transport transport.Transport
}

// Sender fans logical sends out to devices. Safe for concurrent use; all
// units for one (account, recipient, device) triple are serialized on a
// dedicated lane so session state is never mutated concurrently.
type Sender struct {
	cfg     Config
	devices *lane.Gate
}

// New validates the collaborators and builds a sender.
func New(cfg Config) (*Sender, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("device resolver is required")
	}
	if cfg.Sealer == nil {
		return nil, errors.New("sealer is required")
	}
	if cfg.Archiver == nil {
		return nil, errors.New("session archiver is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	return &Sender{cfg: cfg, devices: lane.NewGate()}, nil
}

// recipientOutcome is one identifier's terminal state.
type recipientOutcome struct {
	identifier string
	err        error
	failover   bool
	guid       string
}

// Send fans msg out to every recipient and invokes done exactly once,
// when each recipient identifier (not each device) has reached a
// terminal state.
func (s *Sender) Send(ctx context.Context, msg *Message, done func(*Result)) {
	recipients := msg.Recipients
	outcomes := make(chan recipientOutcome, len(recipients))

	for _, rcpt := range recipients {
		go func(rcpt Recipient) {
			outcomes <- s.sendToRecipient(ctx, msg, rcpt)
		}(rcpt)
	}

	// Single collector goroutine: the completion callback fires exactly
	// once, structurally, when the counter reaches the recipient count.
	go func() {
		result := &Result{}
		for i := 0; i < len(recipients); i++ {
			out := <-outcomes
			if out.err != nil {
				result.Errors = append(result.Errors, out.err)
				continue
			}
			result.SuccessfulIdentifiers = append(result.SuccessfulIdentifiers, out.identifier)
			if out.failover {
				result.FailoverIdentifiers = append(result.FailoverIdentifiers, out.identifier)
			}
			if result.MessageGUID == "" && out.guid != "" {
				result.MessageGUID = out.guid
			}
		}
		logrus.WithFields(logrus.Fields{
			"recipients": len(recipients),
			"successful": len(result.SuccessfulIdentifiers),
			"failed":     len(result.Errors),
		}).Debug("Fan-out complete")
		done(result)
	}()
}

// SendSync is Send with a blocking wait for the aggregated result.
func (s *Sender) SendSync(ctx context.Context, msg *Message) *Result {
	ch := make(chan *Result, 1)
	s.Send(ctx, msg, func(r *Result) { ch <- r })
	return <-ch
}

func (s *Sender) sendToRecipient(ctx context.Context, msg *Message, rcpt Recipient) recipientOutcome {
	if rcpt.Broadcast {
		return s.sendBroadcast(ctx, msg, rcpt.Identifier)
	}
	return s.sendToDevices(ctx, msg, rcpt.Identifier, reconcileDepth, msg.Sealed)
}

// sendBroadcast performs the single direct transmission for a broadcast
// target. It still participates in the completion-counting contract.
func (s *Sender) sendBroadcast(ctx context.Context, msg *Message, identifier string) recipientOutcome {
	envelopes := []transport.Envelope{{
		Type:    transport.EnvelopePlain,
		Content: msg.Plaintext,
	}}
	res, err := s.cfg.Transport.SendEnvelopes(ctx, identifier, envelopes, msg.Timestamp, msg.Online)
	if err != nil {
		return recipientOutcome{identifier: identifier, err: &SendError{Identifier: identifier, Err: err}}
	}
	out := recipientOutcome{identifier: identifier}
	if res != nil {
		out.guid = res.MessageGUID
	}
	return out
}
