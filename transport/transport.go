// Package transport defines the network delivery contract for the message
// queue and the typed errors the rest of the system classifies on.
//
// The package does not implement HTTP plumbing itself; concrete clients
// implement [Transport] and return [StatusError] or [NetworkError] values
// so callers can decide between retrying, reconciling device lists, and
// giving up. [Harden] wraps any Transport with a client-side rate limiter
// and a circuit breaker.
package transport

import (
	"context"
	"time"
)

// EnvelopeType discriminates how an envelope's content was produced.
type EnvelopeType uint8

const (
	// EnvelopeCiphertext is a session-encrypted message for one device.
	EnvelopeCiphertext EnvelopeType = iota + 1
	// EnvelopeSealed hides the sender identity from the server.
	EnvelopeSealed
	// EnvelopePlain carries unencrypted content for broadcast targets.
	EnvelopePlain
)

// Envelope is one transport-ready unit addressed to a single device.
type Envelope struct {
	Type              EnvelopeType `json:"type"`
	DestinationDevice uint32       `json:"destinationDevice"`
	Content           []byte       `json:"content"`
}

// Result is the structured outcome of a successful envelope submission.
type Result struct {
	// MessageGUID is the server-assigned identifier for the message.
	MessageGUID string
	// NeedsSync reports whether the server asked for a companion sync send.
	NeedsSync bool
}

// Transport submits envelopes for one recipient identifier.
//
// Implementations must return a *StatusError for structured server
// refusals and a *NetworkError for connectivity failures, and must be
// safe for concurrent use.
type Transport interface {
	SendEnvelopes(ctx context.Context, identifier string, envelopes []Envelope, timestamp time.Time, online bool) (*Result, error)
}
