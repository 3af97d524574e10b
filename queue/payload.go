package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the conversation queue's payload union.
type Kind string

const (
	KindNormalMessage        Kind = "normal-message"
	KindReaction             Kind = "reaction"
	KindReceipts             Kind = "receipts"
	KindDeleteForEveryone    Kind = "delete-for-everyone"
	KindDeleteForOnlyMe      Kind = "delete-for-only-me"
	KindGroupUpdate          Kind = "group-update"
	KindResendRequest        Kind = "resend-request"
	KindTokenRequestResponse Kind = "token-request-response"
)

// NormalMessage is an outgoing chat message.
type NormalMessage struct {
	MessageID  string   `json:"messageId"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
	// Sealed requests sender-hidden delivery.
	Sealed bool `json:"sealed,omitempty"`
	// Broadcast addresses a public target by one logical identifier
	// instead of per-device fan-out.
	Broadcast bool `json:"broadcast,omitempty"`
}

// Reaction adds or removes an emoji reaction on an earlier message.
type Reaction struct {
	MessageID       string   `json:"messageId"`
	Emoji           string   `json:"emoji"`
	TargetTimestamp int64    `json:"targetTimestamp"`
	Remove          bool     `json:"remove,omitempty"`
	Recipients      []string `json:"recipients"`
}

// Receipts reports read/delivery/viewed state for a batch of messages.
// Receipts are best-effort sync sends.
type Receipts struct {
	ReceiptType string   `json:"receiptType"`
	Timestamps  []int64  `json:"timestamps"`
	Recipients  []string `json:"recipients"`
}

// DeleteForEveryone asks every recipient to delete a message.
type DeleteForEveryone struct {
	TargetTimestamp int64    `json:"targetTimestamp"`
	Recipients      []string `json:"recipients"`
}

// DeleteForOnlyMe syncs a local-only deletion to the account's own
// devices. Best-effort.
type DeleteForOnlyMe struct {
	TargetTimestamp int64 `json:"targetTimestamp"`
}

// GroupUpdate distributes new group state to the membership.
type GroupUpdate struct {
	GroupID    string   `json:"groupId"`
	UpdateData []byte   `json:"updateData"`
	Recipients []string `json:"recipients"`
}

// ResendRequest asks one sender to re-transmit an undecryptable message.
type ResendRequest struct {
	TargetTimestamp int64  `json:"targetTimestamp"`
	Recipient       string `json:"recipient"`
}

// TokenRequestResponse answers a group-join token request.
type TokenRequestResponse struct {
	Token     []byte `json:"token"`
	Recipient string `json:"recipient"`
}

// Payload is the tagged union carried by a conversation job. Exactly the
// variant named by Kind is populated.
type Payload struct {
	Kind           Kind   `json:"kind"`
	ConversationID string `json:"conversationId"`

	NormalMessage        *NormalMessage        `json:"normalMessage,omitempty"`
	Reaction             *Reaction             `json:"reaction,omitempty"`
	Receipts             *Receipts             `json:"receipts,omitempty"`
	DeleteForEveryone    *DeleteForEveryone    `json:"deleteForEveryone,omitempty"`
	DeleteForOnlyMe      *DeleteForOnlyMe      `json:"deleteForOnlyMe,omitempty"`
	GroupUpdate          *GroupUpdate          `json:"groupUpdate,omitempty"`
	ResendRequest        *ResendRequest        `json:"resendRequest,omitempty"`
	TokenRequestResponse *TokenRequestResponse `json:"tokenRequestResponse,omitempty"`
}

// ParsePayload decodes and validates a raw payload. Invalid payloads fail
// here, at enqueue or replay time, never during execution.
func ParsePayload(raw json.RawMessage) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the union invariant: a known kind, a conversation id,
// and exactly the matching variant populated.
func (p *Payload) Validate() error {
	if p == nil {
		return errors.New("nil payload")
	}
	if p.ConversationID == "" {
		return errors.New("payload missing conversationId")
	}

	variant, ok := p.variant()
	if !ok {
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	if variant == nil {
		return fmt.Errorf("payload kind %q missing its %q variant", p.Kind, p.Kind)
	}
	if n := p.populatedCount(); n != 1 {
		return fmt.Errorf("payload must populate exactly one variant, found %d", n)
	}
	return nil
}

// variant returns the field matching Kind (nil when unpopulated) and
// whether the kind is known at all.
func (p *Payload) variant() (interface{}, bool) {
	switch p.Kind {
	case KindNormalMessage:
		if p.NormalMessage == nil {
			return nil, true
		}
		return p.NormalMessage, true
	case KindReaction:
		if p.Reaction == nil {
			return nil, true
		}
		return p.Reaction, true
	case KindReceipts:
		if p.Receipts == nil {
			return nil, true
		}
		return p.Receipts, true
	case KindDeleteForEveryone:
		if p.DeleteForEveryone == nil {
			return nil, true
		}
		return p.DeleteForEveryone, true
	case KindDeleteForOnlyMe:
		if p.DeleteForOnlyMe == nil {
			return nil, true
		}
		return p.DeleteForOnlyMe, true
	case KindGroupUpdate:
		if p.GroupUpdate == nil {
			return nil, true
		}
		return p.GroupUpdate, true
	case KindResendRequest:
		if p.ResendRequest == nil {
			return nil, true
		}
		return p.ResendRequest, true
	case KindTokenRequestResponse:
		if p.TokenRequestResponse == nil {
			return nil, true
		}
		return p.TokenRequestResponse, true
	}
	return nil, false
}

func (p *Payload) populatedCount() int {
	n := 0
	for _, v := range []bool{
		p.NormalMessage != nil,
		p.Reaction != nil,
		p.Receipts != nil,
		p.DeleteForEveryone != nil,
		p.DeleteForOnlyMe != nil,
		p.GroupUpdate != nil,
		p.ResendRequest != nil,
		p.TokenRequestResponse != nil,
	} {
		if v {
			n++
		}
	}
	return n
}

// RecipientIdentifiers returns the logical addressees of this payload.
// DeleteForOnlyMe has none: it fans out to the account's own devices via
// the sync path.
func (p *Payload) RecipientIdentifiers() []string {
	switch p.Kind {
	case KindNormalMessage:
		return p.NormalMessage.Recipients
	case KindReaction:
		return p.Reaction.Recipients
	case KindReceipts:
		return p.Receipts.Recipients
	case KindDeleteForEveryone:
		return p.DeleteForEveryone.Recipients
	case KindGroupUpdate:
		return p.GroupUpdate.Recipients
	case KindResendRequest:
		return []string{p.ResendRequest.Recipient}
	case KindTokenRequestResponse:
		return []string{p.TokenRequestResponse.Recipient}
	}
	return nil
}

// IsSyncType reports whether this payload is a best-effort sync send: a
// recipient with no devices counts as complete rather than failed.
func (p *Payload) IsSyncType() bool {
	return p.Kind == KindReceipts || p.Kind == KindDeleteForOnlyMe
}

// IsBroadcast reports whether the payload addresses a broadcast target.
func (p *Payload) IsBroadcast() bool {
	return p.Kind == KindNormalMessage && p.NormalMessage.Broadcast
}

// IsSealed reports whether sender-hidden delivery was requested.
func (p *Payload) IsSealed() bool {
	return p.Kind == KindNormalMessage && p.NormalMessage.Sealed
}

// Plaintext serializes the payload content for encryption. The
// conversation id stays local; receivers derive it from their own state.
func (p *Payload) Plaintext() ([]byte, error) {
	shadow := *p
	shadow.ConversationID = ""
	return json.Marshal(&shadow)
}
