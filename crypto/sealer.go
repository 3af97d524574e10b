package crypto

import (
	"fmt"
	"sync"

	"github.com/opd-ai/relayq/transport"
)

// BoxSealer encrypts plaintexts for individual remote devices using the
// sessions held in a SessionStore. It implements the sealer collaborator
// the device fan-out sender depends on.
type BoxSealer struct {
	mu       sync.RWMutex
	accounts map[string]*KeyPair
	sessions *SessionStore
}

// NewBoxSealer creates a sealer over the given session store.
func NewBoxSealer(sessions *SessionStore) *BoxSealer {
	return &BoxSealer{
		accounts: make(map[string]*KeyPair),
		sessions: sessions,
	}
}

// RegisterAccount associates a sending account with its identity keys.
func (b *BoxSealer) RegisterAccount(account string, keys *KeyPair) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[account] = keys
}

// Sessions exposes the underlying session store.
func (b *BoxSealer) Sessions() *SessionStore { return b.sessions }

// Seal encrypts plaintext for one (identifier, device) pair and returns a
// transport-ready envelope. When sealed is true the envelope hides the
// sender identity (anonymous box); otherwise it is an authenticated box
// with the nonce prepended to the ciphertext.
//
// Fails with ErrNoSession when no session exists for the device and with
// UntrustedIdentityError when the recipient's identity key changed.
func (b *BoxSealer) Seal(account, identifier string, device uint32, plaintext []byte, sealed bool) (transport.Envelope, error) {
	b.mu.RLock()
	keys, ok := b.accounts[account]
	b.mu.RUnlock()
	if !ok {
		return transport.Envelope{}, fmt.Errorf("unknown account %q", account)
	}

	sess, err := b.sessions.Lookup(account, identifier, device)
	if err != nil {
		return transport.Envelope{}, err
	}

	if sealed {
		content, err := EncryptAnonymous(plaintext, sess.RemoteKey)
		if err != nil {
			return transport.Envelope{}, fmt.Errorf("sealed encryption failed: %w", err)
		}
		return transport.Envelope{
			Type:              transport.EnvelopeSealed,
			DestinationDevice: device,
			Content:           content,
		}, nil
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return transport.Envelope{}, fmt.Errorf("nonce generation failed: %w", err)
	}
	ciphertext, err := Encrypt(plaintext, nonce, sess.RemoteKey, keys.Private)
	if err != nil {
		return transport.Envelope{}, fmt.Errorf("encryption failed: %w", err)
	}

	content := make([]byte, 0, len(nonce)+len(ciphertext))
	content = append(content, nonce[:]...)
	content = append(content, ciphertext...)
	return transport.Envelope{
		Type:              transport.EnvelopeCiphertext,
		DestinationDevice: device,
		Content:           content,
	}, nil
}
