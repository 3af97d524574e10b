package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// Nonce is a 24-byte value used for box encryption.
type Nonce [24]byte

// MaxPlaintextSize bounds a single sealed plaintext (1MB).
const MaxPlaintextSize = 1024 * 1024

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// Encrypt seals message for recipientPK using authenticated encryption.
func Encrypt(message []byte, nonce Nonce, recipientPK [32]byte, senderSK [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if len(message) > MaxPlaintextSize {
		return nil, errors.New("message too large")
	}

	return box.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&recipientPK), (*[32]byte)(&senderSK)), nil
}

// Decrypt opens a box sealed by Encrypt.
func Decrypt(ciphertext []byte, nonce Nonce, senderPK [32]byte, recipientSK [32]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	plaintext, ok := box.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&senderPK), (*[32]byte)(&recipientSK))
	if !ok {
		return nil, errors.New("decryption failed")
	}
	return plaintext, nil
}

// EncryptAnonymous seals message for recipientPK without revealing the
// sender identity. Used for the sealed delivery path.
func EncryptAnonymous(message []byte, recipientPK [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if len(message) > MaxPlaintextSize {
		return nil, errors.New("message too large")
	}

	return box.SealAnonymous(nil, message, (*[32]byte)(&recipientPK), rand.Reader)
}

// DecryptAnonymous opens a sealed anonymous box.
func DecryptAnonymous(ciphertext []byte, recipient *KeyPair) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	plaintext, ok := box.OpenAnonymous(nil, ciphertext, (*[32]byte)(&recipient.Public), (*[32]byte)(&recipient.Private))
	if !ok {
		return nil, errors.New("decryption failed")
	}
	return plaintext, nil
}
