// Package crypto implements the cryptographic collaborators of the
// delivery pipeline: identity key pairs, per-device session state, and a
// NaCl box sealer that turns plaintexts into transport envelopes.
//
// The package deliberately stops at sealing. Session establishment and
// ratchet negotiation happen elsewhere; the pipeline only needs sessions
// to exist, to be archivable, and to fail in distinguishable ways.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Identity key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents a NaCl crypto_box key pair identifying one account
// or device.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey reconstructs a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	var zero [32]byte
	if secretKey == zero {
		return nil, errors.New("zero private key")
	}

	var publicKey [32]byte
	curve25519.ScalarBaseMult(&publicKey, &secretKey)

	return &KeyPair{
		Public:  publicKey,
		Private: secretKey,
	}, nil
}
