package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relayq/transport"
)

func TestBoxRoundTrip(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	nonce, err := GenerateNonce()
	require.NoError(t, err)

	plaintext := []byte("hello, device 2")
	ciphertext, err := Encrypt(plaintext, nonce, bob.Public, alice.Private)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	opened, err := Decrypt(ciphertext, nonce, alice.Public, bob.Private)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestAnonymousBoxRoundTrip(t *testing.T) {
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte("sealed content")
	ciphertext, err := EncryptAnonymous(plaintext, bob.Public)
	require.NoError(t, err)

	opened, err := DecryptAnonymous(ciphertext, bob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestFromSecretKeyDerivesMatchingPublic(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	rebuilt, err := FromSecretKey(keys.Private)
	require.NoError(t, err)
	assert.Equal(t, keys.Public, rebuilt.Public)
}

func TestSessionLifecycle(t *testing.T) {
	store := NewSessionStore()
	remote, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = store.Lookup("acct", "recipient-1", 1)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.False(t, store.Has("acct", "recipient-1", 1))

	require.NoError(t, store.Establish("acct", "recipient-1", 1, remote.Public))
	assert.True(t, store.Has("acct", "recipient-1", 1))

	store.Archive("acct", "recipient-1", 1)
	_, err = store.Lookup("acct", "recipient-1", 1)
	assert.ErrorIs(t, err, ErrNoSession)

	// Re-establishing after archive works with the same identity key.
	require.NoError(t, store.Establish("acct", "recipient-1", 1, remote.Public))
	assert.True(t, store.Has("acct", "recipient-1", 1))
}

func TestArchiveAll(t *testing.T) {
	store := NewSessionStore()
	remote, err := GenerateKeyPair()
	require.NoError(t, err)

	for _, device := range []uint32{1, 2, 3} {
		require.NoError(t, store.Establish("acct", "recipient-1", device, remote.Public))
	}
	store.ArchiveAll("acct", "recipient-1")

	for _, device := range []uint32{1, 2, 3} {
		assert.False(t, store.Has("acct", "recipient-1", device))
	}
}

func TestIdentityKeyPinning(t *testing.T) {
	store := NewSessionStore()
	first, err := GenerateKeyPair()
	require.NoError(t, err)
	second, err := GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, store.Establish("acct", "recipient-1", 1, first.Public))

	err = store.Establish("acct", "recipient-1", 2, second.Public)
	require.Error(t, err)
	assert.True(t, IsUntrustedIdentity(err))

	// After explicit re-verification the new key is accepted and the old
	// sessions are archived.
	store.TrustIdentity("acct", "recipient-1", second.Public)
	assert.False(t, store.Has("acct", "recipient-1", 1))
	require.NoError(t, store.Establish("acct", "recipient-1", 2, second.Public))
	assert.True(t, store.Has("acct", "recipient-1", 2))
}

func TestSealerProducesOpenableEnvelopes(t *testing.T) {
	account, err := GenerateKeyPair()
	require.NoError(t, err)
	device, err := GenerateKeyPair()
	require.NoError(t, err)

	store := NewSessionStore()
	require.NoError(t, store.Establish("acct", "recipient-1", 1, device.Public))

	sealer := NewBoxSealer(store)
	sealer.RegisterAccount("acct", account)

	env, err := sealer.Seal("acct", "recipient-1", 1, []byte("payload"), false)
	require.NoError(t, err)
	assert.Equal(t, transport.EnvelopeCiphertext, env.Type)
	assert.Equal(t, uint32(1), env.DestinationDevice)

	var nonce Nonce
	copy(nonce[:], env.Content[:24])
	opened, err := Decrypt(env.Content[24:], nonce, account.Public, device.Private)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), opened)
}

func TestSealerSealedMode(t *testing.T) {
	account, err := GenerateKeyPair()
	require.NoError(t, err)
	device, err := GenerateKeyPair()
	require.NoError(t, err)

	store := NewSessionStore()
	require.NoError(t, store.Establish("acct", "recipient-1", 1, device.Public))

	sealer := NewBoxSealer(store)
	sealer.RegisterAccount("acct", account)

	env, err := sealer.Seal("acct", "recipient-1", 1, []byte("secret"), true)
	require.NoError(t, err)
	assert.Equal(t, transport.EnvelopeSealed, env.Type)

	opened, err := DecryptAnonymous(env.Content, device)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), opened)
}

func TestSealerFailsWithoutSession(t *testing.T) {
	account, err := GenerateKeyPair()
	require.NoError(t, err)

	sealer := NewBoxSealer(NewSessionStore())
	sealer.RegisterAccount("acct", account)

	_, err = sealer.Seal("acct", "recipient-1", 1, []byte("payload"), false)
	assert.ErrorIs(t, err, ErrNoSession)
}
