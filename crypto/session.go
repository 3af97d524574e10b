package crypto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoSession is returned when sealing is attempted for a device that
// has no active session.
var ErrNoSession = errors.New("no active session")

// UntrustedIdentityError reports that a recipient's identity key differs
// from the one pinned at first contact. It is never retried by the
// delivery pipeline; the caller must re-establish trust explicitly.
type UntrustedIdentityError struct {
	Identifier string
	Key        [32]byte
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("untrusted identity for %s", e.Identifier)
}

// IsUntrustedIdentity reports whether err is an identity-key-change error.
func IsUntrustedIdentity(err error) bool {
	var ue *UntrustedIdentityError
	return errors.As(err, &ue)
}

// Session is the per-device encryption state for one remote device.
type Session struct {
	RemoteKey   [32]byte
	Established time.Time
	archived    bool
}

type sessionKey struct {
	account    string
	identifier string
	device     uint32
}

// SessionStore tracks per-device sessions and pins recipient identity
// keys on first contact. Safe for concurrent use.
type SessionStore struct {
	mu         sync.RWMutex
	sessions   map[sessionKey]*Session
	identities map[string][32]byte
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:   make(map[sessionKey]*Session),
		identities: make(map[string][32]byte),
	}
}

// Establish records an active session with one remote device. The first
// session for an identifier pins its identity key; establishing a session
// with a different key afterwards fails with UntrustedIdentityError until
// TrustIdentity is called.
func (s *SessionStore) Establish(account, identifier string, device uint32, remoteKey [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pinned, ok := s.identities[identifier]; ok && pinned != remoteKey {
		return &UntrustedIdentityError{Identifier: identifier, Key: remoteKey}
	}
	s.identities[identifier] = remoteKey
	s.sessions[sessionKey{account, identifier, device}] = &Session{
		RemoteKey:   remoteKey,
		Established: time.Now(),
	}

	logrus.WithFields(logrus.Fields{
		"identifier": identifier,
		"device":     device,
	}).Debug("Session established")
	return nil
}

// Lookup returns the active session for one device, or ErrNoSession.
// A recipient whose pinned identity no longer matches the session key
// surfaces as UntrustedIdentityError.
func (s *SessionStore) Lookup(account, identifier string, device uint32) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionKey{account, identifier, device}]
	if !ok || sess.archived {
		return nil, ErrNoSession
	}
	if pinned, ok := s.identities[identifier]; ok && pinned != sess.RemoteKey {
		return nil, &UntrustedIdentityError{Identifier: identifier, Key: sess.RemoteKey}
	}
	return sess, nil
}

// Has reports whether an active session exists for one device.
func (s *SessionStore) Has(account, identifier string, device uint32) bool {
	_, err := s.Lookup(account, identifier, device)
	return err == nil
}

// Archive retires the session for one device. Archived sessions behave
// like missing ones; a later Establish replaces them.
func (s *SessionStore) Archive(account, identifier string, device uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionKey{account, identifier, device}]; ok {
		sess.archived = true
		logrus.WithFields(logrus.Fields{
			"identifier": identifier,
			"device":     device,
		}).Info("Session archived")
	}
}

// ArchiveAll retires every session for a recipient identifier.
func (s *SessionStore) ArchiveAll(account, identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, sess := range s.sessions {
		if key.account == account && key.identifier == identifier && !sess.archived {
			sess.archived = true
			n++
		}
	}
	if n > 0 {
		logrus.WithFields(logrus.Fields{
			"identifier": identifier,
			"count":      n,
		}).Info("Archived all sessions for recipient")
	}
}

// TrustIdentity replaces the pinned identity key for an identifier after
// the user has re-verified it. Existing sessions sealed against the old
// key are archived.
func (s *SessionStore) TrustIdentity(account, identifier string, key [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identities[identifier] = key
	for k, sess := range s.sessions {
		if k.account == account && k.identifier == identifier && sess.RemoteKey != key {
			sess.archived = true
		}
	}
	logrus.WithFields(logrus.Fields{
		"identifier": identifier,
	}).Warn("Identity key replaced after re-verification")
}
