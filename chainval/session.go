package chainval

import (
	"crypto/x509"
	"sync"

	"github.com/georgepadayatti/certchain/x509util"
)

// Session holds the mutable state shared by validations within one user
// session: which roots the user was already asked to trust, and whether
// interactive prompting has been disabled.  It is safe for concurrent
// use.
type Session struct {
	mu              sync.Mutex
	asked           map[[20]byte]bool
	noMoreQuestions bool
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{asked: make(map[[20]byte]bool)}
}

// AlreadyAsked reports whether the user was already prompted about this
// root during the session.
func (s *Session) AlreadyAsked(cert *x509.Certificate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asked[x509util.SHA1Fingerprint(cert)]
}

// SetAsked records that the user was prompted about this root.
func (s *Session) SetAsked(cert *x509.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked[x509util.SHA1Fingerprint(cert)] = true
}

// QuestionsDisabled reports whether interactive prompting was turned off
// for the rest of the session.
func (s *Session) QuestionsDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noMoreQuestions
}

// DisableQuestions turns off interactive prompting for the rest of the
// session.
func (s *Session) DisableQuestions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noMoreQuestions = true
}
