package chainval

import (
	"crypto/x509"
	"sync"

	"github.com/georgepadayatti/certchain/x509util"
)

// User-data keys used by the validator.
const (
	// UserDataIsQualified caches the qualified-signature classification:
	// one byte, 0 or 1.
	UserDataIsQualified = "is_qualified"

	// UserDataRegTPChainLen caches the RegTP classification: a single
	// zero byte means "checked, not RegTP"; two bytes [0x01, n] mean
	// "RegTP CA with path length n".
	UserDataRegTPChainLen = "regtp_ca_chainlen"
)

// UserData is a side-map attaching small mutable byte strings to
// certificates, keyed by the DER fingerprint so the data survives
// re-parsing of the same certificate.
type UserData struct {
	mu sync.RWMutex
	m  map[[32]byte]map[string][]byte
}

// NewUserData creates an empty user-data map.
func NewUserData() *UserData {
	return &UserData{m: make(map[[32]byte]map[string][]byte)}
}

// Get returns the value stored under key for cert.
func (u *UserData) Get(cert *x509.Certificate, key string) ([]byte, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	values, ok := u.m[x509util.Fingerprint(cert)]
	if !ok {
		return nil, false
	}
	value, ok := values[key]
	return value, ok
}

// Set stores value under key for cert, replacing any previous value.
func (u *UserData) Set(cert *x509.Certificate, key string, value []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()

	fpr := x509util.Fingerprint(cert)
	values, ok := u.m[fpr]
	if !ok {
		values = make(map[string][]byte)
		u.m[fpr] = values
	}
	values[key] = append([]byte(nil), value...)
}
