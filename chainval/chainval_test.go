package chainval

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/georgepadayatti/certchain/agent"
	"github.com/georgepadayatti/certchain/dirmngr"
	"github.com/georgepadayatti/certchain/keydb"
	"github.com/georgepadayatti/certchain/x509util"
)

// newTestKey generates a P-256 key.
func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

// certTemplate returns a base template for test certificates.
func certTemplate(commonName string, serial int64) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Test Org"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),
	}
}

// signCert creates a certificate from template signed by parent and
// returns it parsed.
func signCert(t *testing.T, template, parent *x509.Certificate, pub *ecdsa.PublicKey, parentKey *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, parentKey)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return cert
}

// createRoot creates a self-signed CA root certificate.
func createRoot(t *testing.T, commonName string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key := newTestKey(t)
	template := certTemplate(commonName, 1)
	template.IsCA = true
	template.BasicConstraintsValid = true
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	template.SubjectKeyId = []byte{1, 2, 3, 4}
	return signCert(t, template, template, &key.PublicKey, key), key
}

// createIntermediate creates an intermediate CA certificate.
func createIntermediate(t *testing.T, commonName string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, ski []byte) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key := newTestKey(t)
	template := certTemplate(commonName, 2)
	template.IsCA = true
	template.BasicConstraintsValid = true
	template.MaxPathLen = -1
	template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	template.SubjectKeyId = ski
	return signCert(t, template, parent, &key.PublicKey, parentKey), key
}

// createLeaf creates an end-entity certificate.
func createLeaf(t *testing.T, commonName string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	key := newTestKey(t)
	template := certTemplate(commonName, 3)
	template.KeyUsage = x509.KeyUsageDigitalSignature
	return signCert(t, template, parent, &key.PublicKey, parentKey)
}

// policiesExtension builds a certificatePolicies extension.
func policiesExtension(t *testing.T, critical bool, oids ...asn1.ObjectIdentifier) pkix.Extension {
	t.Helper()
	type policyInfo struct {
		Policy asn1.ObjectIdentifier
	}
	infos := make([]policyInfo, 0, len(oids))
	for _, oid := range oids {
		infos = append(infos, policyInfo{Policy: oid})
	}
	value, err := asn1.Marshal(infos)
	if err != nil {
		t.Fatalf("marshaling policies: %v", err)
	}
	return pkix.Extension{Id: OIDCertificatePolicies, Critical: critical, Value: value}
}

// akiExtension builds an authorityKeyIdentifier extension naming the
// issuer by directoryName and serial number.
func akiExtension(t *testing.T, issuer *x509.Certificate) pkix.Extension {
	t.Helper()
	dirName, err := asn1.Marshal(asn1.RawValue{
		Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true,
		Bytes: issuer.RawSubject,
	})
	if err != nil {
		t.Fatalf("marshaling directoryName: %v", err)
	}
	issuerField, err := asn1.Marshal(asn1.RawValue{
		Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true,
		Bytes: dirName,
	})
	if err != nil {
		t.Fatalf("marshaling authorityCertIssuer: %v", err)
	}
	serialDER, err := asn1.Marshal(issuer.SerialNumber)
	if err != nil {
		t.Fatalf("marshaling serial: %v", err)
	}
	var serialRaw asn1.RawValue
	if _, err := asn1.Unmarshal(serialDER, &serialRaw); err != nil {
		t.Fatalf("unwrapping serial: %v", err)
	}
	serialField, err := asn1.Marshal(asn1.RawValue{
		Class: asn1.ClassContextSpecific, Tag: 2,
		Bytes: serialRaw.Bytes,
	})
	if err != nil {
		t.Fatalf("marshaling authorityCertSerialNumber: %v", err)
	}
	value, err := asn1.Marshal(asn1.RawValue{
		Tag: asn1.TagSequence, IsCompound: true,
		Bytes: append(issuerField, serialField...),
	})
	if err != nil {
		t.Fatalf("marshaling authority key identifier: %v", err)
	}
	return pkix.Extension{Id: x509util.OIDAuthorityKeyID, Value: value}
}

// fakeDirectory implements Directory with function hooks.  A nil isValid
// hook answers "good" for everything.
type fakeDirectory struct {
	isValid func(subject, issuer *x509.Certificate, useOCSP bool) error
	lookup  func(patterns []string, cb func(*x509.Certificate)) (int, error)
}

func (d *fakeDirectory) IsValid(_ context.Context, subject, issuer *x509.Certificate, useOCSP bool) error {
	if d.isValid == nil {
		return nil
	}
	return d.isValid(subject, issuer, useOCSP)
}

func (d *fakeDirectory) Lookup(_ context.Context, patterns []string, cb func(*x509.Certificate)) (int, error) {
	if d.lookup == nil {
		return 0, dirmngr.ErrLookupFailed
	}
	return d.lookup(patterns, cb)
}

// fakeAgent implements TrustAgent backed by maps keyed by SHA-1
// fingerprint.
type fakeAgent struct {
	trusted     map[string]agent.Flags
	qualified   map[string]string
	markTrusted func(cert *x509.Certificate) error
	markCalls   int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		trusted:   make(map[string]agent.Flags),
		qualified: make(map[string]string),
	}
}

func (a *fakeAgent) trust(cert *x509.Certificate, flags agent.Flags) {
	a.trusted[x509util.SHA1FingerprintHex(cert)] = flags
}

func (a *fakeAgent) IsTrusted(_ context.Context, cert *x509.Certificate) (agent.Flags, error) {
	flags, ok := a.trusted[x509util.SHA1FingerprintHex(cert)]
	if !ok {
		return agent.Flags{}, agent.ErrNotTrusted
	}
	return flags, nil
}

func (a *fakeAgent) MarkTrusted(_ context.Context, cert *x509.Certificate) error {
	a.markCalls++
	if a.markTrusted == nil {
		return agent.ErrNotSupported
	}
	return a.markTrusted(cert)
}

func (a *fakeAgent) IsInQualifiedList(_ context.Context, cert *x509.Certificate) (string, error) {
	country, ok := a.qualified[x509util.SHA1FingerprintHex(cert)]
	if !ok {
		return "", agent.ErrNotFound
	}
	return country, nil
}

// newTestValidator wires a validator with an in-memory database.
func newTestValidator(t *testing.T, opts Options, dir Directory, trustAgent TrustAgent) (*Validator, *keydb.DB) {
	t.Helper()
	db, err := keydb.Open(":memory:")
	if err != nil {
		t.Fatalf("opening keydb: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if dir == nil {
		dir = &fakeDirectory{}
	}
	if trustAgent == nil {
		trustAgent = newFakeAgent()
	}
	return NewValidator(db, dir, trustAgent, opts), db
}

// mustStore stores a certificate or fails the test.
func mustStore(t *testing.T, db *keydb.DB, cert *x509.Certificate, ephemeral bool) {
	t.Helper()
	if err := db.StoreCert(cert, ephemeral); err != nil {
		t.Fatalf("storing certificate: %v", err)
	}
}

// writeFile writes a test fixture file.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

// fingerprintOf returns the SHA-1 fingerprint used as agent map key.
func fingerprintOf(cert *x509.Certificate) string {
	return x509util.SHA1FingerprintHex(cert)
}
