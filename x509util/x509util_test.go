package x509util

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"
	"time"
)

func createTestCert(t *testing.T, commonName string, selfSigned bool) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"Org"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  selfSigned,
		BasicConstraintsValid: selfSigned,
		SubjectKeyId:          []byte{1, 2},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return cert, key
}

func TestIsSelfIssued(t *testing.T) {
	root, rootKey := createTestCert(t, "Self CA", true)
	if !IsSelfIssued(root) {
		t.Error("IsSelfIssued(root) = false, want true")
	}

	leafKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(8),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, leafTemplate, root, &leafKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("creating leaf: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing leaf: %v", err)
	}
	if IsSelfIssued(leaf) {
		t.Error("IsSelfIssued(leaf) = true, want false")
	}
}

func TestCanonicalNameStable(t *testing.T) {
	cert, _ := createTestCert(t, "Canonical CA", true)
	if SubjectDN(cert) != IssuerDN(cert) {
		t.Errorf("self-signed subject %q != issuer %q", SubjectDN(cert), IssuerDN(cert))
	}
	if SubjectDN(cert) == "" {
		t.Error("canonical DN is empty")
	}
}

func TestFingerprints(t *testing.T) {
	a, _ := createTestCert(t, "FP CA", true)
	b, _ := createTestCert(t, "FP CA", true)

	if FingerprintHex(a) == FingerprintHex(b) {
		t.Error("distinct certificates share a SHA-256 fingerprint")
	}
	if SHA1FingerprintHex(a) == SHA1FingerprintHex(b) {
		t.Error("distinct certificates share a SHA-1 fingerprint")
	}
	if len(SHA1FingerprintHex(a)) != 40 {
		t.Errorf("SHA-1 fingerprint length = %d, want 40", len(SHA1FingerprintHex(a)))
	}
}

func TestParseAuthorityKeyIDKeyID(t *testing.T) {
	root, rootKey := createTestCert(t, "AKI CA", true)

	leafKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(9),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, leafTemplate, root, &leafKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("creating leaf: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing leaf: %v", err)
	}

	aki, err := ParseAuthorityKeyID(leaf)
	if err != nil {
		t.Fatalf("ParseAuthorityKeyID() error = %v", err)
	}
	if !bytes.Equal(aki.KeyID, root.SubjectKeyId) {
		t.Errorf("KeyID = %x, want %x", aki.KeyID, root.SubjectKeyId)
	}
}

func TestParseAuthorityKeyIDAbsent(t *testing.T) {
	// Without a subject key identifier on the signer there is no
	// authority key identifier on the result.
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(10),
		Subject:      pkix.Name{CommonName: "bare"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}

	if _, err := ParseAuthorityKeyID(cert); !errors.Is(err, ErrNoAuthorityKeyID) {
		t.Errorf("ParseAuthorityKeyID() error = %v, want ErrNoAuthorityKeyID", err)
	}
}

func TestSerialString(t *testing.T) {
	if got := SerialString(big.NewInt(123456789)); got != "123456789" {
		t.Errorf("SerialString() = %q", got)
	}
	if got := SerialString(nil); got != "" {
		t.Errorf("SerialString(nil) = %q, want empty", got)
	}
}

func TestDirectoryNameRoundTrip(t *testing.T) {
	cert, _ := createTestCert(t, "DirName CA", true)

	dirName, err := asn1.Marshal(asn1.RawValue{
		Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true,
		Bytes: cert.RawSubject,
	})
	if err != nil {
		t.Fatalf("marshaling directoryName: %v", err)
	}
	dn, err := directoryNameFromGeneralNames(dirName)
	if err != nil {
		t.Fatalf("directoryNameFromGeneralNames() error = %v", err)
	}
	if dn != SubjectDN(cert) {
		t.Errorf("round-tripped DN = %q, want %q", dn, SubjectDN(cert))
	}
}
