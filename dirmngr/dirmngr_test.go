package dirmngr

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ocsp"
)

// createCA creates a self-signed CA certificate and key.
func createCA(t *testing.T, commonName string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		SubjectKeyId:          []byte{1, 2, 3},
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

// createLeafWith creates a leaf certificate with the given CRL and OCSP
// pointers.
func createLeafWith(t *testing.T, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, crlURL, ocspURL string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	if crlURL != "" {
		template.CRLDistributionPoints = []string{crlURL}
	}
	if ocspURL != "" {
		template.OCSPServer = []string{ocspURL}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return cert
}

// serveCRL creates a CRL signed by the issuer and serves it over HTTP.
func serveCRL(t *testing.T, issuer *x509.Certificate, issuerKey *ecdsa.PrivateKey, revoked []x509.RevocationListEntry, nextUpdate time.Time) *httptest.Server {
	t.Helper()
	template := &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                time.Now().Add(-time.Hour),
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: revoked,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, issuer, issuerKey)
	if err != nil {
		t.Fatalf("creating CRL: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pkix-crl")
		w.Write(der) //nolint:errcheck // test server
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient() *Client {
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.Timeout = 5 * time.Second
	return New(cfg)
}

func TestCheckCRLGood(t *testing.T) {
	ca, caKey := createCA(t, "CRL CA")
	srv := serveCRL(t, ca, caKey, nil, time.Now().Add(24*time.Hour))
	leaf := createLeafWith(t, ca, caKey, srv.URL, "")

	c := testClient()
	if err := c.IsValid(context.Background(), leaf, ca, false); err != nil {
		t.Errorf("IsValid() error = %v, want nil", err)
	}
}

func TestCheckCRLRevoked(t *testing.T) {
	ca, caKey := createCA(t, "CRL CA")
	revoked := []x509.RevocationListEntry{{
		SerialNumber:   big.NewInt(42),
		RevocationTime: time.Now().Add(-time.Minute),
	}}
	srv := serveCRL(t, ca, caKey, revoked, time.Now().Add(24*time.Hour))
	leaf := createLeafWith(t, ca, caKey, srv.URL, "")

	c := testClient()
	if err := c.IsValid(context.Background(), leaf, ca, false); !errors.Is(err, ErrRevoked) {
		t.Errorf("IsValid() error = %v, want ErrRevoked", err)
	}
}

func TestCheckCRLStale(t *testing.T) {
	ca, caKey := createCA(t, "CRL CA")
	srv := serveCRL(t, ca, caKey, nil, time.Now().Add(time.Hour))
	leaf := createLeafWith(t, ca, caKey, srv.URL, "")

	c := testClient()
	c.SetClock(clockwork.NewFakeClockAt(time.Now().Add(48 * time.Hour)))
	if err := c.IsValid(context.Background(), leaf, ca, false); !errors.Is(err, ErrCRLTooOld) {
		t.Errorf("IsValid() error = %v, want ErrCRLTooOld", err)
	}
}

func TestCheckCRLNoDistributionPoints(t *testing.T) {
	ca, caKey := createCA(t, "CRL CA")
	leaf := createLeafWith(t, ca, caKey, "", "")

	c := testClient()
	if err := c.IsValid(context.Background(), leaf, ca, false); !errors.Is(err, ErrNoCRL) {
		t.Errorf("IsValid() error = %v, want ErrNoCRL", err)
	}
}

// serveOCSP serves a static OCSP response for every request.
func serveOCSP(t *testing.T, issuer *x509.Certificate, issuerKey *ecdsa.PrivateKey, serial *big.Int, status int) *httptest.Server {
	t.Helper()
	template := ocsp.Response{
		Status:       status,
		SerialNumber: serial,
		ThisUpdate:   time.Now().Add(-time.Hour),
		NextUpdate:   time.Now().Add(24 * time.Hour),
	}
	if status == ocsp.Revoked {
		template.RevokedAt = time.Now().Add(-time.Minute)
		template.RevocationReason = ocsp.KeyCompromise
	}
	der, err := ocsp.CreateResponse(issuer, issuer, template, issuerKey)
	if err != nil {
		t.Fatalf("creating OCSP response: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/ocsp-response")
		w.Write(der) //nolint:errcheck // test server
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckOCSPGood(t *testing.T) {
	ca, caKey := createCA(t, "OCSP CA")
	srv := serveOCSP(t, ca, caKey, big.NewInt(42), ocsp.Good)
	leaf := createLeafWith(t, ca, caKey, "", srv.URL)

	c := testClient()
	if err := c.IsValid(context.Background(), leaf, ca, true); err != nil {
		t.Errorf("IsValid() error = %v, want nil", err)
	}
}

func TestCheckOCSPRevoked(t *testing.T) {
	ca, caKey := createCA(t, "OCSP CA")
	srv := serveOCSP(t, ca, caKey, big.NewInt(42), ocsp.Revoked)
	leaf := createLeafWith(t, ca, caKey, "", srv.URL)

	c := testClient()
	if err := c.IsValid(context.Background(), leaf, ca, true); !errors.Is(err, ErrRevoked) {
		t.Errorf("IsValid() error = %v, want ErrRevoked", err)
	}
}

func TestCheckOCSPNoServer(t *testing.T) {
	ca, caKey := createCA(t, "OCSP CA")
	leaf := createLeafWith(t, ca, caKey, "", "")

	c := testClient()
	if err := c.IsValid(context.Background(), leaf, ca, true); !errors.Is(err, ErrNoCRL) {
		t.Errorf("IsValid() error = %v, want ErrNoCRL", err)
	}
}

func TestLookup(t *testing.T) {
	ca, _ := createCA(t, "Lookup CA")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Raw})

	var gotPattern string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPattern = r.URL.Query().Get("pattern")
		w.Write(pemData) //nolint:errcheck // test server
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.DirectoryURL = srv.URL
	c := New(cfg)

	var found []*x509.Certificate
	count, err := c.Lookup(context.Background(), []string{"CN=Lookup CA"}, func(cert *x509.Certificate) {
		found = append(found, cert)
	})
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if count != 1 || len(found) != 1 || !found[0].Equal(ca) {
		t.Errorf("Lookup() = %d certs, want the served CA", count)
	}
	if gotPattern != "CN=Lookup CA" {
		t.Errorf("pattern = %q, want %q", gotPattern, "CN=Lookup CA")
	}
}

func TestLookupNoDirectory(t *testing.T) {
	c := testClient()
	if _, err := c.Lookup(context.Background(), []string{"CN=x"}, func(*x509.Certificate) {}); !errors.Is(err, ErrLookupFailed) {
		t.Errorf("Lookup() error = %v, want ErrLookupFailed", err)
	}
}
