// Package x509util provides shared helpers for working with X.509
// certificates: canonical distinguished-name strings, fingerprints, and
// authority key identifier parsing.
package x509util

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrNoAuthorityKeyID indicates the certificate carries no authority key
// identifier extension.
var ErrNoAuthorityKeyID = errors.New("no authority key identifier")

// OIDAuthorityKeyID is the OID of the authorityKeyIdentifier extension.
var OIDAuthorityKeyID = asn1.ObjectIdentifier{2, 5, 29, 35}

// CanonicalName returns a canonical string form of a distinguished name.
// The string is NFC-normalised so that byte comparison of two canonical
// names is a reliable equality test.
func CanonicalName(name pkix.Name) string {
	return norm.NFC.String(name.String())
}

// SubjectDN returns the canonical subject DN of a certificate.
func SubjectDN(cert *x509.Certificate) string {
	return CanonicalName(cert.Subject)
}

// IssuerDN returns the canonical issuer DN of a certificate.
func IssuerDN(cert *x509.Certificate) string {
	return CanonicalName(cert.Issuer)
}

// NamesEqual reports whether two distinguished names are equal in their
// canonical form.
func NamesEqual(a, b pkix.Name) bool {
	return CanonicalName(a) == CanonicalName(b)
}

// IsSelfIssued reports whether the certificate's issuer and subject names
// are bytewise identical, i.e. whether it is a root candidate.
func IsSelfIssued(cert *x509.Certificate) bool {
	return len(cert.RawSubject) > 0 && bytes.Equal(cert.RawIssuer, cert.RawSubject)
}

// SerialString returns the canonical decimal form of a serial number.
func SerialString(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	return serial.String()
}

// Fingerprint returns the SHA-256 fingerprint of the certificate's DER
// image.  It is the identity used for user-data and dedup maps.
func Fingerprint(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}

// FingerprintHex returns the SHA-256 fingerprint in upper-case hex.
func FingerprintHex(cert *x509.Certificate) string {
	fpr := Fingerprint(cert)
	return strings.ToUpper(hex.EncodeToString(fpr[:]))
}

// SHA1Fingerprint returns the SHA-1 fingerprint of the certificate's DER
// image.  Trust lists and the asked-trusted set are keyed by this value.
func SHA1Fingerprint(cert *x509.Certificate) [20]byte {
	return sha1.Sum(cert.Raw)
}

// SHA1FingerprintHex returns the SHA-1 fingerprint in upper-case hex.
func SHA1FingerprintHex(cert *x509.Certificate) string {
	fpr := SHA1Fingerprint(cert)
	return strings.ToUpper(hex.EncodeToString(fpr[:]))
}

// AuthorityKeyID is the parsed authorityKeyIdentifier extension.  Every
// field is optional; a nil KeyID together with empty IssuerDN/Serial means
// the extension was present but carried no usable data.
type AuthorityKeyID struct {
	// KeyID is the issuer's subject key identifier, if present.
	KeyID []byte

	// IssuerDN is the canonical DN from authorityCertIssuer, if the
	// extension names the issuer by directoryName.
	IssuerDN string

	// Serial is the decimal authorityCertSerialNumber, if present.
	Serial string
}

// authKeyID mirrors the ASN.1 layout of the extension value.
type authKeyID struct {
	KeyID  []byte        `asn1:"optional,tag:0"`
	Issuer asn1.RawValue `asn1:"optional,tag:1"`
	Serial *big.Int      `asn1:"optional,tag:2"`
}

// ParseAuthorityKeyID extracts the authority key identifier from a
// certificate.  Returns ErrNoAuthorityKeyID when the extension is absent.
func ParseAuthorityKeyID(cert *x509.Certificate) (*AuthorityKeyID, error) {
	var raw []byte
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDAuthorityKeyID) {
			raw = ext.Value
			break
		}
	}
	if raw == nil {
		return nil, ErrNoAuthorityKeyID
	}

	var aki authKeyID
	if rest, err := asn1.Unmarshal(raw, &aki); err != nil {
		return nil, fmt.Errorf("parsing authority key identifier: %w", err)
	} else if len(rest) != 0 {
		return nil, errors.New("trailing data after authority key identifier")
	}

	result := &AuthorityKeyID{
		KeyID:  aki.KeyID,
		Serial: SerialString(aki.Serial),
	}
	if len(aki.Issuer.Bytes) > 0 {
		if dn, err := directoryNameFromGeneralNames(aki.Issuer.Bytes); err == nil {
			result.IssuerDN = dn
		}
	}
	return result, nil
}

// directoryNameFromGeneralNames scans a GeneralNames value for the first
// directoryName entry and returns its canonical DN string.
func directoryNameFromGeneralNames(data []byte) (string, error) {
	rest := data
	for len(rest) > 0 {
		var gn asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &gn)
		if err != nil {
			return "", err
		}
		// directoryName is [4] and wraps a Name.
		if gn.Class != asn1.ClassContextSpecific || gn.Tag != 4 {
			continue
		}
		var rdns pkix.RDNSequence
		if _, err := asn1.Unmarshal(gn.Bytes, &rdns); err != nil {
			return "", err
		}
		var name pkix.Name
		name.FillFromRDNSequence(&rdns)
		return CanonicalName(name), nil
	}
	return "", errors.New("no directoryName in GeneralNames")
}
