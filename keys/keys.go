// Package keys reads the certificate material the engine consumes: the
// single target certificate handed to the validator, and bundles of
// certificates imported into the database or fetched from the directory.
package keys

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Common errors
var (
	ErrNoCertificates = errors.New("no certificates in input")
	ErrNotOneCert     = errors.New("input must contain exactly one certificate")
	ErrBlockNotFound  = errors.New("PEM block not found")
)

// ReadTargetCert reads the validation target from path.  The file must
// contain exactly one certificate; a bundle is rejected because the chain
// is discovered through the database, not taken from the input.
func ReadTargetCert(path string) (*x509.Certificate, error) {
	certs, err := ReadBundle(path)
	if err != nil {
		return nil, err
	}
	if len(certs) != 1 {
		return nil, fmt.Errorf("%w: %s holds %d", ErrNotOneCert, path, len(certs))
	}
	return certs[0], nil
}

// ReadBundle reads every certificate in path, PEM or DER encoded.
func ReadBundle(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	certs, err := ParseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return certs, nil
}

// ReadBundles reads and concatenates the certificates of several files.
func ReadBundles(paths []string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, path := range paths {
		loaded, err := ReadBundle(path)
		if err != nil {
			return nil, err
		}
		certs = append(certs, loaded...)
	}
	return certs, nil
}

// ParseCertificates parses one or more certificates from PEM or DER
// data.  PEM blocks other than CERTIFICATE are skipped; raw data is
// treated as concatenated DER.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	block, rest := pem.Decode(data)
	if block == nil {
		certs, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("parsing DER certificates: %w", err)
		}
		if len(certs) == 0 {
			return nil, ErrNoCertificates
		}
		return certs, nil
	}

	var certs []*x509.Certificate
	for ; block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate %d: %w", len(certs)+1, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	return certs, nil
}

// PEMBlock returns the DER bytes of the first PEM block with the given
// type.  The directory client uses this for CRLs served in PEM form.
func PEMBlock(data []byte, blockType string) ([]byte, error) {
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		if block.Type == blockType {
			return block.Bytes, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, blockType)
}
