package chainval

import (
	"context"
	"crypto/x509"
	"io"
)

// allowedCA checks that cert matches the requirements for a CA, i.e. the
// Basic Constraints extension, and returns the allowed length of the chain
// below it (-1 means unbounded).
func (v *Validator) allowedCA(ctx context.Context, cert *x509.Certificate, lm bool, sink io.Writer) (int, error) {
	if isCA, chainLen := basicConstraints(cert); isCA {
		return chainLen, nil
	}
	if chainLen, ok := v.regtpCAInfo(ctx, cert); ok {
		// Certificate issued under the German signature law; these
		// omit the Basic Constraints.
		return chainLen, nil
	}
	v.note(true, lm, sink, "issuer certificate is not marked as a CA")
	return 0, NewValidationError(KindBadCert, "issuer certificate is not marked as a CA")
}

// basicConstraints extracts the cA flag and the path length constraint
// from a certificate.  A missing constraint maps to -1 (unbounded).
func basicConstraints(cert *x509.Certificate) (isCA bool, chainLen int) {
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return false, 0
	}
	if cert.MaxPathLen > 0 || cert.MaxPathLenZero {
		return true, cert.MaxPathLen
	}
	return true, -1
}
