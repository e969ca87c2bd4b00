package chainval

import (
	"context"
	"crypto/x509"
	"errors"

	"github.com/georgepadayatti/certchain/keydb"
	"github.com/georgepadayatti/certchain/x509util"
)

// ErrEndOfChain is returned by WalkChain when the start certificate is
// already the root.
var ErrEndOfChain = errors.New("end of certificate chain")

// IsRootCert reports whether cert is self-issued, i.e. a root candidate.
func IsRootCert(cert *x509.Certificate) bool {
	return x509util.IsSelfIssued(cert)
}

// WalkChain returns the issuer certificate of start, looked up in the
// database with no CA or signature checks.  This is the lightweight ascent
// used by the RegTP classifier.  Returns ErrEndOfChain when start is
// self-issued.
func (v *Validator) WalkChain(ctx context.Context, start *x509.Certificate) (*x509.Certificate, error) {
	issuerDN := x509util.IssuerDN(start)
	if issuerDN == "" {
		return nil, NewValidationError(KindBadCert, "no issuer found in certificate")
	}
	if x509util.IsSelfIssued(start) {
		return nil, ErrEndOfChain
	}

	h := v.db.NewHandle()
	if err := v.findUp(ctx, h, start, issuerDN, false); err != nil {
		// It is quite common not to have the issuer certificate, so no
		// error is logged for a plain miss.
		if !errors.Is(err, keydb.ErrNotFound) && v.opts.Verbose > 1 {
			v.log.Error("failed to find issuer's certificate", "err", err)
		}
		return nil, NewValidationError(KindMissingCert, "issuer certificate not found")
	}
	cert, err := h.GetCert()
	if err != nil {
		return nil, WrapValidationError(KindGeneral, err, "reading issuer certificate failed: %v", err)
	}
	return cert, nil
}

// BasicCertCheck verifies that cert carries a good signature from its
// stored issuer.  No constraints are checked; the issuer certificate is
// assumed to be valid itself.
func (v *Validator) BasicCertCheck(ctx context.Context, cert *x509.Certificate) error {
	if v.opts.NoChainValidation {
		v.log.Warn("bypassing basic certificate checks")
		return nil
	}

	issuerDN := x509util.IssuerDN(cert)
	if issuerDN == "" {
		v.log.Error("no issuer found in certificate")
		return NewValidationError(KindBadCert, "no issuer found in certificate")
	}

	if x509util.IsSelfIssued(cert) {
		if err := verifySignature(cert, cert); err != nil {
			v.log.Error("self-signed certificate has a BAD signature", "err", err)
			return WrapValidationError(KindBadCert, err, "self-signed certificate has a BAD signature")
		}
		return nil
	}

	h := v.db.NewHandle()
	h.SearchReset()
	if err := v.findUp(ctx, h, cert, issuerDN, false); err != nil {
		if errors.Is(err, keydb.ErrNotFound) {
			v.log.Info("issuer certificate not found", "issuer", issuerDN)
		} else {
			v.log.Error("failed to find issuer's certificate", "err", err)
		}
		return NewValidationError(KindMissingCert, "issuer certificate not found")
	}
	issuer, err := h.GetCert()
	if err != nil {
		return WrapValidationError(KindGeneral, err, "reading issuer certificate failed: %v", err)
	}
	if err := verifySignature(issuer, cert); err != nil {
		v.log.Error("certificate has a BAD signature", "err", err)
		return WrapValidationError(KindBadCert, err, "certificate has a BAD signature")
	}
	if v.opts.Verbose > 0 {
		v.log.Info("certificate is good")
	}
	return nil
}
