package chainval

import (
	"context"
	"crypto/x509"
	"errors"
	"io"

	"github.com/georgepadayatti/certchain/dirmngr"
	"github.com/georgepadayatti/certchain/keydb"
	"github.com/georgepadayatti/certchain/x509util"
)

// certStillValid asks the directory whether subject, issued by issuer, is
// still valid.  Revoked, missing-CRL and stale-CRL findings are recorded
// as soft failures; any other status error is fatal.  A revoked finding is
// also cached on the database entry so that key listings can show it.
func (v *Validator) certStillValid(ctx context.Context, subject, issuer *x509.Certificate, lm bool, sink io.Writer, soft *softFailures) error {
	if v.opts.NoCRLCheck && !v.opts.UseOCSP {
		return nil
	}

	err := v.dir.IsValid(ctx, subject, issuer, v.opts.UseOCSP)
	if err == nil {
		return nil
	}

	if !lm {
		v.log.Info("checking certificate status", "subject", x509util.SubjectDN(subject))
	}
	switch {
	case errors.Is(err, dirmngr.ErrRevoked):
		v.note(true, lm, sink, "certificate has been revoked")
		soft.revoked = true
		if ferr := v.db.SetCertFlags(subject, keydb.FlagValidity, 0, keydb.ValidityRevoked); ferr != nil {
			v.log.Error("failed to cache revoked flag", "err", ferr)
		}
	case errors.Is(err, dirmngr.ErrNoCRL):
		v.note(true, lm, sink, "no CRL found for certificate")
		soft.noCRL = true
	case errors.Is(err, dirmngr.ErrCRLTooOld):
		v.note(true, lm, sink, "the available CRL is too old")
		if !lm {
			v.log.Info("please make sure that the \"dirmngr\" is properly installed")
		}
		soft.crlTooOld = true
	default:
		v.note(true, lm, sink, "checking the CRL failed: %v", err)
		return WrapValidationError(KindGeneral, err, "checking the CRL failed: %v", err)
	}
	return nil
}
