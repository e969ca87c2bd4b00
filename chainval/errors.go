// Package chainval implements X.509 certificate chain validation: issuer
// discovery across the certificate database and the directory, signature
// verification along the chain, validity windows, critical extension and
// Basic Constraints enforcement, policy matching, revocation status, and
// trust anchor handling.
package chainval

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the outcome of a validation.
type ErrorKind int

const (
	// KindOK means the chain validated successfully.
	KindOK ErrorKind = iota
	// KindBadCert means a certificate in the chain is unusable.
	KindBadCert
	// KindBadCertChain means the chain itself could not be validated.
	KindBadCertChain
	// KindBadSignature means a signature along the chain did not verify.
	KindBadSignature
	// KindCertTooYoung means a certificate is not yet valid.
	KindCertTooYoung
	// KindCertExpired means a certificate in the chain has expired.
	KindCertExpired
	// KindCertRevoked means a certificate in the chain was revoked.
	KindCertRevoked
	// KindNoCRL means no CRL is known for a certificate.
	KindNoCRL
	// KindCRLTooOld means the available CRL is out of date.
	KindCRLTooOld
	// KindNoPolicyMatch means no configured policy matched.
	KindNoPolicyMatch
	// KindMissingCert means an issuer certificate could not be located.
	KindMissingCert
	// KindNotTrusted means the root certificate is not trusted.
	KindNotTrusted
	// KindUnsupportedCert means a certificate carries an unsupported
	// critical extension.
	KindUnsupportedCert
	// KindConfigError means the local configuration is unusable.
	KindConfigError
	// KindGeneral covers all other failures.
	KindGeneral
)

// String returns a short identifier for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindBadCert:
		return "bad certificate"
	case KindBadCertChain:
		return "bad certificate chain"
	case KindBadSignature:
		return "bad signature"
	case KindCertTooYoung:
		return "certificate not yet valid"
	case KindCertExpired:
		return "certificate expired"
	case KindCertRevoked:
		return "certificate revoked"
	case KindNoCRL:
		return "no CRL known"
	case KindCRLTooOld:
		return "CRL too old"
	case KindNoPolicyMatch:
		return "no policy match"
	case KindMissingCert:
		return "missing certificate"
	case KindNotTrusted:
		return "not trusted"
	case KindUnsupportedCert:
		return "unsupported certificate"
	case KindConfigError:
		return "configuration error"
	case KindGeneral:
		return "general error"
	default:
		return fmt.Sprintf("unknown error kind (%d)", int(k))
	}
}

// ValidationError is a validation failure tagged with its kind.
type ValidationError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a ValidationError.
func NewValidationError(kind ErrorKind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapValidationError creates a ValidationError wrapping a cause.
func WrapValidationError(kind ErrorKind, err error, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the ErrorKind carried by err.  A nil error is KindOK;
// errors without a kind report KindGeneral.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindOK
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return KindGeneral
}
