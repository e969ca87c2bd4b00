package chainval

import (
	"crypto/x509"
	"io"
)

// KnownCriticalExtensions lists the critical extension OIDs the validator
// understands.  Kept as data so that new OIDs can be whitelisted without
// touching the matcher.
var KnownCriticalExtensions = []string{
	"2.5.29.15", // keyUsage
	"2.5.29.19", // basicConstraints
	"2.5.29.32", // certificatePolicies
	"2.5.29.37", // extendedKeyUsage
}

// checkCriticalExtensions fails with an unsupported-certificate error when
// the certificate carries a critical extension that is not whitelisted.
// Every offending OID is reported before returning.
func (v *Validator) checkCriticalExtensions(cert *x509.Certificate, lm bool, sink io.Writer) error {
	var rc error
	for _, ext := range cert.Extensions {
		if !ext.Critical {
			continue
		}
		oid := ext.Id.String()
		known := false
		for _, k := range KnownCriticalExtensions {
			if k == oid {
				known = true
				break
			}
		}
		if !known {
			v.note(true, lm, sink, "critical certificate extension %s is not supported", oid)
			rc = NewValidationError(KindUnsupportedCert, "critical certificate extension %s is not supported", oid)
		}
	}
	return rc
}
