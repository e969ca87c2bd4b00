package chainval

import (
	"bufio"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// OIDCertificatePolicies is the OID of the certificatePolicies extension.
var OIDCertificatePolicies = asn1.ObjectIdentifier{2, 5, 29, 32}

// policyLineMax is the longest accepted policy file line, including the
// terminating newline.
const policyLineMax = 256

// policyInformation mirrors the ASN.1 PolicyInformation structure.
type policyInformation struct {
	Policy     asn1.ObjectIdentifier
	Qualifiers asn1.RawValue `asn1:"optional"`
}

// certPolicies returns the certificate's policies as a newline delimited
// list of records.  Each record is colon delimited: the policy OID
// followed by C for a critical or N for a normal extension.  An empty
// string means the certificate carries no policies extension.
func certPolicies(cert *x509.Certificate) (string, error) {
	var raw []byte
	critical := false
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDCertificatePolicies) {
			raw = ext.Value
			critical = ext.Critical
			break
		}
	}
	if raw == nil {
		return "", nil
	}

	var policies []policyInformation
	if _, err := asn1.Unmarshal(raw, &policies); err != nil {
		return "", WrapValidationError(KindBadCert, err, "parsing certificate policies: %v", err)
	}

	flag := "N"
	if critical {
		flag = "C"
	}
	var b strings.Builder
	for i, p := range policies {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s:%s", p.Policy.String(), flag)
	}
	return b.String(), nil
}

// checkPolicy matches the certificate's policies against the administrator
// policy file.  Without a configured file, policies are only rejected when
// marked critical.
func (v *Validator) checkPolicy(cert *x509.Certificate, lm bool, sink io.Writer) error {
	policies, err := certPolicies(cert)
	if err != nil {
		return err
	}
	if policies == "" {
		return nil
	}

	if v.opts.Verbose > 1 && !lm {
		v.log.Info("certificate's policy list: " + policies)
	}

	// The check is minimal but will not give false positives.
	anyCritical := strings.Contains(policies, ":C")

	if v.opts.PolicyFile == "" {
		if anyCritical {
			v.note(true, lm, sink, "critical marked policy without configured policies")
			return NewValidationError(KindNoPolicyMatch, "critical marked policy without configured policies")
		}
		return nil
	}

	f, err := os.Open(v.opts.PolicyFile)
	if err != nil {
		if v.opts.Verbose > 0 || !errors.Is(err, os.ErrNotExist) {
			v.log.Info("failed to open policy file", "path", v.opts.PolicyFile, "err", err)
		}
		// With no critical policies this is only a warning.
		if !anyCritical {
			v.note(false, lm, sink, "note: non-critical certificate policy not allowed")
			return nil
		}
		v.note(true, lm, sink, "certificate policy not allowed")
		return NewValidationError(KindNoPolicyMatch, "certificate policy not allowed")
	}
	defer f.Close() //nolint:errcheck // read-only file

	records := strings.Split(policies, "\n")
	reader := bufio.NewReader(f)
	for {
		line, rerr := reader.ReadString('\n')
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return WrapValidationError(KindGeneral, rerr, "reading policy file: %v", rerr)
		}
		if line == "" {
			// End of file without a match.  With no critical policies
			// this is only a warning.
			if !anyCritical {
				v.note(false, lm, sink, "note: non-critical certificate policy not allowed")
				return nil
			}
			v.note(true, lm, sink, "certificate policy not allowed")
			return NewValidationError(KindNoPolicyMatch, "certificate policy not allowed")
		}
		if !strings.HasSuffix(line, "\n") {
			return NewValidationError(KindConfigError, "policy file line too long or incomplete")
		}
		if len(line) > policyLineMax {
			return NewValidationError(KindConfigError, "policy file line too long")
		}

		// Allow for empty lines, spaces and comments.
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		// The first token up to a space or colon is the allowed OID.
		allowed := trimmed
		if idx := strings.IndexAny(allowed, " :\t"); idx >= 0 {
			allowed = allowed[:idx]
		}
		if allowed == "" {
			return NewValidationError(KindConfigError, "invalid line in policy file")
		}

		// See whether the allowed OID starts one of the records.
		for _, record := range records {
			if strings.HasPrefix(record, allowed+":") {
				return nil
			}
		}
	}
}
