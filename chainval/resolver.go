package chainval

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"strings"

	"github.com/georgepadayatti/certchain/keydb"
	"github.com/georgepadayatti/certchain/x509util"
)

// findUp locates a candidate issuer certificate for cert and leaves the
// handle's cursor positioned on it.  Lookup order: authority key
// identifier with issuer and serial, then the bare key identifier, then an
// external lookup, then a plain subject DN search.  Each step probes the
// ephemeral overlay after the permanent store.  With findNext set, the
// ephemeral retries and external lookups are skipped so that the cursor
// keeps its position for iteration.  Returns keydb.ErrNotFound when no
// candidate exists.
func (v *Validator) findUp(ctx context.Context, h *keydb.Handle, cert *x509.Certificate, issuerDN string, findNext bool) error {
	rc := error(keydb.ErrNotFound)

	aki, akiErr := x509util.ParseAuthorityKeyID(cert)
	if akiErr == nil {
		if aki.IssuerDN != "" && aki.Serial != "" {
			rc = h.SearchIssuerSerial(aki.IssuerDN, aki.Serial)
			if rc != nil {
				h.SearchReset()
			}
			// In find-next mode the ephemeral probe would lose the
			// search position, so it is only done on a fresh search.
			if errors.Is(rc, keydb.ErrNotFound) && !findNext {
				old := h.SetEphemeral(true)
				if !old {
					rc = h.SearchIssuerSerial(aki.IssuerDN, aki.Serial)
					if rc != nil {
						h.SearchReset()
					}
				}
				h.SetEphemeral(old)
			}
		}

		if errors.Is(rc, keydb.ErrNotFound) && len(aki.KeyID) > 0 && !findNext {
			// Not found via issuer and serial; scan all certificates
			// with the issuer DN as subject for one with a matching
			// subject key identifier.
			rc = v.findUpSearchByKeyID(h, issuerDN, aki.KeyID)
			if rc != nil {
				old := h.SetEphemeral(true)
				if !old {
					rc = v.findUpSearchByKeyID(h, issuerDN, aki.KeyID)
				}
				h.SetEphemeral(old)
			}
			if rc != nil {
				rc = keydb.ErrNotFound
			}
		}

		if errors.Is(rc, keydb.ErrNotFound) && v.opts.AutoIssuerKeyRetrieve && !findNext {
			rc = v.findUpExternal(ctx, h, issuerDN, aki.KeyID)
		}

		// A note here keeps the user from feeling helpless when a wrong
		// issuer certificate later produces a bad signature.
		if errors.Is(rc, keydb.ErrNotFound) {
			prefix := ""
			if findNext {
				prefix = "next "
			}
			v.log.Info(prefix + "issuer certificate not found using authorityKeyIdentifier")
		} else if rc != nil {
			v.log.Error("failed to find issuer via authorityKeyIdentifier", "err", rc)
		}
	}

	if rc != nil {
		// Not found via the authority key identifier; try the plain
		// issuer DN.  No reset here so find-next keeps iterating.
		rc = h.SearchSubject(issuerDN)
	}
	if errors.Is(rc, keydb.ErrNotFound) && !findNext {
		old := h.SetEphemeral(true)
		if !old {
			h.SearchReset()
			rc = h.SearchSubject(issuerDN)
		}
		h.SetEphemeral(old)
	}

	// Still not found; if enabled, try an external lookup.
	if errors.Is(rc, keydb.ErrNotFound) && v.opts.AutoIssuerKeyRetrieve && !findNext {
		rc = v.findUpExternal(ctx, h, issuerDN, nil)
	}

	return rc
}

// findUpSearchByKeyID resets the handle and scans all certificates whose
// subject DN equals issuerDN for one carrying the wanted subject key
// identifier.
func (v *Validator) findUpSearchByKeyID(h *keydb.Handle, issuerDN string, keyID []byte) error {
	h.SearchReset()
	for {
		if err := h.SearchSubject(issuerDN); err != nil {
			return err
		}
		cert, err := h.GetCert()
		if err != nil {
			return err
		}
		if bytes.Equal(cert.SubjectKeyId, keyID) {
			return nil
		}
	}
}

// findUpExternal locates the issuer through the directory.  Retrieved
// certificates are stored as ephemeral and the overlay is probed for the
// wanted one.
func (v *Validator) findUpExternal(ctx context.Context, h *keydb.Handle, issuerDN string, keyID []byte) error {
	if v.opts.Verbose > 0 {
		v.log.Info("looking up issuer at external location")
	}

	// The directory service is confused by unknown attributes, so the
	// pattern starts at the CN when one is present.
	pattern := issuerDN
	if idx := strings.Index(issuerDN, "CN="); idx > 0 && issuerDN[idx-1] == ',' {
		pattern = issuerDN[idx:]
	}

	count := 0
	_, err := v.dir.Lookup(ctx, []string{pattern}, func(cert *x509.Certificate) {
		if serr := h.StoreCert(cert, true); serr != nil {
			v.log.Error("error storing issuer certificate as ephemeral", "err", serr)
			return
		}
		count++
	})
	if v.opts.Verbose > 0 {
		v.log.Info("number of issuers matching", "count", count)
	}
	if err != nil {
		v.log.Error("external key lookup failed", "err", err)
		return keydb.ErrNotFound
	}
	if count == 0 {
		return keydb.ErrNotFound
	}

	// The retrieved issuers live in the ephemeral overlay.
	old := h.SetEphemeral(true)
	var rc error
	if len(keyID) > 0 {
		rc = v.findUpSearchByKeyID(h, issuerDN, keyID)
	} else {
		h.SearchReset()
		rc = h.SearchSubject(issuerDN)
	}
	h.SetEphemeral(old)
	return rc
}
