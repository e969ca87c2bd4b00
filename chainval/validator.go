package chainval

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/certchain/agent"
	"github.com/georgepadayatti/certchain/keydb"
	"github.com/georgepadayatti/certchain/x509util"
)

// MaxChainDepth is the maximum certification path depth; exceeding it is a
// fatal chain error.
const MaxChainDepth = 50

// maxIssuerCandidates bounds how many byte-distinct issuer certificates
// are tried when a signature check fails.
const maxIssuerCandidates = 8

// Directory answers certificate status queries and performs remote issuer
// lookups.  It is implemented by dirmngr.Client.
type Directory interface {
	// IsValid reports whether subject, issued by issuer, is currently
	// valid.  The error vocabulary is dirmngr.ErrRevoked, ErrNoCRL and
	// ErrCRLTooOld.
	IsValid(ctx context.Context, subject, issuer *x509.Certificate, useOCSP bool) error

	// Lookup retrieves certificates matching the patterns and hands each
	// one to cb, returning the number found.
	Lookup(ctx context.Context, patterns []string, cb func(*x509.Certificate)) (int, error)
}

// TrustAgent answers trust anchor queries.  It is implemented by
// agent.Agent.
type TrustAgent interface {
	// IsTrusted reports whether the root is on the trust list, together
	// with its per-root flags.  agent.ErrNotTrusted means it is not.
	IsTrusted(ctx context.Context, cert *x509.Certificate) (agent.Flags, error)

	// MarkTrusted interactively asks the user to trust the root.
	MarkTrusted(ctx context.Context, cert *x509.Certificate) error

	// IsInQualifiedList reports whether the root is approved for
	// qualified signatures and returns its country code.
	IsInQualifiedList(ctx context.Context, cert *x509.Certificate) (string, error)
}

// Request flag bits.
const (
	// FlagSkipRevocation disables all revocation checks for this
	// request.
	FlagSkipRevocation = 1 << 0
)

// Request describes one validation.
type Request struct {
	// Cert is the target end-entity certificate.
	Cert *x509.Certificate

	// Flags holds the per-request flag bits.
	Flags uint

	// ListMode redirects diagnostics as bracketed lines to Sink instead
	// of the logger.
	ListMode bool

	// Sink receives diagnostic lines in list mode and status lines.
	Sink io.Writer
}

// SkipRevocation reports whether revocation checks are disabled for this
// request.
func (r *Request) SkipRevocation() bool {
	return r.Flags&FlagSkipRevocation != 0
}

// Result is the outcome of a validation.
type Result struct {
	// Kind is the final verdict.
	Kind ErrorKind

	// NearestNotAfter is the earliest notAfter among all chain members,
	// as an RFC 3339 UTC timestamp.  Empty if no member carried one.
	NearestNotAfter string
}

// Validator runs certificate chain validation against a certificate
// database, a directory client and a trust agent.
type Validator struct {
	opts     Options
	db       *keydb.DB
	dir      Directory
	agent    TrustAgent
	clock    clockwork.Clock
	log      *slog.Logger
	userData *UserData
	session  *Session
}

// NewValidator creates a validator.
func NewValidator(db *keydb.DB, dir Directory, trustAgent TrustAgent, opts Options) *Validator {
	return &Validator{
		opts:     opts,
		db:       db,
		dir:      dir,
		agent:    trustAgent,
		clock:    clockwork.NewRealClock(),
		log:      slog.Default(),
		userData: NewUserData(),
		session:  NewSession(),
	}
}

// SetClock replaces the clock used for validity checks.
func (v *Validator) SetClock(clock clockwork.Clock) {
	if clock != nil {
		v.clock = clock
	}
}

// SetLogger replaces the logger used for diagnostics.
func (v *Validator) SetLogger(log *slog.Logger) {
	if log != nil {
		v.log = log
	}
}

// UserData returns the per-certificate user-data map.
func (v *Validator) UserData() *UserData {
	return v.userData
}

// Session returns the session state used for trust prompting.
func (v *Validator) Session() *Session {
	return v.session
}

// rootTrust is the trust verdict for a root certificate together with its
// per-root flags.  A nil value means the root check was not taken.
type rootTrust struct {
	flags agent.Flags
	err   error // nil when trusted
}

func (rt *rootTrust) trusted() bool {
	return rt != nil && rt.err == nil
}

func (rt *rootTrust) relax() bool {
	return rt != nil && rt.flags.Relax
}

func (v *Validator) rootTrustFor(ctx context.Context, cert *x509.Certificate) *rootTrust {
	flags, err := v.agent.IsTrusted(ctx, cert)
	return &rootTrust{flags: flags, err: err}
}

// softFailures accumulates the non-fatal findings of a traversal.
type softFailures struct {
	expired       bool
	revoked       bool
	noCRL         bool
	crlTooOld     bool
	noPolicyMatch bool
}

// note emits a diagnostic line.  In list mode the line goes bracketed to
// the sink; otherwise it is logged at info or error level.
func (v *Validator) note(isError, listMode bool, sink io.Writer, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if listMode {
		if sink != nil {
			fmt.Fprintf(sink, "  [%s]\n", msg)
		}
		return
	}
	if isError {
		v.log.Error(msg)
	} else {
		v.log.Info(msg)
	}
}

// verifySignature checks that subject's signature was produced with
// issuer's public key.  This is a pure signature check; CA constraints and
// key usage are enforced separately.
func verifySignature(issuer, subject *x509.Certificate) error {
	err := issuer.CheckSignature(subject.SignatureAlgorithm, subject.RawTBSCertificate, subject.Signature)
	if err != nil {
		return WrapValidationError(KindBadSignature, err, "certificate has a BAD signature")
	}
	return nil
}

// certSignAllowed checks that the issuer's key usage permits signing
// certificates.  An absent keyUsage extension does not restrict use.
func certSignAllowed(issuer *x509.Certificate) error {
	if issuer.KeyUsage != 0 && issuer.KeyUsage&x509.KeyUsageCertSign == 0 {
		return NewValidationError(KindGeneral, "issuer certificate may not be used to sign certificates")
	}
	return nil
}

// validityStrings returns the certificate's validity interval as RFC 3339
// UTC strings.  A zero time maps to the empty string.
func validityStrings(cert *x509.Certificate) (notBefore, notAfter string) {
	if !cert.NotBefore.IsZero() {
		notBefore = cert.NotBefore.UTC().Format(time.RFC3339)
	}
	if !cert.NotAfter.IsZero() {
		notAfter = cert.NotAfter.UTC().Format(time.RFC3339)
	}
	return notBefore, notAfter
}

// Validate validates the certificate chain starting at req.Cert.  A nil
// request or certificate yields a nil Result and a plain error.  Otherwise
// the returned Result carries the nearest expiration time seen; on
// failure the error is a *ValidationError whose kind equals Result.Kind.
func (v *Validator) Validate(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.Cert == nil {
		return nil, errors.New("certificate is required")
	}

	res := &Result{Kind: KindOK}
	lm := req.ListMode
	currentTime := v.clock.Now().UTC().Format(time.RFC3339)

	if v.opts.NoChainValidation && !lm {
		v.log.Warn("bypassing certificate chain validation")
		return res, nil
	}

	h := v.db.NewHandle()

	var (
		depth   int
		soft    softFailures
		exptime string
		verr    error
	)
	isQualified := qualUnknown

	subject := req.Cert

Loop:
	for {
		issuerDN := x509util.IssuerDN(subject)
		if issuerDN == "" {
			v.note(true, lm, req.Sink, "no issuer found in certificate")
			verr = NewValidationError(KindBadCert, "no issuer found in certificate")
			break
		}

		isRoot := x509util.IsSelfIssued(subject)

		// The trust verdict is fetched before the signature check so
		// that the per-root flags are available early.
		var rt *rootTrust
		if isRoot {
			rt = v.rootTrustFor(ctx, subject)
		}

		// Check the validity period.
		notBefore, notAfter := validityStrings(subject)
		if notAfter != "" && (exptime == "" || notAfter < exptime) {
			exptime = notAfter
		}
		if notBefore != "" && currentTime < notBefore {
			v.note(true, lm, req.Sink, "certificate not yet valid")
			if !lm {
				v.log.Info("valid from " + notBefore)
			}
			verr = NewValidationError(KindCertTooYoung, "certificate not yet valid")
			break
		}
		if notAfter != "" && currentTime > notAfter {
			v.note(!v.opts.IgnoreExpiration, lm, req.Sink, "certificate has expired")
			if !lm {
				v.log.Info("expired at " + notAfter)
			}
			if v.opts.IgnoreExpiration {
				v.log.Warn("ignoring expiration")
			} else {
				soft.expired = true
			}
		}

		// Assert that all critical extensions are understood.
		if err := v.checkCriticalExtensions(subject, lm, req.Sink); err != nil {
			verr = err
			break
		}

		// Do a policy check.
		if !v.opts.NoPolicyCheck {
			err := v.checkPolicy(subject, lm, req.Sink)
			if KindOf(err) == KindNoPolicyMatch {
				soft.noPolicyMatch = true
			} else if err != nil {
				verr = err
				break
			}
		}

		if isRoot {
			if rt.trusted() {
				// No need to check the signature of a trusted root.
			} else if err := verifySignature(subject, subject); err != nil {
				v.note(true, lm, req.Sink, "self-signed certificate has a BAD signature")
				kind := KindBadCert
				if depth > 0 {
					kind = KindBadCertChain
				}
				verr = WrapValidationError(kind, err, "self-signed certificate has a BAD signature")
				break
			}
			if !rt.relax() {
				if _, err := v.allowedCA(ctx, subject, lm, req.Sink); err != nil {
					verr = err
					break
				}
			}

			// Decide the qualified-signature classification once the
			// root is known.
			if isQualified == qualUnknown {
				isQualified = v.classifyQualified(ctx, req.Cert, subject)
			}

			// Act on the trust verdict.
			switch {
			case rt.trusted():
			case errors.Is(rt.err, agent.ErrNotTrusted):
				v.note(false, lm, req.Sink, "root certificate is not marked trusted")
				trustErr := rt.err
				// Asking the user makes no sense when the chain is
				// already expired, and in list mode each root is only
				// asked about once per session.
				if !soft.expired && (!lm || !v.session.AlreadyAsked(subject)) {
					v.log.Info("fingerprint=" + x509util.SHA1FingerprintHex(subject))
					var promptErr error
					if v.session.QuestionsDisabled() {
						promptErr = agent.ErrNotSupported
					} else {
						promptErr = v.agent.MarkTrusted(ctx, subject)
					}
					if promptErr == nil {
						v.log.Info("root certificate has now been marked as trusted")
						trustErr = nil
					} else if !lm {
						v.log.Info("after checking the fingerprint, you may want to add it manually to the list of trusted certificates")
					}
					switch {
					case errors.Is(promptErr, agent.ErrNotSupported):
						if !v.session.QuestionsDisabled() {
							v.log.Info("interactive marking as trusted not enabled in agent")
						}
						v.session.DisableQuestions()
					case errors.Is(promptErr, agent.ErrCanceled):
						v.log.Info("interactive marking as trusted disabled for this session")
						v.session.DisableQuestions()
					default:
						v.session.SetAsked(subject)
					}
				}
				if trustErr != nil {
					verr = WrapValidationError(KindNotTrusted, trustErr, "root certificate is not trusted")
					break Loop
				}
			default:
				v.log.Error("checking the trust list failed", "err", rt.err)
				verr = WrapValidationError(KindGeneral, rt.err, "checking the trust list failed: %v", rt.err)
				break Loop
			}

			// Check the root's own revocation status, at most once and
			// only when nothing disables it.
			if !req.SkipRevocation() && !v.opts.NoTrustedCertCRLCheck && !rt.relax() {
				if err := v.certStillValid(ctx, subject, subject, lm, req.Sink, &soft); err != nil {
					verr = err
					break
				}
			}

			// A self-signed certificate is the end of the chain.
			break
		}

		// Take care that the chain does not get too long.
		depth++
		if depth > MaxChainDepth {
			v.note(true, lm, req.Sink, "certificate chain too long")
			verr = NewValidationError(KindBadCertChain, "certificate chain too long")
			break
		}

		// Find the next certificate up the tree.
		h.SearchReset()
		if err := v.findUp(ctx, h, subject, issuerDN, false); err != nil {
			if errors.Is(err, keydb.ErrNotFound) {
				v.note(false, lm, req.Sink, "issuer certificate not found")
				if !lm {
					v.log.Info("issuer certificate: " + issuerDN)
				}
			} else {
				v.log.Error("failed to find issuer's certificate", "err", err)
			}
			verr = NewValidationError(KindMissingCert, "issuer certificate not found")
			break
		}
		issuer, err := h.GetCert()
		if err != nil {
			verr = WrapValidationError(KindGeneral, err, "reading issuer certificate failed: %v", err)
			break
		}

		// Some CAs reuse the issuer and subject DN for new root
		// certificates, so on a bad signature other byte-distinct
		// candidates are tried before giving up.
		tried := map[[32]byte]bool{x509util.Fingerprint(issuer): true}
		for {
			err := verifySignature(issuer, subject)
			if err == nil {
				break
			}
			v.note(false, lm, req.Sink, "certificate has a BAD signature")
			if KindOf(err) != KindBadSignature || len(tried) >= maxIssuerCandidates {
				verr = WrapValidationError(KindBadCertChain, err, "certificate has a BAD signature")
				break Loop
			}
			if nerr := v.findUp(ctx, h, subject, issuerDN, true); nerr != nil {
				verr = WrapValidationError(KindBadCertChain, err, "certificate has a BAD signature")
				break Loop
			}
			next, nerr := h.GetCert()
			if nerr != nil || tried[x509util.Fingerprint(next)] {
				// Find-next failed or returned an identical
				// certificate; stop to avoid endless checks.
				verr = WrapValidationError(KindBadCertChain, err, "certificate has a BAD signature")
				break Loop
			}
			v.note(false, lm, req.Sink, "found another possible matching CA certificate - trying again")
			tried[x509util.Fingerprint(next)] = true
			issuer = next
		}

		// Check that the issuer is allowed to issue certificates.
		issuerIsRoot := false
		var issuerTrust *rootTrust
		chainLen, caErr := v.allowedCA(ctx, issuer, lm, req.Sink)
		if caErr != nil {
			// A trusted root with the relax flag overrides a failed
			// Basic Constraints check.
			if x509util.IsSelfIssued(issuer) {
				issuerIsRoot = true
				issuerTrust = v.rootTrustFor(ctx, issuer)
				if issuerTrust.trusted() && issuerTrust.relax() {
					caErr = nil
					chainLen = -1
				}
			}
			if caErr != nil {
				verr = caErr
				break
			}
		}
		if chainLen >= 0 && depth-1 > chainLen {
			v.note(true, lm, req.Sink, "certificate chain longer than allowed by CA (%d)", chainLen)
			verr = NewValidationError(KindBadCertChain, "certificate chain longer than allowed by CA (%d)", chainLen)
			break
		}

		// Is the certificate allowed to sign other certificates?
		if !lm {
			if err := certSignAllowed(issuer); err != nil {
				if req.Sink != nil {
					fmt.Fprintf(req.Sink, "ERROR certcert.issuer.keyusage %s\n", err)
				}
				verr = err
				break
			}
		}

		// Check for revocations, unless something disables it.
		skipRevocation := req.SkipRevocation() ||
			(issuerIsRoot && (v.opts.NoTrustedCertCRLCheck ||
				(issuerTrust.trusted() && issuerTrust.relax())))
		if !skipRevocation {
			if err := v.certStillValid(ctx, subject, issuer, lm, req.Sink, &soft); err != nil {
				verr = err
				break
			}
		}

		if v.opts.Verbose > 0 && !lm {
			v.log.Info("certificate is good")
		}

		// For the next round the current issuer becomes the new subject.
		h.SearchReset()
		subject = issuer
	}

	if verr == nil && !lm {
		if v.opts.NoPolicyCheck {
			v.log.Info("policies not checked due to disable-policy-checks option")
		}
		if v.opts.NoCRLCheck && !v.opts.UseOCSP {
			v.log.Info("CRLs not checked due to disable-crl-checks option")
		}
	}

	if verr == nil {
		// Collapse the soft findings into the most critical one.
		switch {
		case soft.revoked:
			verr = NewValidationError(KindCertRevoked, "certificate has been revoked")
		case soft.expired:
			verr = NewValidationError(KindCertExpired, "certificate has expired")
		case soft.noCRL:
			verr = NewValidationError(KindNoCRL, "no CRL found for certificate")
		case soft.crlTooOld:
			verr = NewValidationError(KindCRLTooOld, "the available CRL is too old")
		case soft.noPolicyMatch:
			verr = NewValidationError(KindNoPolicyMatch, "certificate policy not allowed")
		}
	}

	// Cache the qualified-signature classification on the target even if
	// the validation itself failed.
	if isQualified != qualUnknown {
		value := byte(0)
		if isQualified == qualYes {
			value = 1
		}
		v.userData.Set(req.Cert, UserDataIsQualified, []byte{value})
	}

	res.NearestNotAfter = exptime
	if verr != nil {
		res.Kind = KindOf(verr)
		return res, verr
	}
	return res, nil
}
