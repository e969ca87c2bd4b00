package chainval

// Options are the configuration switches consulted by the validator.
type Options struct {
	// NoChainValidation bypasses chain validation entirely (dangerous;
	// a warning is logged).
	NoChainValidation bool

	// NoPolicyCheck disables certificate policy checks.
	NoPolicyCheck bool

	// PolicyFile is the path to the administrator policy file.  Empty
	// means no policies are configured.
	PolicyFile string

	// NoCRLCheck disables CRL checks (unless OCSP is requested).
	NoCRLCheck bool

	// NoTrustedCertCRLCheck disables the revocation check on trusted
	// root certificates.
	NoTrustedCertCRLCheck bool

	// AutoIssuerKeyRetrieve enables external lookup of missing issuer
	// certificates through the directory.
	AutoIssuerKeyRetrieve bool

	// IgnoreExpiration turns expired certificates into a logged warning
	// instead of a validation failure.
	IgnoreExpiration bool

	// UseOCSP switches revocation checks from CRL to OCSP.
	UseOCSP bool

	// Verbose raises the diagnostic level.
	Verbose int
}
