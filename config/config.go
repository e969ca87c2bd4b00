// Package config loads the engine configuration from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/certchain/chainval"
	"github.com/georgepadayatti/certchain/dirmngr"
)

// ErrConfigurationError marks every unusable configuration, whether the
// file cannot be read or a field combination makes no sense.
var ErrConfigurationError = errors.New("configuration error")

// fieldError reports an unusable configuration field.
func fieldError(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrConfigurationError, field, reason)
}

// Duration wraps time.Duration so that YAML strings like "30s" decode.
type Duration time.Duration

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: invalid duration %q", ErrConfigurationError, s)
	}
	*d = Duration(parsed)
	return nil
}

// DirectoryConfig configures the directory client.
type DirectoryConfig struct {
	// URL is the base URL of the certificate directory used for issuer
	// lookups.  Empty disables external lookups.
	URL string `yaml:"url" json:"url,omitempty"`

	// Timeout is the HTTP timeout for directory requests.
	Timeout Duration `yaml:"timeout" json:"timeout,omitempty"`

	// MaxRetries is the number of additional fetch attempts.
	MaxRetries int `yaml:"max-retries" json:"max_retries,omitempty"`
}

// Config is the full engine configuration.
type Config struct {
	// KeyDB is the path of the certificate database.
	KeyDB string `yaml:"keydb" json:"keydb"`

	// TrustList is the path of the trusted root list.
	TrustList string `yaml:"trust-list" json:"trust_list"`

	// QualifiedList is the path of the qualified signature root list.
	QualifiedList string `yaml:"qualified-list" json:"qualified_list,omitempty"`

	// PolicyFile is the path of the administrator policy file.
	PolicyFile string `yaml:"policy-file" json:"policy_file,omitempty"`

	// Directory configures the directory client.
	Directory DirectoryConfig `yaml:"directory" json:"directory,omitempty"`

	// NoChainValidation bypasses chain validation entirely.
	NoChainValidation bool `yaml:"no-chain-validation" json:"no_chain_validation,omitempty"`

	// NoPolicyCheck disables certificate policy checks.
	NoPolicyCheck bool `yaml:"no-policy-check" json:"no_policy_check,omitempty"`

	// NoCRLCheck disables CRL checks.
	NoCRLCheck bool `yaml:"no-crl-check" json:"no_crl_check,omitempty"`

	// NoTrustedCertCRLCheck disables the revocation check on trusted
	// root certificates.
	NoTrustedCertCRLCheck bool `yaml:"no-trusted-cert-crl-check" json:"no_trusted_cert_crl_check,omitempty"`

	// AutoIssuerKeyRetrieve enables external lookup of missing issuers.
	AutoIssuerKeyRetrieve bool `yaml:"auto-issuer-key-retrieve" json:"auto_issuer_key_retrieve,omitempty"`

	// IgnoreExpiration logs a warning instead of failing on expired
	// certificates.
	IgnoreExpiration bool `yaml:"ignore-expiration" json:"ignore_expiration,omitempty"`

	// UseOCSP switches revocation checks from CRL to OCSP.
	UseOCSP bool `yaml:"use-ocsp" json:"use_ocsp,omitempty"`

	// Verbose raises the diagnostic level.
	Verbose int `yaml:"verbose" json:"verbose,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		KeyDB:     "certchain.db",
		TrustList: "trustlist.txt",
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfigurationError, path, err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfigurationError, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.KeyDB == "" {
		return fieldError("keydb", "required field is missing")
	}
	if c.AutoIssuerKeyRetrieve && c.Directory.URL == "" {
		return fieldError("directory.url", "required when auto-issuer-key-retrieve is set")
	}
	return nil
}

// ValidatorOptions maps the configuration onto validator options.
func (c *Config) ValidatorOptions() chainval.Options {
	return chainval.Options{
		NoChainValidation:     c.NoChainValidation,
		NoPolicyCheck:         c.NoPolicyCheck,
		PolicyFile:            c.PolicyFile,
		NoCRLCheck:            c.NoCRLCheck,
		NoTrustedCertCRLCheck: c.NoTrustedCertCRLCheck,
		AutoIssuerKeyRetrieve: c.AutoIssuerKeyRetrieve,
		IgnoreExpiration:      c.IgnoreExpiration,
		UseOCSP:               c.UseOCSP,
		Verbose:               c.Verbose,
	}
}

// DirmngrConfig maps the configuration onto the directory client.
func (c *Config) DirmngrConfig() *dirmngr.Config {
	cfg := dirmngr.DefaultConfig()
	cfg.DirectoryURL = c.Directory.URL
	if c.Directory.Timeout > 0 {
		cfg.Timeout = time.Duration(c.Directory.Timeout)
	}
	if c.Directory.MaxRetries > 0 {
		cfg.MaxRetries = c.Directory.MaxRetries
	}
	return cfg
}
