// Package dirmngr implements the directory client used by chain
// validation: certificate status checks via CRL or OCSP, and remote
// lookup of issuer certificates.
package dirmngr

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/certchain/keys"
)

// Common errors
var (
	ErrRevoked      = errors.New("certificate has been revoked")
	ErrNoCRL        = errors.New("no CRL known for certificate")
	ErrCRLTooOld    = errors.New("the available CRL is too old")
	ErrLookupFailed = errors.New("external lookup failed")
)

// Config configures the directory client.
type Config struct {
	// DirectoryURL is the base URL of the certificate directory used for
	// issuer lookups.  Empty disables external lookups.
	DirectoryURL string

	// Timeout is the HTTP client timeout.
	Timeout time.Duration

	// MaxResponseSize caps response bodies in bytes.
	MaxResponseSize int64

	// UserAgent is sent on outgoing requests.
	UserAgent string

	// MaxRetries is the number of additional attempts after a failed
	// fetch.  Every failure is retried, whatever its cause.
	MaxRetries int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// HTTPClient allows using a custom HTTP client.  If nil, a default
	// client is created with Timeout.
	HTTPClient *http.Client
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:         30 * time.Second,
		MaxResponseSize: 10 * 1024 * 1024, // 10 MB
		UserAgent:       "certchain-dirmngr/1.0",
		MaxRetries:      2,
		RetryDelay:      time.Second,
	}
}

// Client answers certificate status queries and performs remote issuer
// lookups.
type Client struct {
	cfg   *Config
	http  *http.Client
	clock clockwork.Clock
	log   *slog.Logger
}

// New creates a directory client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:   cfg,
		http:  httpClient,
		clock: clockwork.NewRealClock(),
		log:   slog.Default(),
	}
}

// SetClock replaces the clock used for freshness checks.
func (c *Client) SetClock(clock clockwork.Clock) {
	if clock != nil {
		c.clock = clock
	}
}

// SetLogger replaces the logger used for diagnostics.
func (c *Client) SetLogger(log *slog.Logger) {
	if log != nil {
		c.log = log
	}
}

// IsValid checks whether subject, issued by issuer, is currently valid.
// It returns nil for a good certificate, ErrRevoked, ErrNoCRL or
// ErrCRLTooOld for the respective conditions, or another error when the
// status could not be determined.
func (c *Client) IsValid(ctx context.Context, subject, issuer *x509.Certificate, useOCSP bool) error {
	if useOCSP {
		return c.checkOCSP(ctx, subject, issuer)
	}
	return c.checkCRL(ctx, subject, issuer)
}

func (c *Client) checkOCSP(ctx context.Context, subject, issuer *x509.Certificate) error {
	if len(subject.OCSPServer) == 0 {
		return ErrNoCRL
	}

	reqDER, err := ocsp.CreateRequest(subject, issuer, nil)
	if err != nil {
		return fmt.Errorf("building OCSP request: %w", err)
	}

	var lastErr error
	for _, server := range subject.OCSPServer {
		respDER, err := c.post(ctx, server, "application/ocsp-request", reqDER)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := ocsp.ParseResponseForCert(respDER, subject, issuer)
		if err != nil {
			lastErr = fmt.Errorf("parsing OCSP response: %w", err)
			continue
		}
		if !resp.NextUpdate.IsZero() && c.clock.Now().After(resp.NextUpdate) {
			return ErrCRLTooOld
		}
		switch resp.Status {
		case ocsp.Good:
			return nil
		case ocsp.Revoked:
			return ErrRevoked
		default:
			return ErrNoCRL
		}
	}
	if lastErr != nil {
		c.log.Error("all OCSP responders failed", "err", lastErr)
	}
	return ErrNoCRL
}

func (c *Client) checkCRL(ctx context.Context, subject, issuer *x509.Certificate) error {
	if len(subject.CRLDistributionPoints) == 0 {
		return ErrNoCRL
	}

	var lastErr error
	for _, dp := range subject.CRLDistributionPoints {
		body, err := c.get(ctx, dp)
		if err != nil {
			lastErr = err
			continue
		}
		crl, err := parseCRL(body)
		if err != nil {
			lastErr = err
			continue
		}
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			lastErr = fmt.Errorf("CRL signature verification failed: %w", err)
			continue
		}
		if !crl.NextUpdate.IsZero() && c.clock.Now().After(crl.NextUpdate) {
			return ErrCRLTooOld
		}
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber != nil && entry.SerialNumber.Cmp(subject.SerialNumber) == 0 {
				return ErrRevoked
			}
		}
		return nil
	}
	if lastErr != nil {
		c.log.Error("all CRL distribution points failed", "err", lastErr)
	}
	return ErrNoCRL
}

// parseCRL parses a DER or PEM encoded CRL.
func parseCRL(data []byte) (*x509.RevocationList, error) {
	if bytes.Contains(data, []byte("-----BEGIN")) {
		block, err := keys.PEMBlock(data, "X509 CRL")
		if err != nil {
			return nil, err
		}
		data = block
	}
	return x509.ParseRevocationList(data)
}

// Lookup queries the configured directory for certificates matching the
// given patterns and hands each result to cb.  It returns the number of
// certificates found.
func (c *Client) Lookup(ctx context.Context, patterns []string, cb func(*x509.Certificate)) (int, error) {
	if c.cfg.DirectoryURL == "" {
		return 0, fmt.Errorf("%w: no directory configured", ErrLookupFailed)
	}

	count := 0
	for _, pattern := range patterns {
		u := c.cfg.DirectoryURL + "?pattern=" + url.QueryEscape(pattern)
		body, err := c.get(ctx, u)
		if err != nil {
			return count, fmt.Errorf("%w: %v", ErrLookupFailed, err)
		}
		certs, err := keys.ParseCertificates(body)
		if err != nil {
			if errors.Is(err, keys.ErrNoCertificates) {
				continue
			}
			return count, fmt.Errorf("%w: %v", ErrLookupFailed, err)
		}
		for _, cert := range certs {
			cb(cert)
			count++
		}
	}
	return count, nil
}

// get fetches a URL with retries and a response size cap.
func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	return c.fetch(ctx, http.MethodGet, u, "", nil)
}

// post sends a request body and returns the response body.
func (c *Client) post(ctx context.Context, u, contentType string, body []byte) ([]byte, error) {
	return c.fetch(ctx, http.MethodPost, u, contentType, body)
}

func (c *Client) fetch(ctx context.Context, method, u, contentType string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}
		data, err := c.fetchOnce(ctx, method, u, contentType, body)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, method, u, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // response body

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s fetching %s", resp.Status, u)
	}

	limit := c.cfg.MaxResponseSize
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", u, limit)
	}
	return data, nil
}
