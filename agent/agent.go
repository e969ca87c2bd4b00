// Package agent implements the trust anchor service: it answers whether a
// root certificate is trusted, optionally prompts the user to mark a root
// as trusted, and maintains the list of roots approved for qualified
// signatures.
//
// Trust decisions are backed by two plain text files.  The trust list has
// one entry per line:
//
//	<SHA1-fingerprint-hex> [relax]
//
// The qualified list pairs a fingerprint with an ISO country code:
//
//	<SHA1-fingerprint-hex> <country>
//
// Lines starting with '#' and blank lines are ignored in both files.
package agent

import (
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/georgepadayatti/certchain/x509util"
)

// Common errors
var (
	ErrNotTrusted   = errors.New("root certificate is not trusted")
	ErrNotSupported = errors.New("interactive marking as trusted is not supported")
	ErrCanceled     = errors.New("operation canceled")
	ErrNotFound     = errors.New("certificate not in qualified list")
)

// Flags are the per-root options attached to a trust list entry.
type Flags struct {
	// Relax allows relaxed checks on this root: no revocation check on
	// the anchor itself and a pass for missing Basic Constraints.
	Relax bool
}

// PromptFunc asks the user whether the root with the given fingerprint
// shall be marked as trusted.  Returning false means the user declined.
type PromptFunc func(fingerprint string, cert *x509.Certificate) (bool, error)

// Agent is a file-backed trust anchor service.
type Agent struct {
	mu sync.Mutex

	trustListPath string
	entries       map[string]Flags  // SHA-1 fingerprint -> flags
	qualified     map[string]string // SHA-1 fingerprint -> country code

	prompt PromptFunc
	log    *slog.Logger
}

// New creates an agent from the given list files.  A missing trust list is
// not an error; it simply means no root is trusted yet.  The qualified
// list path may be empty.
func New(trustListPath, qualifiedListPath string) (*Agent, error) {
	a := &Agent{
		trustListPath: trustListPath,
		entries:       make(map[string]Flags),
		qualified:     make(map[string]string),
		log:           slog.Default(),
	}
	if err := a.loadTrustList(); err != nil {
		return nil, err
	}
	if qualifiedListPath != "" {
		if err := a.loadQualifiedList(qualifiedListPath); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// SetPrompt installs the interactive mark-trusted prompt.  Without a
// prompt, MarkTrusted reports ErrNotSupported.
func (a *Agent) SetPrompt(prompt PromptFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompt = prompt
}

// SetLogger replaces the logger used for diagnostics.
func (a *Agent) SetLogger(log *slog.Logger) {
	if log != nil {
		a.log = log
	}
}

func (a *Agent) loadTrustList() error {
	if a.trustListPath == "" {
		return nil
	}
	f, err := os.Open(a.trustListPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("opening trust list: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		fpr := normalizeFingerprint(fields[0])
		var flags Flags
		for _, field := range fields[1:] {
			if strings.EqualFold(field, "relax") {
				flags.Relax = true
			}
		}
		a.entries[fpr] = flags
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading trust list: %w", err)
	}
	return nil
}

func (a *Agent) loadQualifiedList(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("opening qualified list: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		a.qualified[normalizeFingerprint(fields[0])] = strings.ToLower(fields[1])
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading qualified list: %w", err)
	}
	return nil
}

// IsTrusted reports whether the root certificate is on the trust list.
// On success the per-root flags are returned; an absent entry yields
// ErrNotTrusted.
func (a *Agent) IsTrusted(_ context.Context, cert *x509.Certificate) (Flags, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	flags, ok := a.entries[x509util.SHA1FingerprintHex(cert)]
	if !ok {
		return Flags{}, ErrNotTrusted
	}
	return flags, nil
}

// MarkTrusted interactively asks the user to trust the root and, if
// approved, adds it to the trust list.  Returns ErrNotSupported when no
// prompt is installed and ErrCanceled when the user declined.
func (a *Agent) MarkTrusted(_ context.Context, cert *x509.Certificate) error {
	a.mu.Lock()
	prompt := a.prompt
	a.mu.Unlock()

	if prompt == nil {
		return ErrNotSupported
	}

	fpr := x509util.SHA1FingerprintHex(cert)
	ok, err := prompt(fpr, cert)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCanceled
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[fpr] = Flags{}
	if err := a.appendTrustListEntry(fpr); err != nil {
		// The in-memory entry is live for this session either way.
		a.log.Error("failed to persist trust list entry", "err", err)
	}
	return nil
}

func (a *Agent) appendTrustListEntry(fpr string) error {
	if a.trustListPath == "" {
		return nil
	}
	f, err := os.OpenFile(a.trustListPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // flushed by write below
	_, err = fmt.Fprintf(f, "%s\n", fpr)
	return err
}

// IsInQualifiedList reports whether the root is approved for qualified
// signatures and returns its country code.  An absent entry yields
// ErrNotFound.
func (a *Agent) IsInQualifiedList(_ context.Context, cert *x509.Certificate) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	country, ok := a.qualified[x509util.SHA1FingerprintHex(cert)]
	if !ok {
		return "", ErrNotFound
	}
	return country, nil
}

func normalizeFingerprint(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, ":", ""))
}
