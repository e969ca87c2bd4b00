// Package keydb provides the certificate database used during chain
// validation.  Certificates live either in a persistent SQLite store or in
// an in-memory ephemeral overlay holding externally fetched certificates
// that must not be treated as permanent.  Lookups go through a stateful
// search handle so that "find next" iteration over candidate issuers works
// the same way against both stores.
package keydb

import (
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite" // CGO-free SQLite driver

	"github.com/georgepadayatti/certchain/x509util"
)

// Common errors
var (
	ErrNotFound = errors.New("certificate not found")
	ErrNoResult = errors.New("no search result loaded")
)

// Flag kinds for SetCertFlags.
const (
	FlagValidity = iota
)

// Validity flag values.
const (
	ValidityUnknown = 0
	ValidityRevoked = 1 << 5
)

// Entry is a stored certificate together with its cached flags.
type Entry struct {
	Cert      *x509.Certificate
	Validity  int
	Ephemeral bool
}

// DB is a certificate database: a persistent SQLite store plus an
// ephemeral in-memory overlay.
type DB struct {
	mu  sync.Mutex
	sql *sql.DB
	eph []*Entry
	log *slog.Logger
}

// Open creates or opens the database at path and runs migrations.  Use
// ":memory:" for an in-memory database (useful for tests).
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &DB{sql: db, log: slog.Default()}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS certs (
    fpr      TEXT PRIMARY KEY,
    subject  TEXT NOT NULL,
    issuer   TEXT NOT NULL,
    serial   TEXT NOT NULL,
    ski      TEXT NOT NULL DEFAULT '',
    der      BLOB NOT NULL,
    validity INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS certs_subject ON certs (subject);
CREATE INDEX IF NOT EXISTS certs_issuer_serial ON certs (issuer, serial);
`)
	return err
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// SetLogger replaces the logger used for diagnostics.
func (d *DB) SetLogger(log *slog.Logger) {
	if log != nil {
		d.log = log
	}
}

// StoreCert stores a certificate.  Ephemeral certificates only live in the
// in-memory overlay and are gone when the process exits.  Storing an
// already present certificate is not an error.
func (d *DB) StoreCert(cert *x509.Certificate, ephemeral bool) error {
	if cert == nil {
		return errors.New("certificate is required")
	}
	fpr := x509util.FingerprintHex(cert)

	if ephemeral {
		d.mu.Lock()
		defer d.mu.Unlock()
		for _, e := range d.eph {
			if x509util.FingerprintHex(e.Cert) == fpr {
				return nil
			}
		}
		d.eph = append(d.eph, &Entry{Cert: cert, Ephemeral: true})
		return nil
	}

	_, err := d.sql.Exec(
		"INSERT OR IGNORE INTO certs (fpr, subject, issuer, serial, ski, der) VALUES (?, ?, ?, ?, ?, ?)",
		fpr,
		x509util.SubjectDN(cert),
		x509util.IssuerDN(cert),
		x509util.SerialString(cert.SerialNumber),
		fmt.Sprintf("%x", cert.SubjectKeyId),
		cert.Raw,
	)
	if err != nil {
		return fmt.Errorf("storing certificate: %w", err)
	}
	return nil
}

// SetCertFlags updates cached flags on the stored entry for cert.  The new
// value is computed as (old &^ mask) | value.  Both stores are updated so
// that an ephemeral copy carries the same flags as a permanent one.
func (d *DB) SetCertFlags(cert *x509.Certificate, kind, mask, value int) error {
	if kind != FlagValidity {
		return fmt.Errorf("unknown flag kind %d", kind)
	}
	fpr := x509util.FingerprintHex(cert)

	d.mu.Lock()
	for _, e := range d.eph {
		if x509util.FingerprintHex(e.Cert) == fpr {
			e.Validity = (e.Validity &^ mask) | value
		}
	}
	d.mu.Unlock()

	_, err := d.sql.Exec(
		"UPDATE certs SET validity = (validity & ~?) | ? WHERE fpr = ?",
		mask, value, fpr,
	)
	if err != nil {
		return fmt.Errorf("updating certificate flags: %w", err)
	}
	return nil
}

// CertFlags returns the cached validity flags for cert.  Missing entries
// report ValidityUnknown.
func (d *DB) CertFlags(cert *x509.Certificate) (int, error) {
	fpr := x509util.FingerprintHex(cert)

	d.mu.Lock()
	for _, e := range d.eph {
		if x509util.FingerprintHex(e.Cert) == fpr {
			v := e.Validity
			d.mu.Unlock()
			return v, nil
		}
	}
	d.mu.Unlock()

	var v int
	err := d.sql.QueryRow("SELECT validity FROM certs WHERE fpr = ?", fpr).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return ValidityUnknown, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading certificate flags: %w", err)
	}
	return v, nil
}

// All returns every stored entry, permanent entries first in insertion
// order, then the ephemeral overlay.
func (d *DB) All() ([]*Entry, error) {
	rows, err := d.sql.Query("SELECT der, validity FROM certs ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var entries []*Entry
	for rows.Next() {
		var der []byte
		var validity int
		if err := rows.Scan(&der, &validity); err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			d.log.Error("skipping unparsable stored certificate", "err", err)
			continue
		}
		entries = append(entries, &Entry{Cert: cert, Validity: validity})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	entries = append(entries, d.eph...)
	d.mu.Unlock()
	return entries, nil
}

// searchKind discriminates the active query of a handle.
type searchKind int

const (
	searchNone searchKind = iota
	searchSubject
	searchIssuerSerial
)

// Handle is a stateful search cursor over the database.  One handle is
// used per validation pass.  The ephemeral flag is sticky: it selects
// which store subsequent searches hit and must be saved, set, and restored
// around ephemeral probes.
type Handle struct {
	db        *DB
	ephemeral bool

	kind      searchKind
	dn        string
	serial    string
	loadedEph bool
	results   []*x509.Certificate
	pos       int
	current   *x509.Certificate
}

// NewHandle creates a fresh search handle.
func (d *DB) NewHandle() *Handle {
	return &Handle{db: d}
}

// SetEphemeral switches the handle between the permanent store and the
// ephemeral overlay and returns the previous setting.  The cursor position
// is kept; only future searches are affected.
func (h *Handle) SetEphemeral(on bool) bool {
	old := h.ephemeral
	h.ephemeral = on
	return old
}

// SearchReset discards the current search state so that the next search
// starts from the beginning.
func (h *Handle) SearchReset() {
	h.resetState()
}

func (h *Handle) resetState() {
	h.kind = searchNone
	h.dn = ""
	h.serial = ""
	h.results = nil
	h.pos = 0
	h.current = nil
}

// SearchSubject positions the cursor on the next certificate whose subject
// DN equals dn.  Repeated calls with the same DN iterate over all matches;
// ErrNotFound is returned once they are exhausted.
func (h *Handle) SearchSubject(dn string) error {
	return h.search(searchSubject, dn, "")
}

// SearchIssuerSerial positions the cursor on the next certificate with the
// given issuer DN and serial number.
func (h *Handle) SearchIssuerSerial(issuerDN, serial string) error {
	return h.search(searchIssuerSerial, issuerDN, serial)
}

func (h *Handle) search(kind searchKind, dn, serial string) error {
	if h.kind != kind || h.dn != dn || h.serial != serial || h.loadedEph != h.ephemeral {
		results, err := h.load(kind, dn, serial)
		if err != nil {
			return err
		}
		h.kind = kind
		h.dn = dn
		h.serial = serial
		h.loadedEph = h.ephemeral
		h.results = results
		h.pos = 0
	}
	if h.pos >= len(h.results) {
		h.current = nil
		return ErrNotFound
	}
	h.current = h.results[h.pos]
	h.pos++
	return nil
}

func (h *Handle) load(kind searchKind, dn, serial string) ([]*x509.Certificate, error) {
	if h.ephemeral {
		return h.loadEphemeral(kind, dn, serial), nil
	}

	var rows *sql.Rows
	var err error
	switch kind {
	case searchSubject:
		rows, err = h.db.sql.Query(
			"SELECT der FROM certs WHERE subject = ? ORDER BY rowid", dn)
	case searchIssuerSerial:
		rows, err = h.db.sql.Query(
			"SELECT der FROM certs WHERE issuer = ? AND serial = ? ORDER BY rowid", dn, serial)
	default:
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, fmt.Errorf("searching certificates: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var results []*x509.Certificate
	for rows.Next() {
		var der []byte
		if err := rows.Scan(&der); err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			h.db.log.Error("skipping unparsable stored certificate", "err", err)
			continue
		}
		results = append(results, cert)
	}
	return results, rows.Err()
}

func (h *Handle) loadEphemeral(kind searchKind, dn, serial string) []*x509.Certificate {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()

	var results []*x509.Certificate
	for _, e := range h.db.eph {
		switch kind {
		case searchSubject:
			if x509util.SubjectDN(e.Cert) == dn {
				results = append(results, e.Cert)
			}
		case searchIssuerSerial:
			if x509util.IssuerDN(e.Cert) == dn &&
				x509util.SerialString(e.Cert.SerialNumber) == serial {
				results = append(results, e.Cert)
			}
		}
	}
	return results
}

// GetCert returns the certificate the cursor is positioned on.
func (h *Handle) GetCert() (*x509.Certificate, error) {
	if h.current == nil {
		return nil, ErrNoResult
	}
	return h.current, nil
}

// StoreCert stores a certificate through the handle's database.
func (h *Handle) StoreCert(cert *x509.Certificate, ephemeral bool) error {
	return h.db.StoreCert(cert, ephemeral)
}

// SetCertFlags updates cached flags through the handle's database.
func (h *Handle) SetCertFlags(cert *x509.Certificate, kind, mask, value int) error {
	return h.db.SetCertFlags(cert, kind, mask, value)
}
