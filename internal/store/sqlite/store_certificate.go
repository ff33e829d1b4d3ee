package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/longern/webtransportify/internal/domain"
)

const lookupDomainQuery = `
SELECT domain, url, certificate_hash, alt_certificate_hash, updated_at
FROM wt_certificates
WHERE domain = ?`

// LookupByDomain returns the certificate row for a domain.
func (s *Store) LookupByDomain(ctx context.Context, name string) (domain.DomainCertificate, error) {
	name = normalizeDomain(name)
	var c domain.DomainCertificate
	var hash, alt sql.NullString
	err := s.lookupDomainStmt.QueryRowContext(ctx, name).Scan(&c.Domain, &c.URL, &hash, &alt, &c.UpdatedAt)
	if err != nil {
		return domain.DomainCertificate{}, mapError("lookup domain", name, err)
	}
	c.CertificateHash = hash.String
	c.AltCertificateHash = alt.String
	return c, nil
}

// CreateDomainCertificate inserts a row for a new domain; an existing
// domain yields domain.ErrConflict.
func (s *Store) CreateDomainCertificate(ctx context.Context, name, url, certificateHash string, at time.Time) error {
	name = normalizeDomain(name)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO wt_certificates(domain, url, certificate_hash, alt_certificate_hash, updated_at)
VALUES(?, ?, ?, NULL, ?)`, name, url, nullableString(certificateHash), timestamp(at))
	return mapError("create domain certificate", name, err)
}

// SetDomainCertificateHash rotates the hash of an existing domain row.
func (s *Store) SetDomainCertificateHash(ctx context.Context, name, certificateHash string, at time.Time) error {
	name = normalizeDomain(name)
	res, err := s.db.ExecContext(ctx, `
UPDATE wt_certificates
SET alt_certificate_hash = `+rotateAltExpr+`,
	certificate_hash = ?1,
	updated_at = ?2
WHERE domain = ?3`, certificateHash, timestamp(at), name)
	if err != nil {
		return mapError("set domain certificate", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &domain.OpError{Op: "set domain certificate", Key: name, Err: domain.ErrNotFound}
	}
	return nil
}

// UpsertDomainCertificate creates the row or rotates its hash and URL.
func (s *Store) UpsertDomainCertificate(ctx context.Context, name, url, certificateHash string, at time.Time) error {
	name = normalizeDomain(name)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO wt_certificates(domain, url, certificate_hash, alt_certificate_hash, updated_at)
VALUES(?3, ?4, ?1, NULL, ?2)
ON CONFLICT(domain) DO UPDATE SET
	alt_certificate_hash = `+rotateAltExpr+`,
	certificate_hash = ?1,
	url = ?4,
	updated_at = ?2`, nullableString(certificateHash), timestamp(at), name, url)
	return mapError("upsert domain certificate", name, err)
}
