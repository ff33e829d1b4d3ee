package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/longern/webtransportify/internal/auth"
	"github.com/longern/webtransportify/internal/domain"
)

// rotateAltExpr demotes the current hash to alt when a different hash is
// written. SQLite evaluates every SET expression against the old row.
const rotateAltExpr = `CASE
		WHEN ?1 IS NOT NULL AND ?1 <> IFNULL(certificate_hash, '') THEN certificate_hash
		ELSE alt_certificate_hash
	END`

// CreateTunnel inserts a tunnel with a fresh ID and token. The plaintext
// token is returned once; only its digest is stored.
func (s *Store) CreateTunnel(ctx context.Context, endpoint, certificateHash string, at time.Time) (domain.Tunnel, string, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return domain.Tunnel{}, "", err
	}
	t := domain.Tunnel{
		ID:              newID(),
		Endpoint:        endpoint,
		CertificateHash: certificateHash,
		TokenHash:       auth.HashToken(token),
		LastModified:    timestamp(at),
	}
	if err := insertTunnel(ctx, s.db, t); err != nil {
		return domain.Tunnel{}, "", mapError("create tunnel", t.ID, err)
	}
	return t, token, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTunnel(ctx context.Context, db execer, t domain.Tunnel) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO wt_tunnels(id, endpoint, certificate_hash, alt_certificate_hash, token_hash, last_modified)
VALUES(?, ?, ?, NULL, ?, ?)`,
		t.ID, nullableString(t.Endpoint), nullableString(t.CertificateHash), t.TokenHash, t.LastModified)
	return err
}

// GetTunnel returns a tunnel by ID.
func (s *Store) GetTunnel(ctx context.Context, id string) (domain.Tunnel, error) {
	var t domain.Tunnel
	var endpoint, hash, alt sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT id, endpoint, certificate_hash, alt_certificate_hash, token_hash, last_modified
FROM wt_tunnels
WHERE id = ?`, id).Scan(&t.ID, &endpoint, &hash, &alt, &t.TokenHash, &t.LastModified)
	if err != nil {
		return domain.Tunnel{}, mapError("get tunnel", id, err)
	}
	t.Endpoint = endpoint.String
	t.CertificateHash = hash.String
	t.AltCertificateHash = alt.String
	return t, nil
}

// UpdateTunnel changes the endpoint and/or certificate hash of a tunnel
// after checking its token. A new hash moves the previous one to alt.
// It fails with domain.ErrNotFound for an unknown ID and
// domain.ErrUnauthorized for a wrong token.
func (s *Store) UpdateTunnel(ctx context.Context, id, token string, upd domain.TunnelUpdate, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var tokenHash string
	if err := tx.QueryRowContext(ctx, `SELECT token_hash FROM wt_tunnels WHERE id = ?`, id).Scan(&tokenHash); err != nil {
		return mapError("update tunnel", id, err)
	}
	if !auth.TokenMatches(token, tokenHash) {
		return &domain.OpError{Op: "update tunnel", Key: id, Err: domain.ErrUnauthorized}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE wt_tunnels
SET alt_certificate_hash = `+rotateAltExpr+`,
	certificate_hash = COALESCE(?1, certificate_hash),
	endpoint = COALESCE(?2, endpoint),
	last_modified = ?3
WHERE id = ?4`,
		nullablePtr(upd.CertificateHash), nullablePtr(upd.Endpoint), timestamp(at), id); err != nil {
		return mapError("update tunnel", id, err)
	}
	return tx.Commit()
}
