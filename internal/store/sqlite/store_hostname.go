package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/longern/webtransportify/internal/auth"
	"github.com/longern/webtransportify/internal/domain"
)

const lookupHostnameQuery = `
SELECT t.endpoint, t.certificate_hash, t.alt_certificate_hash, t.last_modified
FROM wt_hostnames h
JOIN wt_tunnels t ON t.id = h.tunnel_id
WHERE h.hostname = ?`

// LookupByHostname resolves the tunnel bound to host.
func (s *Store) LookupByHostname(ctx context.Context, host string) (domain.Descriptor, error) {
	host = normalizeHostname(host)
	var d domain.Descriptor
	var endpoint, hash, alt sql.NullString
	err := s.lookupHostnameStmt.QueryRowContext(ctx, host).Scan(&endpoint, &hash, &alt, &d.UpdatedAt)
	if err != nil {
		return domain.Descriptor{}, mapError("lookup hostname", host, err)
	}
	d.Endpoint = endpoint.String
	d.CertificateHash = hash.String
	d.AltCertificateHash = alt.String
	return d, nil
}

// BindHostname binds host to an existing tunnel. Bindings are permanent:
// an already bound host yields domain.ErrConflict.
func (s *Store) BindHostname(ctx context.Context, host, tunnelID string) error {
	host = normalizeHostname(host)
	_, err := s.db.ExecContext(ctx, `INSERT INTO wt_hostnames(hostname, tunnel_id) VALUES(?, ?)`, host, tunnelID)
	return mapError("bind hostname", host, err)
}

// RegisterOrBind binds host to tunnelID, or to a newly created tunnel when
// tunnelID is empty. The token is only returned for a new tunnel. Creation
// and binding commit together.
func (s *Store) RegisterOrBind(ctx context.Context, host, tunnelID string, at time.Time) (string, string, error) {
	host = normalizeHostname(host)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = tx.Rollback() }()

	var token string
	if tunnelID == "" {
		token, err = auth.GenerateToken()
		if err != nil {
			return "", "", err
		}
		t := domain.Tunnel{
			ID:           newID(),
			TokenHash:    auth.HashToken(token),
			LastModified: timestamp(at),
		}
		if err := insertTunnel(ctx, tx, t); err != nil {
			return "", "", mapError("create tunnel", t.ID, err)
		}
		tunnelID = t.ID
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO wt_hostnames(hostname, tunnel_id) VALUES(?, ?)`, host, tunnelID); err != nil {
		return "", "", mapError("bind hostname", host, err)
	}
	if err := tx.Commit(); err != nil {
		return "", "", err
	}
	return tunnelID, token, nil
}
