// Package domain defines the core data types shared across the
// webtransportify directory, edge, bridge and store layers.
package domain

import "time"

// Tunnel is a registered tunnel endpoint together with its pinned
// certificate hashes. TokenHash is the SHA-256 digest of the bearer token
// handed out once at creation.
type Tunnel struct {
	ID                 string
	Endpoint           string
	CertificateHash    string
	AltCertificateHash string
	TokenHash          string
	LastModified       time.Time
}

// HostnameBinding maps a public hostname to a tunnel. Bindings are never
// rebound once created.
type HostnameBinding struct {
	Hostname string
	TunnelID string
}

// DomainCertificate is the per-domain variant of a tunnel record used by the
// domain lookup mode.
type DomainCertificate struct {
	Domain             string
	URL                string
	CertificateHash    string
	AltCertificateHash string
	UpdatedAt          time.Time
}

// Descriptor is what the edge needs to open a pinned session: where to dial
// and which certificate hashes to accept.
type Descriptor struct {
	Endpoint           string
	CertificateHash    string
	AltCertificateHash string
	UpdatedAt          time.Time
}

// Hashes returns the non-empty certificate hashes, current first.
func (d Descriptor) Hashes() []string {
	out := make([]string, 0, 2)
	if d.CertificateHash != "" {
		out = append(out, d.CertificateHash)
	}
	if d.AltCertificateHash != "" {
		out = append(out, d.AltCertificateHash)
	}
	return out
}

// Descriptor returns the lookup view of a tunnel.
func (t Tunnel) Descriptor() Descriptor {
	return Descriptor{
		Endpoint:           t.Endpoint,
		CertificateHash:    t.CertificateHash,
		AltCertificateHash: t.AltCertificateHash,
		UpdatedAt:          t.LastModified,
	}
}

// Descriptor returns the lookup view of a domain certificate row.
func (c DomainCertificate) Descriptor() Descriptor {
	return Descriptor{
		Endpoint:           c.URL,
		CertificateHash:    c.CertificateHash,
		AltCertificateHash: c.AltCertificateHash,
		UpdatedAt:          c.UpdatedAt,
	}
}

// TunnelUpdate lists the fields a tunnel owner may change. Nil fields are
// left untouched; a new certificate hash demotes the current one to alt.
type TunnelUpdate struct {
	Endpoint        *string
	CertificateHash *string
}
