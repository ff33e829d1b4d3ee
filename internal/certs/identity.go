package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// DefaultValidity is the lifetime of generated certificates. Browsers refuse
// pinned certificates valid for longer than 14 days.
const DefaultValidity = 14 * 24 * time.Hour

// Identity is a certificate with its key, parsed leaf and hash.
type Identity struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	Hash        Hash
}

// GenerateSelfSigned creates an ECDSA P-256 certificate for localhost valid
// from now for validity.
func GenerateSelfSigned(now time.Time, validity time.Duration) (*Identity, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             now.UTC(),
		NotAfter:              now.UTC().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return newIdentity(tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key})
}

// LoadIdentity reads a PEM certificate and key pair.
func LoadIdentity(certFile, keyFile string) (*Identity, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return newIdentity(cert)
}

func newIdentity(cert tls.Certificate) (*Identity, error) {
	if len(cert.Certificate) == 0 {
		return nil, errors.New("certificate chain is empty")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}
	cert.Leaf = leaf
	return &Identity{Certificate: cert, Leaf: leaf, Hash: Sum(cert.Certificate[0])}, nil
}

// ValidAt reports whether t lies within the certificate validity window.
func (id *Identity) ValidAt(t time.Time) bool {
	if id == nil || id.Leaf == nil {
		return false
	}
	return !t.Before(id.Leaf.NotBefore) && t.Before(id.Leaf.NotAfter)
}

// Save writes the certificate and key as PEM files, creating parent
// directories as needed. The key file is written with 0600 permissions.
func (id *Identity) Save(certFile, keyFile string) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(id.Certificate.PrivateKey)
	if err != nil {
		return err
	}
	for _, p := range []string{certFile, keyFile} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
	}
	var certPEM []byte
	for _, der := range id.Certificate.Certificate {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600)
}

// Holder publishes the current identity to TLS handshakes. Swapping the
// identity affects only handshakes that start afterwards.
type Holder struct {
	current atomic.Pointer[Identity]
}

// NewHolder returns a Holder serving id.
func NewHolder(id *Identity) *Holder {
	h := &Holder{}
	h.current.Store(id)
	return h
}

// Load returns the identity currently served.
func (h *Holder) Load() *Identity {
	return h.current.Load()
}

// Store replaces the served identity.
func (h *Holder) Store(id *Identity) {
	h.current.Store(id)
}

// GetCertificate implements tls.Config.GetCertificate.
func (h *Holder) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	id := h.current.Load()
	if id == nil {
		return nil, errors.New("no certificate loaded")
	}
	return &id.Certificate, nil
}
