// Package certs handles the self-signed tunnel certificates: hashing,
// generation, persistence, hot swapping and pin verification.
package certs

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Hash is the SHA-256 digest of a certificate's DER encoding.
type Hash [sha256.Size]byte

var (
	// ErrInvalidHash is returned for text that is not a SHA-256 digest.
	ErrInvalidHash = errors.New("invalid certificate hash")

	// ErrPinMismatch is returned when a peer certificate matches none of the
	// pinned hashes.
	ErrPinMismatch = errors.New("certificate does not match pinned hashes")
)

// Sum hashes a DER-encoded certificate.
func Sum(der []byte) Hash {
	return sha256.Sum256(der)
}

// String returns the lowercase hex form used by the directory.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Base64 returns the standard base64 form.
func (h Hash) Base64() string {
	return base64.StdEncoding.EncodeToString(h[:])
}

// IsZero reports whether h is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash accepts hex (plain or colon separated) and base64 encodings.
func ParseHash(s string) (Hash, error) {
	s = strings.TrimSpace(s)
	var h Hash
	if s == "" {
		return h, ErrInvalidHash
	}

	plain := strings.ReplaceAll(s, ":", "")
	if len(plain) == hex.EncodedLen(len(h)) {
		if b, err := hex.DecodeString(plain); err == nil {
			copy(h[:], b)
			return h, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == len(h) {
			copy(h[:], b)
			return h, nil
		}
	}
	return h, fmt.Errorf("%w: %q", ErrInvalidHash, s)
}

// ParseHashes parses every non-empty value. At least one hash is required.
func ParseHashes(values ...string) ([]Hash, error) {
	out := make([]Hash, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		h, err := ParseHash(v)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no hashes", ErrInvalidHash)
	}
	return out, nil
}

// Matches reports whether der hashes to one of pins.
func Matches(der []byte, pins []Hash) bool {
	got := Sum(der)
	ok := 0
	for _, p := range pins {
		ok |= subtle.ConstantTimeCompare(got[:], p[:])
	}
	return ok == 1
}

// VerifyPinned returns a tls.Config.VerifyPeerCertificate callback that
// accepts the peer only when its leaf certificate matches one of pins.
// Chain validation is skipped entirely.
func VerifyPinned(pins []Hash) func([][]byte, [][]*x509.Certificate) error {
	pins = append([]Hash(nil), pins...)
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: no peer certificate", ErrPinMismatch)
		}
		if Matches(rawCerts[0], pins) {
			return nil
		}
		return fmt.Errorf("%w: got %s", ErrPinMismatch, Sum(rawCerts[0]))
	}
}
