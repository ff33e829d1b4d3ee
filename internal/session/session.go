// Package session carries tunnel traffic over QUIC connections that are
// authenticated by pinned certificate hashes instead of a CA chain.
package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/longern/webtransportify/internal/certs"
	"github.com/longern/webtransportify/internal/domain"
	"github.com/longern/webtransportify/internal/netutil"
)

// ALPN is the application protocol negotiated on every tunnel connection.
const ALPN = "webtransportify"

const (
	DefaultHandshakeTimeout = 10 * time.Second
	defaultMaxIdleTimeout   = 30 * time.Second
	defaultKeepAlivePeriod  = 10 * time.Second
)

// Application error codes sent when a session is closed.
const (
	CodeNoError        quic.ApplicationErrorCode = 0
	CodeTCPUnavailable quic.ApplicationErrorCode = 0x100
	CodeInternal       quic.ApplicationErrorCode = 0x101
)

// Dialer opens pinned sessions. The zero value is ready to use.
type Dialer struct {
	HandshakeTimeout time.Duration
	MaxIdleTimeout   time.Duration
	KeepAlivePeriod  time.Duration
}

func (d *Dialer) handshakeTimeout() time.Duration {
	if d == nil || d.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}
	return d.HandshakeTimeout
}

func (d *Dialer) quicConfig() *quic.Config {
	conf := &quic.Config{
		HandshakeIdleTimeout: d.handshakeTimeout(),
		MaxIdleTimeout:       defaultMaxIdleTimeout,
		KeepAlivePeriod:      defaultKeepAlivePeriod,
	}
	if d != nil && d.MaxIdleTimeout > 0 {
		conf.MaxIdleTimeout = d.MaxIdleTimeout
	}
	if d != nil && d.KeepAlivePeriod > 0 {
		conf.KeepAlivePeriod = d.KeepAlivePeriod
	}
	return conf
}

// Open dials endpoint and accepts the peer only if its leaf certificate
// hashes to one of hashes. A pin mismatch or failed handshake yields
// domain.ErrHandshakeFailed; exceeding the handshake bound yields
// domain.ErrHandshakeTimeout.
func (d *Dialer) Open(ctx context.Context, endpoint string, hashes []certs.Hash) (*Session, error) {
	if len(hashes) == 0 {
		return nil, &domain.OpError{Op: "open session", Key: endpoint, Err: fmt.Errorf("%w: no certificate hashes", domain.ErrHandshakeFailed)}
	}
	addr, err := netutil.DialAddress(endpoint)
	if err != nil {
		return nil, &domain.OpError{Op: "open session", Key: endpoint, Err: err}
	}

	var mismatch atomic.Bool
	verify := certs.VerifyPinned(hashes)
	tlsConf := &tls.Config{
		// Trust comes from the pinned hash alone.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(raw [][]byte, chains [][]*x509.Certificate) error {
			if err := verify(raw, chains); err != nil {
				mismatch.Store(true)
				return err
			}
			return nil
		},
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.handshakeTimeout())
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, addr, tlsConf, d.quicConfig())
	if err != nil {
		return nil, &domain.OpError{Op: "open session", Key: endpoint, Err: classifyDialError(ctx, err, mismatch.Load())}
	}
	return newSession(conn), nil
}

func classifyDialError(parent context.Context, err error, mismatch bool) error {
	switch {
	case mismatch:
		return fmt.Errorf("%w: %w", domain.ErrHandshakeFailed, certs.ErrPinMismatch)
	case parent.Err() != nil:
		return parent.Err()
	case isTimeout(err):
		return fmt.Errorf("%w: %w", domain.ErrHandshakeTimeout, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrHandshakeFailed, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Session is one multiplexed connection. Streams are independent; closing
// the session releases all of them.
type Session struct {
	conn *quic.Conn
}

func newSession(conn *quic.Conn) *Session {
	return &Session{conn: conn}
}

// OpenStream opens a bidirectional stream, waiting for stream credit.
func (s *Session) OpenStream(ctx context.Context) (*Stream, error) {
	st, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, mapSessionError(err)
	}
	return &Stream{st: st}, nil
}

// AcceptStream waits for the peer to open a bidirectional stream.
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	st, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, mapSessionError(err)
	}
	return &Stream{st: st}, nil
}

// Ready blocks until the handshake has completed.
func (s *Session) Ready(ctx context.Context) error {
	select {
	case <-s.conn.HandshakeComplete():
		return nil
	case <-s.conn.Context().Done():
		return mapSessionError(context.Cause(s.conn.Context()))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context {
	return s.conn.Context()
}

// Done is closed when the session ends, locally or remotely.
func (s *Session) Done() <-chan struct{} {
	return s.conn.Context().Done()
}

// Err returns why the session ended, or nil while it is alive.
func (s *Session) Err() error {
	if s.conn.Context().Err() == nil {
		return nil
	}
	return mapSessionError(context.Cause(s.conn.Context()))
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// CloseWithError closes the session, signalling code and msg to the peer.
func (s *Session) CloseWithError(code quic.ApplicationErrorCode, msg string) error {
	return s.conn.CloseWithError(code, msg)
}

// Close closes the session without an error.
func (s *Session) Close() error {
	return s.conn.CloseWithError(CodeNoError, "")
}

// mapSessionError turns a remote "tcp unavailable" close into
// domain.ErrTCPUnavailable.
func mapSessionError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == CodeTCPUnavailable {
		return fmt.Errorf("%w: %s", domain.ErrTCPUnavailable, appErr.ErrorMessage)
	}
	return err
}
