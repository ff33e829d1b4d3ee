package session

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/quic-go/quic-go"
)

// CertSource supplies the serving certificate per handshake, so a rotated
// certificate applies to new sessions while existing ones stay up.
type CertSource interface {
	GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error)
}

// Listener accepts tunnel sessions.
type Listener struct {
	ln *quic.Listener
}

// Listen opens a UDP listener on addr serving certificates from src.
func Listen(addr string, src CertSource) (*Listener, error) {
	tlsConf := &tls.Config{
		GetCertificate: src.GetCertificate,
		NextProtos:     []string{ALPN},
		MinVersion:     tls.VersionTLS13,
	}
	conf := &quic.Config{
		HandshakeIdleTimeout: DefaultHandshakeTimeout,
		MaxIdleTimeout:       defaultMaxIdleTimeout,
		KeepAlivePeriod:      defaultKeepAlivePeriod,
	}
	ln, err := quic.ListenAddr(addr, tlsConf, conf)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Accept returns the next session whose handshake has completed.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newSession(conn), nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
