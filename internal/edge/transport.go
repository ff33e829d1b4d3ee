package edge

import (
	"context"
	"io"

	"github.com/longern/webtransportify/internal/certs"
	"github.com/longern/webtransportify/internal/session"
)

// Opener establishes pinned connections to tunnel endpoints.
type Opener interface {
	Open(ctx context.Context, endpoint string, hashes []certs.Hash) (Conn, error)
}

// Conn is an open tunnel session.
type Conn interface {
	OpenStream(ctx context.Context) (Stream, error)
	Close() error
}

// Stream is one request/response exchange.
type Stream interface {
	io.ReadWriter
	CloseWrite() error
	Close() error
}

type aborter interface {
	Abort()
}

// SessionOpener opens QUIC sessions with a session.Dialer.
type SessionOpener struct {
	Dialer *session.Dialer
}

func (o SessionOpener) Open(ctx context.Context, endpoint string, hashes []certs.Hash) (Conn, error) {
	s, err := o.Dialer.Open(ctx, endpoint, hashes)
	if err != nil {
		return nil, err
	}
	return sessionConn{s: s}, nil
}

type sessionConn struct {
	s *session.Session
}

func (c sessionConn) OpenStream(ctx context.Context) (Stream, error) {
	st, err := c.s.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (c sessionConn) Close() error {
	return c.s.Close()
}

func abortStream(st Stream) {
	if a, ok := st.(aborter); ok {
		a.Abort()
		return
	}
	_ = st.Close()
}
