// Package forward exposes a tunnel as a local TCP port: every accepted
// connection is carried over its own pinned session.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/longern/webtransportify/internal/edge"
)

const openTimeout = 15 * time.Second

// Forwarder accepts local TCP connections and relays each one to the
// tunnel resolved for Key.
type Forwarder struct {
	Connector *edge.Connector
	Key       string
	Log       *slog.Logger
}

// Run listens on addr until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return f.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled. It closes ln.
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	f.logger().Info("forwarding", "listen", ln.Addr().String(), "key", f.Key)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.handle(ctx, conn)
		}()
	}
}

func (f *Forwarder) logger() *slog.Logger {
	if f.Log == nil {
		return slog.Default()
	}
	return f.Log
}

func (f *Forwarder) handle(ctx context.Context, conn net.Conn) {
	log := f.logger().With("remote", conn.RemoteAddr().String())
	defer func() { _ = conn.Close() }()

	octx, cancel := context.WithTimeout(ctx, openTimeout)
	tc, err := f.Connector.Connect(octx, f.Key)
	if err != nil {
		cancel()
		log.Warn("open tunnel failed", "err", err)
		return
	}
	defer func() { _ = tc.Close() }()
	st, err := tc.OpenStream(octx)
	cancel()
	if err != nil {
		log.Warn("open stream failed", "err", err)
		return
	}
	defer func() { _ = st.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := io.Copy(st, conn); err != nil {
			log.Debug("tcp to stream ended", "err", err)
		}
		_ = st.CloseWrite()
	}()
	if _, err := io.Copy(conn, st); err != nil {
		log.Debug("stream to tcp ended", "err", err)
	}
	if c, ok := conn.(*net.TCPConn); ok {
		_ = c.CloseWrite()
	}
	<-done
	log.Debug("connection closed")
}
