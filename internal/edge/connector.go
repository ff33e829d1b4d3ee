package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/longern/webtransportify/internal/certs"
	"github.com/longern/webtransportify/internal/domain"
)

// Connector resolves a key to a pinned connection.
type Connector struct {
	Certs  *CertCache
	Opener Opener
	Log    *slog.Logger
}

// Connect resolves key and opens a session. A handshake failure drops the
// cached descriptor and is retried once with a fresh lookup.
func (c *Connector) Connect(ctx context.Context, key string) (Conn, error) {
	conn, err := c.dial(ctx, key)
	if err == nil || !errors.Is(err, domain.ErrHandshakeFailed) {
		return conn, err
	}
	if c.Log != nil {
		c.Log.Info("handshake failed, refreshing certificate", "key", key, "err", err)
	}
	c.Certs.Invalidate(key)
	return c.dial(ctx, key)
}

func (c *Connector) dial(ctx context.Context, key string) (Conn, error) {
	d, err := c.Certs.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	hashes, err := certs.ParseHashes(d.Hashes()...)
	if err != nil {
		return nil, &domain.OpError{Op: "parse certificate hash", Key: key, Err: fmt.Errorf("%w: %w", domain.ErrHandshakeFailed, err)}
	}
	return c.Opener.Open(ctx, d.Endpoint, hashes)
}
