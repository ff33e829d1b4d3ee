// Package edge answers intercepted HTTP requests by relaying them over
// pinned tunnel sessions.
package edge

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/longern/webtransportify/internal/client"
	"github.com/longern/webtransportify/internal/domain"
)

const lookupTimeout = 10 * time.Second

// Resolver looks up the tunnel descriptor for a key (a hostname or a
// fixed domain).
type Resolver interface {
	Resolve(ctx context.Context, key string) (domain.Descriptor, error)
}

// HostnameResolver resolves request hosts with the directory's Host lookup.
type HostnameResolver struct {
	Client *client.Client
}

func (r HostnameResolver) Resolve(ctx context.Context, key string) (domain.Descriptor, error) {
	return r.Client.LookupHostname(ctx, key)
}

// DomainResolver resolves a domain through its certificate row.
type DomainResolver struct {
	Client *client.Client
}

func (r DomainResolver) Resolve(ctx context.Context, key string) (domain.Descriptor, error) {
	return r.Client.LookupDomain(ctx, key)
}

// StaticResolver always returns the same descriptor.
type StaticResolver struct {
	Descriptor domain.Descriptor
}

func (r StaticResolver) Resolve(context.Context, string) (domain.Descriptor, error) {
	return r.Descriptor, nil
}

// CertCache memoizes descriptors until they are invalidated. Failed lookups
// are not cached and concurrent misses for one key share a single lookup.
type CertCache struct {
	resolver Resolver
	entries  *xsync.Map[string, domain.Descriptor]
	inflight *xsync.Map[string, *lookup]
}

type lookup struct {
	done chan struct{}
	d    domain.Descriptor
	err  error
}

// NewCertCache wraps resolver.
func NewCertCache(resolver Resolver) *CertCache {
	return &CertCache{
		resolver: resolver,
		entries:  xsync.NewMap[string, domain.Descriptor](),
		inflight: xsync.NewMap[string, *lookup](),
	}
}

// Resolve returns the cached descriptor for key, looking it up on a miss.
func (c *CertCache) Resolve(ctx context.Context, key string) (domain.Descriptor, error) {
	if d, ok := c.entries.Load(key); ok {
		return d, nil
	}

	l, loaded := c.inflight.LoadOrStore(key, &lookup{done: make(chan struct{})})
	if !loaded {
		go c.run(ctx, key, l)
	}
	select {
	case <-l.done:
		return l.d, l.err
	case <-ctx.Done():
		return domain.Descriptor{}, ctx.Err()
	}
}

// run performs the lookup detached from the first caller so that waiters
// are not failed by its cancellation.
func (c *CertCache) run(ctx context.Context, key string, l *lookup) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()

	l.d, l.err = c.resolver.Resolve(lctx, key)
	if l.err == nil {
		c.entries.Store(key, l.d)
	}
	c.inflight.Delete(key)
	close(l.done)
}

// Invalidate drops the cached descriptor for key.
func (c *CertCache) Invalidate(key string) {
	c.entries.Delete(key)
}

// Len reports the number of cached descriptors.
func (c *CertCache) Len() int {
	return c.entries.Size()
}
