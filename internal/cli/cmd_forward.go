package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/longern/webtransportify/internal/certs"
	"github.com/longern/webtransportify/internal/client"
	"github.com/longern/webtransportify/internal/config"
	"github.com/longern/webtransportify/internal/domain"
	"github.com/longern/webtransportify/internal/edge"
	"github.com/longern/webtransportify/internal/forward"
	ilog "github.com/longern/webtransportify/internal/log"
	"github.com/longern/webtransportify/internal/session"
)

func runForward(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseForwardFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "forward config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	resolver, key, err := forwardResolver(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "forward config error:", err)
		return 2
	}
	f := &forward.Forwarder{
		Connector: &edge.Connector{
			Certs:  edge.NewCertCache(resolver),
			Opener: edge.SessionOpener{Dialer: &session.Dialer{}},
			Log:    logger,
		},
		Key: key,
		Log: logger,
	}
	if err := f.Run(ctx, cfg.Listen); err != nil {
		fmt.Fprintln(os.Stderr, "forward error:", err)
		return 1
	}
	return 0
}

// forwardResolver returns the resolver and lookup key for cfg: pinned
// hashes given on the command line, or a directory lookup.
func forwardResolver(cfg config.ForwardConfig) (edge.Resolver, string, error) {
	if cfg.Endpoint != "" {
		if _, err := certs.ParseHashes(cfg.Hashes...); err != nil {
			return nil, "", err
		}
		d := domain.Descriptor{Endpoint: cfg.Endpoint, CertificateHash: cfg.Hashes[0]}
		if len(cfg.Hashes) > 1 {
			d.AltCertificateHash = cfg.Hashes[1]
		}
		return edge.StaticResolver{Descriptor: d}, cfg.Endpoint, nil
	}
	dir, err := client.New(cfg.DirectoryURL, nil)
	if err != nil {
		return nil, "", err
	}
	if cfg.Domain != "" {
		return edge.DomainResolver{Client: dir}, cfg.Domain, nil
	}
	return edge.HostnameResolver{Client: dir}, cfg.Hostname, nil
}
