package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/longern/webtransportify/internal/bridge"
	"github.com/longern/webtransportify/internal/client"
	"github.com/longern/webtransportify/internal/config"
	"github.com/longern/webtransportify/internal/debughttp"
	ilog "github.com/longern/webtransportify/internal/log"
)

func runBridge(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseBridgeFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bridge config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	publisher, err := bridgePublisher(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bridge registration error:", err)
		return 1
	}

	b, err := bridge.New(bridge.Config{
		Listen:           cfg.Listen,
		Target:           cfg.Target,
		CertDir:          cfg.CertDir,
		CertFile:         cfg.CertFile,
		KeyFile:          cfg.KeyFile,
		RotationSchedule: cfg.RotationSchedule,
	}, publisher, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bridge error:", err)
		return 1
	}

	status := func() map[string]any {
		return map[string]any{
			"sessions":              b.Sessions(),
			"certificate_hash":      b.Hash().String(),
			"certificate_published": b.Published(),
		}
	}
	if err := debughttp.StartServer(ctx, cfg.PprofListen, logger, "bridge", status); err != nil {
		fmt.Fprintln(os.Stderr, "debug server error:", err)
		return 1
	}

	if err := b.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "bridge error:", err)
		return 1
	}
	return 0
}

// bridgePublisher registers the tunnel when a directory is configured and
// returns the publishers that keep its certificate hash current. It returns
// nil when there is nothing to publish to.
func bridgePublisher(ctx context.Context, cfg config.BridgeConfig, logger *slog.Logger) (bridge.Publisher, error) {
	var pubs bridge.Publishers
	if cfg.DirectoryURL != "" {
		dir, err := client.New(cfg.DirectoryURL, nil)
		if err != nil {
			return nil, err
		}
		if cfg.Hostname != "" || cfg.Domain == "" {
			path := bridge.CredentialsPath(cfg.CertDir)
			creds, err := bridge.EnsureTunnel(ctx, dir, path, cfg.Hostname)
			if err != nil {
				return nil, err
			}
			logger.Info("tunnel registered", "tunnel_id", creds.TunnelID, "hostnames", creds.Hostnames, "credentials", path)
			pubs = append(pubs, &bridge.TunnelPublisher{
				Client:   dir,
				TunnelID: creds.TunnelID,
				Token:    creds.Token,
				Endpoint: cfg.Endpoint,
			})
		}
		if cfg.Domain != "" {
			pubs = append(pubs, &bridge.DomainPublisher{Client: dir, Domain: cfg.Domain, Endpoint: cfg.Endpoint})
		}
	}
	if cfg.Webhook != "" {
		pubs = append(pubs, &bridge.WebhookPublisher{URL: cfg.Webhook})
	}
	if len(pubs) == 0 {
		return nil, nil
	}
	return pubs, nil
}
