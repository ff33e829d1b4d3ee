package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/longern/webtransportify/internal/client"
	"github.com/longern/webtransportify/internal/config"
	"github.com/longern/webtransportify/internal/debughttp"
	"github.com/longern/webtransportify/internal/edge"
	"github.com/longern/webtransportify/internal/httpserve"
	ilog "github.com/longern/webtransportify/internal/log"
	"github.com/longern/webtransportify/internal/session"
)

func runEdge(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseEdgeFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "edge config error:", err)
		return 2
	}

	var broadcaster *ilog.Broadcaster
	logger := ilog.New(cfg.LogLevel)
	if cfg.LogChannel {
		broadcaster = ilog.NewBroadcaster()
		logger = ilog.NewBroadcasting(cfg.LogLevel, broadcaster)
	}

	handler, status, err := newEdgeHandler(cfg, broadcaster, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "edge config error:", err)
		return 2
	}
	if err := debughttp.StartServer(ctx, cfg.PprofListen, logger, "edge", status); err != nil {
		fmt.Fprintln(os.Stderr, "debug server error:", err)
		return 1
	}

	logger.Info("edge starting", "listen", cfg.Listen, "directory", cfg.DirectoryURL, "mode", cfg.Mode, "domain", cfg.Domain)
	if err := httpserve.Serve(ctx, httpserve.Options{
		Name:          "edge",
		Addr:          cfg.Listen,
		Handler:       handler,
		Log:           logger,
		TLSCertFile:   cfg.TLSCertFile,
		TLSKeyFile:    cfg.TLSKeyFile,
		TLSDomains:    cfg.TLSDomains,
		CertCacheDir:  cfg.CertCacheDir,
		ChallengeAddr: cfg.ChallengeAddr,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "edge error:", err)
		return 1
	}
	return 0
}

// newEdgeHandler wires the directory client, caches and relay for cfg.
func newEdgeHandler(cfg config.EdgeConfig, broadcaster *ilog.Broadcaster, logger *slog.Logger) (http.Handler, debughttp.StatusFunc, error) {
	dir, err := client.New(cfg.DirectoryURL, nil)
	if err != nil {
		return nil, nil, err
	}
	var resolver edge.Resolver = edge.HostnameResolver{Client: dir}
	if cfg.Domain != "" {
		resolver = edge.DomainResolver{Client: dir}
	}
	certCache := edge.NewCertCache(resolver)

	var responses *edge.ResponseCache
	if cfg.CacheBytes > 0 {
		if responses, err = edge.NewResponseCache(cfg.CacheBytes); err != nil {
			return nil, nil, err
		}
	}

	relay := edge.NewRelay(edge.RelayConfig{
		Certs:     certCache,
		Opener:    edge.SessionOpener{Dialer: &session.Dialer{}},
		Responses: responses,
		Domain:    cfg.Domain,
		Timeout:   cfg.RequestTimeout,
		Log:       logger,
	})
	opts := edge.HandlerOptions{Origins: cfg.Origins, Broadcaster: broadcaster}

	var handler http.Handler
	if cfg.Mode == "proxy" {
		handler = edge.NewProxyHandler(relay, opts, cfg.MITM)
	} else {
		handler = edge.NewHandler(relay, opts)
	}

	status := func() map[string]any {
		out := map[string]any{"descriptors": certCache.Len()}
		if responses != nil {
			out["cached_responses"] = responses.Len()
		}
		if broadcaster != nil {
			out["log_subscribers"] = broadcaster.Subscribers()
		}
		return out
	}
	return handler, status, nil
}
