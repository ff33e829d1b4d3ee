package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/longern/webtransportify/internal/config"
	"github.com/longern/webtransportify/internal/debughttp"
	"github.com/longern/webtransportify/internal/directory"
	"github.com/longern/webtransportify/internal/httpserve"
	ilog "github.com/longern/webtransportify/internal/log"
	"github.com/longern/webtransportify/internal/store/sqlite"
)

func runDirectory(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseDirectoryFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "directory config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	status := func() map[string]any {
		return map[string]any{"db_ok": store.Ping(context.Background()) == nil}
	}
	if err := debughttp.StartServer(ctx, cfg.PprofListen, logger, "directory", status); err != nil {
		fmt.Fprintln(os.Stderr, "debug server error:", err)
		return 1
	}

	srv := directory.New(store, logger, cfg.Prefix)
	logger.Info("directory starting", "listen", cfg.Listen, "db", cfg.DBPath, "prefix", cfg.Prefix)
	if err := httpserve.Serve(ctx, httpserve.Options{
		Name:          "directory",
		Addr:          cfg.Listen,
		Handler:       srv.Handler(),
		Log:           logger,
		TLSCertFile:   cfg.TLSCertFile,
		TLSKeyFile:    cfg.TLSKeyFile,
		TLSDomains:    cfg.TLSDomains,
		CertCacheDir:  cfg.CertCacheDir,
		ChallengeAddr: cfg.ChallengeAddr,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "directory error:", err)
		return 1
	}
	return 0
}
