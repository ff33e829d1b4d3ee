// Package httpserve runs the HTTP(S) listeners shared by the directory and
// the edge: plain HTTP, a static certificate, or ACME via autocert.
package httpserve

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/longern/webtransportify/internal/netutil"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	maxHeaderBytes    = 64 << 10
	shutdownTimeout   = 5 * time.Second
)

// Options configures [Serve].
type Options struct {
	// Name labels log lines, e.g. "directory" or "edge".
	Name    string
	Addr    string
	Handler http.Handler
	Log     *slog.Logger

	// TLSCertFile and TLSKeyFile select a static certificate.
	TLSCertFile string
	TLSKeyFile  string
	// TLSDomains enables ACME certificates for the listed hosts when no
	// static certificate is set.
	TLSDomains    []string
	CertCacheDir  string
	ChallengeAddr string
}

// Mode reports which listener Serve will start: "http", "static" or "acme".
func (o Options) Mode() string {
	switch {
	case strings.TrimSpace(o.TLSCertFile) != "" && strings.TrimSpace(o.TLSKeyFile) != "":
		return "static"
	case len(o.TLSDomains) > 0:
		return "acme"
	}
	return "http"
}

// Serve runs the configured listeners until ctx is canceled or one of them
// fails, then shuts everything down.
func Serve(ctx context.Context, opts Options) error {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, opts)
}

// ServeListener is like [Serve] with an already bound main listener.
func ServeListener(ctx context.Context, ln net.Listener, opts Options) error {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	mode := opts.Mode()
	srv := &http.Server{
		Handler:           opts.Handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		ErrorLog:          log.New(&errorLogWriter{log: opts.Log}, "", 0),
	}

	errCh := make(chan error, 2)
	var challengeServer *http.Server

	switch mode {
	case "static":
		cert, err := tls.LoadX509KeyPair(opts.TLSCertFile, opts.TLSKeyFile)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
	case "acme":
		allowed := make(map[string]struct{}, len(opts.TLSDomains))
		for _, d := range opts.TLSDomains {
			allowed[netutil.NormalizeHost(d)] = struct{}{}
		}
		manager := &autocert.Manager{
			Cache:  autocert.DirCache(opts.CertCacheDir),
			Prompt: autocert.AcceptTOS,
			HostPolicy: func(_ context.Context, host string) error {
				if _, ok := allowed[netutil.NormalizeHost(host)]; ok {
					return nil
				}
				return errors.New("host not allowed")
			},
		}
		srv.TLSConfig = manager.TLSConfig()
		srv.TLSConfig.MinVersion = tls.VersionTLS12
		challengeServer = &http.Server{
			Addr:              opts.ChallengeAddr,
			Handler:           manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			MaxHeaderBytes:    maxHeaderBytes,
		}
		go func() {
			opts.Log.Info("starting ACME challenge server", "component", opts.Name, "addr", opts.ChallengeAddr)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
	}

	go func() {
		opts.Log.Info("starting server", "component", opts.Name, "addr", ln.Addr().String(), "tls", mode)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", opts.Name, err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	if err := shutdownServer(srv, shutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if challengeServer != nil {
		if err := shutdownServer(challengeServer, shutdownTimeout); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// errorLogWriter routes net/http's internal logger into slog, demoting TLS
// handshake noise from scanners to debug.
type errorLogWriter struct {
	log *slog.Logger
}

func (w *errorLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	const marker = "TLS handshake error from "
	if idx := strings.Index(line, marker); idx >= 0 {
		addr, reason, _ := strings.Cut(line[idx+len(marker):], ": ")
		w.log.Debug("tls handshake failed", "remote_addr", strings.TrimSpace(addr), "reason", strings.TrimSpace(reason))
		return len(p), nil
	}
	w.log.Warn("http server error", "err", line)
	return len(p), nil
}
