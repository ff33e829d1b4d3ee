package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"
)

const shutdownTimeout = 5 * time.Second

// StatusFunc reports component counters for /debug/status.
type StatusFunc func() map[string]any

// StartServer starts an optional debug HTTP server on addr serving pprof
// and, when status is non-nil, a JSON status snapshot. It shuts down when
// ctx is canceled and returns immediately after the listener is bound so
// address conflicts fail fast.
func StartServer(ctx context.Context, addr string, log *slog.Logger, component string, status StatusFunc) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           newDebugMux(strings.TrimSpace(component), status),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if log != nil {
			log.Info("debug server listening", "component", strings.TrimSpace(component), "addr", ln.Addr().String())
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && log != nil {
			log.Error("debug server error", "component", strings.TrimSpace(component), "err", err)
		}
	}()

	return nil
}

func newDebugMux(component string, status StatusFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	mux.HandleFunc("GET /debug/status", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		if status != nil {
			for k, v := range status() {
				body[k] = v
			}
		}
		body["component"] = component
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}
