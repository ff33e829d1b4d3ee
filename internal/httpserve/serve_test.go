package httpserve

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestOptionsMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		opts Options
		want string
	}{
		{"plain", Options{}, "http"},
		{"acme", Options{TLSDomains: []string{"dir.example"}}, "acme"},
		{"static", Options{TLSCertFile: "c.pem", TLSKeyFile: "k.pem", TLSDomains: []string{"x"}}, "static"},
		{"half_static", Options{TLSCertFile: "c.pem"}, "http"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.opts.Mode(); got != tc.want {
				t.Fatalf("Mode() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestServeListenerPlainHTTPAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeListener(ctx, ln, Options{
			Name: "test",
			Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("ok"))
			}),
			Log: slog.New(slog.DiscardHandler),
		})
	}()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + ln.Addr().String() + "/")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("body = %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestErrorLogWriterDemotesHandshakeNoise(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := &errorLogWriter{log: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))}
	_, _ = w.Write([]byte("http: TLS handshake error from 1.2.3.4:5678: EOF\n"))
	if buf.Len() != 0 {
		t.Fatalf("expected handshake noise at debug level, got %q", buf.String())
	}
	_, _ = w.Write([]byte("http: something else"))
	if !strings.Contains(buf.String(), "http server error") {
		t.Fatalf("expected warning, got %q", buf.String())
	}
}
