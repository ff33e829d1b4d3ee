package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/longern/webtransportify/internal/certs"
	"github.com/longern/webtransportify/internal/domain"
	"github.com/longern/webtransportify/internal/edge"
	"github.com/longern/webtransportify/internal/session"
)

type recordingPublisher struct {
	mu     sync.Mutex
	hashes []certs.Hash
}

func (p *recordingPublisher) Publish(_ context.Context, h certs.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hashes = append(p.hashes, h)
	return nil
}

func (p *recordingPublisher) Hashes() []certs.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]certs.Hash(nil), p.hashes...)
}

func startBridge(t *testing.T, cfg Config, pub Publisher) *Bridge {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.CertDir == "" {
		cfg.CertDir = t.TempDir()
	}
	b, err := New(cfg, pub, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx); err != nil {
		cancel()
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return b
}

func newRelay(endpoint string, hashes ...certs.Hash) *edge.Relay {
	d := domain.Descriptor{Endpoint: endpoint, CertificateHash: hashes[0].String()}
	if len(hashes) > 1 {
		d.AltCertificateHash = hashes[1].String()
	}
	return edge.NewRelay(edge.RelayConfig{
		Certs:  edge.NewCertCache(edge.StaticResolver{Descriptor: d}),
		Opener: edge.SessionOpener{Dialer: &session.Dialer{}},
		Log:    slog.New(slog.DiscardHandler),
	})
}

func get(t *testing.T, relay *edge.Relay, target string) (int, string) {
	t.Helper()
	resp := relay.Handle(httptest.NewRequest(http.MethodGet, target, nil))
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(b)
}

func TestBridgeRelaysHTTP(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/widgets/1" || r.Host != "a.example" {
			http.Error(w, "unexpected "+r.Host+r.URL.Path, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "OK")
	}))
	defer origin.Close()

	pub := &recordingPublisher{}
	b := startBridge(t, Config{Target: origin.Listener.Addr().String()}, pub)
	if got := pub.Hashes(); len(got) != 1 || got[0] != b.Hash() {
		t.Fatalf("published %v, want [%s]", got, b.Hash())
	}

	relay := newRelay(b.Addr().String(), b.Hash())
	for range 2 {
		status, body := get(t, relay, "http://a.example/widgets/1")
		if status != http.StatusOK || body != "OK" {
			t.Fatalf("got %d %q", status, body)
		}
	}
}

func TestBridgeChunkedResponse(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f := w.(http.Flusher)
		for _, part := range []string{"hello ", "chunked ", "world"} {
			_, _ = io.WriteString(w, part)
			f.Flush()
		}
	}))
	defer origin.Close()

	b := startBridge(t, Config{Target: origin.Listener.Addr().String()}, nil)
	status, body := get(t, newRelay(b.Addr().String(), b.Hash()), "http://a.example/stream")
	if status != http.StatusOK || body != "hello chunked world" {
		t.Fatalf("got %d %q", status, body)
	}
}

func TestBridgeTCPUnavailable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	target := ln.Addr().String()
	_ = ln.Close()

	b := startBridge(t, Config{Target: target}, nil)

	status, _ := get(t, newRelay(b.Addr().String(), b.Hash()), "http://a.example/")
	if status != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", status)
	}

	var d session.Dialer
	sess, err := d.Open(context.Background(), b.Addr().String(), []certs.Hash{b.Hash()})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sess.Close() }()
	st, err := sess.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_, _ = st.Write([]byte("GET / HTTP/1.1\r\nHost: a.example\r\n\r\n"))
	if _, err := io.ReadAll(st); !errors.Is(err, domain.ErrTCPUnavailable) {
		t.Fatalf("expected tcp unavailable, got %v", err)
	}
}

func TestBridgeRotation(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "OK")
	}))
	defer origin.Close()

	dir := t.TempDir()
	pub := &recordingPublisher{}
	b := startBridge(t, Config{Target: origin.Listener.Addr().String(), CertDir: dir}, pub)
	first := b.Hash()

	// A session established before rotation keeps working afterwards.
	var d session.Dialer
	old, err := d.Open(context.Background(), b.Addr().String(), []certs.Hash{first})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = old.Close() }()

	if err := b.Rotate(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := b.Hash()
	if second == first {
		t.Fatal("hash did not change")
	}
	if got := pub.Hashes(); len(got) != 2 || got[1] != second {
		t.Fatalf("published %v", got)
	}

	st, err := old.OpenStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_, _ = st.Write([]byte("GET / HTTP/1.1\r\nHost: a.example\r\nConnection: close\r\n\r\n"))
	_ = st.CloseWrite()
	raw, err := io.ReadAll(st)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) == 0 {
		t.Fatal("empty response on pre-rotation session")
	}

	if status, body := get(t, newRelay(b.Addr().String(), second, first), "http://a.example/"); status != 200 || body != "OK" {
		t.Fatalf("overlap pins: %d %q", status, body)
	}
	if status, _ := get(t, newRelay(b.Addr().String(), first), "http://a.example/"); status != http.StatusBadGateway {
		t.Fatalf("stale pin status = %d, want 502", status)
	}

	saved, err := certs.LoadIdentity(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"))
	if err != nil {
		t.Fatal(err)
	}
	if saved.Hash != second {
		t.Fatal("rotated certificate not persisted")
	}
}

func TestNewReusesPersistedCertificate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)
	first, err := New(Config{Target: "8080", CertDir: dir}, nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	if !first.fresh {
		t.Fatal("expected a generated certificate")
	}
	second, err := New(Config{Target: "8080", CertDir: dir}, nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	if second.fresh || second.Hash() != first.Hash() {
		t.Fatal("expected the persisted certificate to be reused")
	}
	if second.target != "127.0.0.1:8080" {
		t.Fatalf("target = %q", second.target)
	}
}

func TestNewReplacesStaleCertificate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		age  time.Duration
	}{
		{name: "expired", age: 20 * 24 * time.Hour},
		{name: "due for rotation", age: DefaultRotateAfter + time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			old, err := certs.GenerateSelfSigned(time.Now().Add(-tt.age), certs.DefaultValidity)
			if err != nil {
				t.Fatal(err)
			}
			if err := old.Save(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")); err != nil {
				t.Fatal(err)
			}
			b, err := New(Config{Target: "8080", CertDir: dir}, nil, slog.New(slog.DiscardHandler))
			if err != nil {
				t.Fatal(err)
			}
			if !b.fresh || b.Hash() == old.Hash {
				t.Fatal("expected a new certificate")
			}
		})
	}
}

func TestStaticCertificate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "c.pem"), filepath.Join(dir, "k.pem")
	id, err := certs.GenerateSelfSigned(time.Now(), certs.DefaultValidity)
	if err != nil {
		t.Fatal(err)
	}
	if err := id.Save(certFile, keyFile); err != nil {
		t.Fatal(err)
	}
	b, err := New(Config{Target: "8080", CertFile: certFile, KeyFile: keyFile}, nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	if b.Hash() != id.Hash {
		t.Fatal("static certificate not used")
	}
	if err := b.Rotate(context.Background()); err == nil {
		t.Fatal("expected rotation to be refused")
	}

	if _, err := New(Config{Target: "8080", CertFile: filepath.Join(dir, "missing.pem"), KeyFile: keyFile}, nil, nil); err == nil {
		t.Fatal("expected missing static certificate to fail")
	}
}

func TestCheckRotation(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	b, err := New(Config{Target: "8080", CertDir: t.TempDir()}, pub, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	first := b.Hash()

	b.checkRotation(context.Background())
	if b.Hash() != first || len(pub.Hashes()) != 0 {
		t.Fatal("rotated before due")
	}

	b.now = func() time.Time { return time.Now().Add(DefaultRotateAfter) }
	b.checkRotation(context.Background())
	if b.Hash() == first || len(pub.Hashes()) != 1 {
		t.Fatal("expected rotation once due")
	}
}

// flakyPublisher fails its first failures calls.
type flakyPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	ok       []certs.Hash
}

func (p *flakyPublisher) Publish(_ context.Context, h certs.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return errors.New("directory unavailable")
	}
	p.ok = append(p.ok, h)
	return nil
}

func (p *flakyPublisher) counts() (calls, ok int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, len(p.ok)
}

func TestCheckRotationRepublishesAfterFailure(t *testing.T) {
	t.Parallel()

	pub := &flakyPublisher{failures: 2}
	b, err := New(Config{Listen: "127.0.0.1:0", Target: "8080", CertDir: t.TempDir()}, pub, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.ln.Close() })
	if b.Published() {
		t.Fatal("hash reported published after a failed publish")
	}

	for range 24 {
		b.checkRotation(context.Background())
	}
	calls, ok := pub.counts()
	if calls != 3 || ok != 1 {
		t.Fatalf("publish calls = %d successful = %d, want 3 and 1", calls, ok)
	}
	if !b.Published() || pub.ok[0] != b.Hash() {
		t.Fatal("served hash not published")
	}
}

func TestCheckRotationRepublishesStaticCertificate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "c.pem"), filepath.Join(dir, "k.pem")
	id, err := certs.GenerateSelfSigned(time.Now().Add(-DefaultRotateAfter-time.Hour), certs.DefaultValidity)
	if err != nil {
		t.Fatal(err)
	}
	if err := id.Save(certFile, keyFile); err != nil {
		t.Fatal(err)
	}
	pub := &flakyPublisher{failures: 1}
	b, err := New(Config{Target: "8080", CertFile: certFile, KeyFile: keyFile}, pub, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.publish(context.Background(), b.Hash()); err == nil {
		t.Fatal("expected first publish to fail")
	}
	b.checkRotation(context.Background())
	b.checkRotation(context.Background())
	if calls, ok := pub.counts(); calls != 2 || ok != 1 {
		t.Fatalf("publish calls = %d successful = %d, want 2 and 1", calls, ok)
	}
	if b.Hash() != id.Hash {
		t.Fatal("static certificate must not rotate")
	}
}

func TestBridgeTeardown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()
	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	b := startBridge(t, Config{Target: ln.Addr().String(), Linger: 200 * time.Millisecond}, nil)
	var d session.Dialer

	openStream := func() (*session.Session, *session.Stream, net.Conn) {
		t.Helper()
		sess, err := d.Open(context.Background(), b.Addr().String(), []certs.Hash{b.Hash()})
		if err != nil {
			t.Fatal(err)
		}
		st, err := sess.OpenStream(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := st.Write([]byte("ping")); err != nil {
			t.Fatal(err)
		}
		var conn net.Conn
		select {
		case conn = <-accepted:
		case <-time.After(3 * time.Second):
			t.Fatal("bridge did not connect to the target")
		}
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
			t.Fatalf("target read %q, %v", buf, err)
		}
		return sess, st, conn
	}

	t.Run("tcp end closes session", func(t *testing.T) {
		sess, st, conn := openStream()
		defer func() { _ = sess.Close() }()
		_, _ = conn.Write([]byte("bye"))
		_ = conn.Close()

		got, err := io.ReadAll(st)
		if err != nil || string(got) != "bye" {
			t.Fatalf("stream read %q, %v", got, err)
		}
		select {
		case <-sess.Done():
		case <-time.After(3 * time.Second):
			t.Fatal("session still open after the tcp connection ended")
		}
	})

	t.Run("session close closes tcp", func(t *testing.T) {
		sess, _, conn := openStream()
		defer func() { _ = conn.Close() }()
		_ = sess.Close()

		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, err := conn.Read(make([]byte, 1))
		var ne net.Error
		if err == nil || (errors.As(err, &ne) && ne.Timeout()) {
			t.Fatalf("tcp connection still open after session close: %v", err)
		}
	})
}
