package edge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/longern/webtransportify/internal/domain"
	"github.com/longern/webtransportify/internal/netutil"
	"github.com/longern/webtransportify/internal/tunnelproto"
)

// DefaultRequestTimeout bounds a request until its response headers arrive.
const DefaultRequestTimeout = 15 * time.Second

// RelayConfig configures a Relay.
type RelayConfig struct {
	Certs  *CertCache
	Opener Opener
	Codec  *tunnelproto.Codec
	// Responses caches finished GET responses. Nil disables caching.
	Responses *ResponseCache
	// Domain, when set, is the fixed lookup key. Otherwise the request host
	// is used.
	Domain  string
	Timeout time.Duration
	Log     *slog.Logger
}

// Relay answers one HTTP request per call by sending it over a fresh
// tunnel stream.
type Relay struct {
	connector *Connector
	codec     *tunnelproto.Codec
	responses *ResponseCache
	domain    string
	timeout   time.Duration
	log       *slog.Logger
}

func NewRelay(cfg RelayConfig) *Relay {
	r := &Relay{
		codec:     cfg.Codec,
		responses: cfg.Responses,
		domain:    netutil.NormalizeHost(cfg.Domain),
		timeout:   cfg.Timeout,
		log:       cfg.Log,
	}
	if r.codec == nil {
		r.codec = tunnelproto.NewCodec()
	}
	if r.timeout <= 0 {
		r.timeout = DefaultRequestTimeout
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.connector = &Connector{Certs: cfg.Certs, Opener: cfg.Opener, Log: r.log}
	return r
}

// RoundTrip implements http.RoundTripper. Failures are returned as gateway
// error responses, never as errors.
func (r *Relay) RoundTrip(req *http.Request) (*http.Response, error) {
	return r.Handle(req), nil
}

// Handle relays req and returns the origin response or an error page.
func (r *Relay) Handle(req *http.Request) *http.Response {
	if resp, ok := r.responses.Lookup(req); ok {
		r.log.Debug("response cache hit", "host", netutil.NormalizeHost(req.Host), "method", req.Method, "url", req.URL.String())
		return resp
	}

	key := r.lookupKey(req)
	start := time.Now()
	resp, err := r.exchange(req, key)
	if err != nil {
		status := statusFor(err)
		r.log.Warn("relay failed", "host", netutil.NormalizeHost(req.Host), "method", req.Method, "url", req.URL.String(), "key", key, "status", status, "err", err)
		return errorResponse(req, status, err.Error())
	}
	r.log.Info("relayed", "host", netutil.NormalizeHost(req.Host), "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode, "duration", time.Since(start).Round(time.Millisecond))
	return r.responses.Wrap(req, resp)
}

func (r *Relay) lookupKey(req *http.Request) string {
	if r.domain != "" {
		return r.domain
	}
	return netutil.NormalizeHost(req.Host)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrHandshakeTimeout),
		errors.Is(err, domain.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// exchange runs resolve, connect, send and header decode under the overall
// timeout. The returned body keeps the session open until it is closed or
// the request context ends.
func (r *Relay) exchange(req *http.Request, key string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), r.timeout)
	defer cancel()

	conn, err := r.connect(ctx, key)
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStream(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	release := sync.OnceFunc(func() {
		_ = st.Close()
		_ = conn.Close()
	})
	abort := func() {
		abortStream(st)
		release()
	}

	preq := r.toProtoRequest(req)
	enc, err := r.codec.Encode(preq)
	if err != nil {
		release()
		return nil, fmt.Errorf("encode request: %w", err)
	}

	stopAbort := context.AfterFunc(ctx, abort)
	go func() {
		if _, err := io.Copy(st, enc); err != nil {
			r.log.Debug("request body copy ended", "err", err)
			abort()
			return
		}
		_ = st.CloseWrite()
	}()

	presp, err := r.codec.DecodeFor(st, req.Method)
	if !stopAbort() {
		abort()
		if presp != nil {
			_ = presp.Body.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}
	if err != nil {
		abort()
		return nil, err
	}

	body := &sessionBody{rc: presp.Body, release: release}
	body.stop = context.AfterFunc(req.Context(), abort)
	resp := presp.HTTPResponse(req)
	resp.Body = body
	return resp, nil
}

func (r *Relay) connect(ctx context.Context, key string) (Conn, error) {
	return r.connector.Connect(ctx, key)
}

// absoluteURL returns the request URL with scheme and host filled in from
// the connection, as server-side requests carry only the path.
func absoluteURL(req *http.Request) *url.URL {
	u := *req.URL
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Scheme == "" {
		u.Scheme = "https"
		if req.TLS == nil {
			u.Scheme = "http"
		}
	}
	return &u
}

func (r *Relay) toProtoRequest(req *http.Request) *tunnelproto.Request {
	u := absoluteURL(req)

	h := req.Header.Clone()
	netutil.RemoveHopByHopHeaders(h)
	header := tunnelproto.HeaderFromHTTP(h)
	header.Set("Connection", "close")

	out := &tunnelproto.Request{
		Method:        req.Method,
		URL:           u,
		Header:        header,
		ContentLength: req.ContentLength,
	}
	if req.Body != nil && req.Body != http.NoBody {
		out.Body = req.Body
	} else {
		out.ContentLength = 0
	}
	return out
}

// sessionBody releases the stream and its session together when closed.
type sessionBody struct {
	rc      io.ReadCloser
	release func()
	stop    func() bool
}

func (b *sessionBody) Read(p []byte) (int, error) {
	return b.rc.Read(p)
}

func (b *sessionBody) Close() error {
	b.stop()
	err := b.rc.Close()
	b.release()
	return err
}
