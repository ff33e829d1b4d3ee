package edge

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/elazarl/goproxy"

	"github.com/longern/webtransportify/internal/netutil"
)

// Handler answers an intercepted request. It must always return a response.
type Handler func(*http.Request) *http.Response

// Interceptor delivers intercepted requests to a Handler.
type Interceptor interface {
	OnRequest(Handler)
}

// excludedPrefixes are served by the edge itself and never relayed.
var excludedPrefixes = []string{"/webtransportify/", "/cdn-cgi/"}

// Filter selects the requests to relay: same-origin requests outside the
// excluded prefixes. An empty Origins list accepts any host.
type Filter struct {
	Origins []string
}

func (f Filter) Allow(r *http.Request) bool {
	path := r.URL.Path
	for _, p := range excludedPrefixes {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	if len(f.Origins) == 0 {
		return true
	}
	for _, o := range f.Origins {
		if netutil.IsSameOrigin(r, o) {
			return true
		}
	}
	return false
}

// HandlerInterceptor intercepts requests reaching an http.Handler. Requests
// rejected by the filter go to Fallback, or get a 404.
type HandlerInterceptor struct {
	Filter   Filter
	Fallback http.Handler
	Log      *slog.Logger

	handler Handler
}

func (h *HandlerInterceptor) OnRequest(fn Handler) {
	h.handler = fn
}

func (h *HandlerInterceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.handler == nil || !h.Filter.Allow(r) {
		if h.Fallback != nil {
			h.Fallback.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}
	writeResponse(w, h.handler(r), h.Log)
}

func writeResponse(w http.ResponseWriter, resp *http.Response, logger *slog.Logger) {
	defer func() { _ = resp.Body.Close() }()
	dst := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	netutil.RemoveHopByHopHeaders(dst)
	dst.Del("Content-Length")
	if resp.ContentLength >= 0 {
		dst.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(flushWriter{w}, resp.Body); err != nil && logger != nil {
		logger.Debug("response copy ended", "err", err)
	}
}

type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}

// ProxyInterceptor intercepts requests passing through a forward proxy.
// Matching requests are answered by the handler; everything else is
// proxied unchanged.
type ProxyInterceptor struct {
	proxy   *goproxy.ProxyHttpServer
	filter  Filter
	handler Handler
}

// NewProxyInterceptor returns a proxy relaying requests for origins. With
// mitm set, CONNECT requests to those origins are decrypted with the proxy
// CA so their inner requests can be relayed too.
func NewProxyInterceptor(origins []string, mitm bool) *ProxyInterceptor {
	p := &ProxyInterceptor{
		proxy:  goproxy.NewProxyHttpServer(),
		filter: Filter{Origins: origins},
	}
	match := goproxy.ReqConditionFunc(func(r *http.Request, _ *goproxy.ProxyCtx) bool {
		return p.handler != nil && len(p.filter.Origins) > 0 && p.filter.Allow(r)
	})
	if mitm {
		p.proxy.OnRequest(match).HandleConnect(goproxy.AlwaysMitm)
	}
	p.proxy.OnRequest(match).DoFunc(func(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		return r, p.handler(r)
	})
	return p
}

func (p *ProxyInterceptor) OnRequest(fn Handler) {
	p.handler = fn
}

func (p *ProxyInterceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}
