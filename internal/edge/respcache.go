package edge

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"
)

const (
	// DefaultResponseCacheBytes bounds the total size of cached bodies.
	DefaultResponseCacheBytes = 64 << 20
	maxCachedBody             = 10 << 20
)

type cachedResponse struct {
	status     int
	statusText string
	header     http.Header
	body       []byte
}

// ResponseCache keeps finished GET responses keyed by method and URL.
type ResponseCache struct {
	cache otter.Cache[uint64, *cachedResponse]
}

// NewResponseCache returns a cache holding at most maxBytes of bodies.
func NewResponseCache(maxBytes int) (*ResponseCache, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultResponseCacheBytes
	}
	cache, err := otter.MustBuilder[uint64, *cachedResponse](maxBytes).
		Cost(func(_ uint64, v *cachedResponse) uint32 { return uint32(len(v.body) + 512) }).
		Build()
	if err != nil {
		return nil, err
	}
	return &ResponseCache{cache: cache}, nil
}

func cacheKey(req *http.Request) uint64 {
	return xxh3.HashString(req.Method + " " + absoluteURL(req).String())
}

// Lookup returns a fresh copy of the cached response for req.
func (c *ResponseCache) Lookup(req *http.Request) (*http.Response, bool) {
	if c == nil || req.Method != http.MethodGet {
		return nil, false
	}
	v, ok := c.cache.Get(cacheKey(req))
	if !ok {
		return nil, false
	}
	resp := &http.Response{
		Status:        strconv.Itoa(v.status) + " " + v.statusText,
		StatusCode:    v.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        v.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(v.body)),
		ContentLength: int64(len(v.body)),
		Request:       req,
	}
	return resp, true
}

func (c *ResponseCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Size()
}

// cacheable reports whether a response may be stored: 2xx except 206, not
// an HTML document.
func cacheable(req *http.Request, resp *http.Response) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.StatusCode == http.StatusPartialContent {
		return false
	}
	if resp.ContentLength > maxCachedBody {
		return false
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt == "text/html" {
			return false
		}
	}
	return true
}

// Wrap arranges for resp to be stored once its body has been read to EOF.
// Responses that are not cacheable are returned unchanged.
func (c *ResponseCache) Wrap(req *http.Request, resp *http.Response) *http.Response {
	if c == nil || !cacheable(req, resp) {
		return resp
	}
	key := cacheKey(req)
	entry := &cachedResponse{
		status:     resp.StatusCode,
		statusText: http.StatusText(resp.StatusCode),
		header:     resp.Header.Clone(),
	}
	if _, text, ok := splitStatus(resp.Status); ok {
		entry.statusText = text
	}
	resp.Body = &teeBody{
		rc: resp.Body,
		onEOF: func(body []byte) {
			entry.body = body
			c.cache.Set(key, entry)
		},
	}
	return resp
}

func splitStatus(s string) (string, string, bool) {
	return strings.Cut(s, " ")
}

// teeBody copies what the caller reads and hands the full body to onEOF.
// The copy is dropped when the body grows past maxCachedBody, fails, or is
// closed early.
type teeBody struct {
	rc    io.ReadCloser
	buf   bytes.Buffer
	over  bool
	once  sync.Once
	onEOF func([]byte)
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 && !t.over {
		if t.buf.Len()+n > maxCachedBody {
			t.over = true
			t.buf = bytes.Buffer{}
		} else {
			t.buf.Write(p[:n])
		}
	}
	if errors.Is(err, io.EOF) && !t.over {
		t.once.Do(func() { t.onEOF(bytes.Clone(t.buf.Bytes())) })
	}
	return n, err
}

func (t *teeBody) Close() error {
	t.over = true
	return t.rc.Close()
}
