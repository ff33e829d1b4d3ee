// Package tunnelproto implements the HTTP/1.1 byte stream exchanged between
// the edge and the origin over a tunnel stream: request encoding, response
// decoding (including chunked transfer coding) and Set-Cookie extraction.
package tunnelproto

import (
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// HeaderField is a single header line.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields with case-insensitive lookup.
// Order is preserved on the wire.
type Header []HeaderField

// Get returns the first value for name, or "".
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Set replaces the first field named name (dropping any others) or appends
// a new one.
func (h *Header) Set(name, value string) {
	out := (*h)[:0]
	replaced := false
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
			continue
		}
		if !replaced {
			out = append(out, HeaderField{Name: f.Name, Value: value})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, HeaderField{Name: name, Value: value})
	}
	*h = out
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Del removes every field named name.
func (h *Header) Del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

// HTTPHeader converts to a net/http header map.
func (h Header) HTTPHeader() http.Header {
	out := make(http.Header, len(h))
	for _, f := range h {
		out.Add(f.Name, f.Value)
	}
	return out
}

// HeaderFromHTTP converts a net/http header map. Map order is not defined,
// so keys are emitted sorted.
func HeaderFromHTTP(src http.Header) Header {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Header, 0, len(src))
	for _, k := range keys {
		name := textproto.CanonicalMIMEHeaderKey(k)
		for _, v := range src[k] {
			out = append(out, HeaderField{Name: name, Value: v})
		}
	}
	return out
}

// Request is an outbound HTTP request as seen by the edge.
type Request struct {
	Method string
	URL    *url.URL
	Header Header
	// Body is streamed after the header block. A nil Body sends nothing.
	Body io.Reader
	// ContentLength is the body size; -1 means unknown, in which case a
	// non-nil Body is sent with chunked transfer coding.
	ContentLength int64
}

// Response is a decoded HTTP/1.1 response. Body must be closed by the
// caller.
type Response struct {
	Status     int
	StatusText string
	Header     Header
	Body       io.ReadCloser
	// ContentLength is the declared body size, or -1 when unknown.
	ContentLength int64
}

// HTTPResponse converts to a net/http response for req.
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	status := r.StatusText
	if status == "" {
		status = http.StatusText(r.Status)
	}
	return &http.Response{
		Status:        strings.TrimSpace(strconv.Itoa(r.Status) + " " + status),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header.HTTPHeader(),
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Request:       req,
	}
}
