package tunnelproto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/net/http/httpguts"
)

const maxChunkWrite = 32 * 1024

// Codec encodes requests and decodes responses. A Codec remembers basic
// credentials per origin, so one value should be shared by all requests of
// an edge.
type Codec struct {
	// Cookies receives cookies parsed from Set-Cookie response headers.
	// May be nil.
	Cookies CookieStore
	// StoreHTTPOnlyCookies forwards HttpOnly cookies to Cookies as well.
	StoreHTTPOnlyCookies bool
	// HeaderReadTimeout bounds each read while waiting for the response
	// header block. Zero disables it.
	HeaderReadTimeout time.Duration

	basicAuth *xsync.Map[string, string]
	now       func() time.Time
}

// NewCodec returns a Codec with an empty credential map.
func NewCodec() *Codec {
	return &Codec{
		HeaderReadTimeout: DefaultHeaderReadTimeout,
		basicAuth:         xsync.NewMap[string, string](),
	}
}

// Encode serializes req. The header block is available to the first Read;
// body bytes follow as the body reader yields them.
func (c *Codec) Encode(req *Request) (io.Reader, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("encode: request URL is required")
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}
	if !validMethod(method) {
		return nil, fmt.Errorf("encode: invalid method %q", method)
	}

	header := append(Header(nil), req.Header...)
	header.Set("Host", req.URL.Host)
	c.applyBasicAuth(req, &header)

	body := req.Body
	switch {
	case body == nil:
	case req.ContentLength >= 0:
		header.Set("Content-Length", strconv.FormatInt(req.ContentLength, 10))
		header.Del("Transfer-Encoding")
		body = io.LimitReader(body, req.ContentLength)
	default:
		header.Del("Content-Length")
		header.Set("Transfer-Encoding", "chunked")
		body = &chunkedEncoder{src: body}
	}

	var head bytes.Buffer
	head.WriteString(method)
	head.WriteByte(' ')
	head.WriteString(req.URL.RequestURI())
	head.WriteString(" HTTP/1.1\r\n")
	for _, f := range header {
		if !httpguts.ValidHeaderFieldName(f.Name) {
			return nil, fmt.Errorf("encode: invalid header name %q", f.Name)
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return nil, fmt.Errorf("encode: invalid value for header %q", f.Name)
		}
		head.WriteString(f.Name)
		head.WriteString(": ")
		head.WriteString(f.Value)
		head.WriteString("\r\n")
	}
	head.WriteString("\r\n")

	if body == nil {
		return &head, nil
	}
	return io.MultiReader(&head, body), nil
}

// applyBasicAuth derives Authorization from URL user info and remembers it
// for the origin; later requests to that origin without credentials reuse it.
func (c *Codec) applyBasicAuth(req *Request, header *Header) {
	if c.basicAuth == nil {
		return
	}
	origin := strings.ToLower(req.URL.Scheme + "://" + req.URL.Host)
	if u := req.URL.User; u != nil {
		pass, _ := u.Password()
		token := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pass))
		c.basicAuth.Store(origin, token)
		header.Set("Authorization", "Basic "+token)
		return
	}
	if header.Has("Authorization") {
		return
	}
	if token, ok := c.basicAuth.Load(origin); ok {
		header.Set("Authorization", "Basic "+token)
	}
}

func validMethod(m string) bool {
	for i := 0; i < len(m); i++ {
		if !httpguts.IsTokenRune(rune(m[i])) {
			return false
		}
	}
	return m != ""
}

type chunkedEncoder struct {
	src  io.Reader
	buf  []byte
	out  []byte
	done bool
}

func (e *chunkedEncoder) Read(p []byte) (int, error) {
	for len(e.out) == 0 {
		if e.done {
			return 0, io.EOF
		}
		if e.buf == nil {
			e.buf = make([]byte, maxChunkWrite)
		}
		n, err := e.src.Read(e.buf)
		if n > 0 {
			e.out = append(e.out[:0], strconv.FormatInt(int64(n), 16)...)
			e.out = append(e.out, "\r\n"...)
			e.out = append(e.out, e.buf[:n]...)
			e.out = append(e.out, "\r\n"...)
		}
		if err == io.EOF {
			e.out = append(e.out, "0\r\n\r\n"...)
			e.done = true
		} else if err != nil {
			return 0, err
		}
	}
	n := copy(p, e.out)
	e.out = e.out[n:]
	return n, nil
}
