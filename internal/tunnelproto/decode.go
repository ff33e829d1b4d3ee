package tunnelproto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/longern/webtransportify/internal/domain"
)

// DefaultHeaderReadTimeout bounds each read of the response header block.
const DefaultHeaderReadTimeout = 5 * time.Second

const maxHeaderBytes = 64 << 10

var (
	crlfcrlf   = []byte("\r\n\r\n")
	statusLine = regexp.MustCompile(`^HTTP/1\.1 (\d{3})(?: (.*))?$`)
)

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// Decode reads an HTTP/1.1 response from r. It returns once the header block
// is complete; the body is pulled lazily from r through Response.Body.
func (c *Codec) Decode(r io.Reader) (*Response, error) {
	return c.DecodeFor(r, "")
}

// DecodeFor is Decode for a response to a request with the given method.
// A response to HEAD never has a body, whatever its Content-Length says.
func (c *Codec) DecodeFor(r io.Reader, method string) (*Response, error) {
	head, rest, err := c.readHead(r)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(head), "\r\n")
	m := statusLine.FindStringSubmatch(lines[0])
	if m == nil {
		return nil, fmt.Errorf("%w: bad status line %q", domain.ErrMalformedResponse, truncate(lines[0], 64))
	}
	status, _ := strconv.Atoi(m[1])

	header := make(Header, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: bad header line %q", domain.ErrMalformedResponse, truncate(line, 64))
		}
		header = append(header, HeaderField{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}

	resp := &Response{
		Status:        status,
		StatusText:    m[2],
		Header:        header,
		ContentLength: -1,
	}
	c.storeCookies(header)

	switch {
	case status < 200 || status == 204 || status == 304 || method == http.MethodHead:
		resp.ContentLength = 0
		resp.Body = emptyBody()
	case isChunked(header):
		resp.Body = io.NopCloser(NewChunkedReader(io.MultiReader(bytes.NewReader(rest), r)))
	case header.Has("Content-Length"):
		n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad content-length %q", domain.ErrMalformedResponse, header.Get("Content-Length"))
		}
		resp.ContentLength = n
		if int64(len(rest)) >= n {
			resp.Body = io.NopCloser(bytes.NewReader(rest[:n]))
		} else {
			resp.Body = io.NopCloser(&exactReader{r: io.MultiReader(bytes.NewReader(rest), r), remaining: n})
		}
	default:
		resp.Body = io.NopCloser(io.MultiReader(bytes.NewReader(rest), r))
	}
	return resp, nil
}

func (c *Codec) readHead(r io.Reader) (head, rest []byte, err error) {
	dl, _ := r.(readDeadliner)
	if c.HeaderReadTimeout <= 0 {
		dl = nil
	}
	if dl != nil {
		defer func() { _ = dl.SetReadDeadline(time.Time{}) }()
	}

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		if dl != nil {
			_ = dl.SetReadDeadline(time.Now().Add(c.HeaderReadTimeout))
		}
		n, rerr := r.Read(tmp)
		if n > 0 {
			// The delimiter may straddle two reads.
			start := max(0, len(buf)-len(crlfcrlf)+1)
			buf = append(buf, tmp[:n]...)
			if i := bytes.Index(buf[start:], crlfcrlf); i >= 0 {
				i += start
				return buf[:i], buf[i+len(crlfcrlf):], nil
			}
			if len(buf) > maxHeaderBytes {
				return nil, nil, fmt.Errorf("%w: header block exceeds %d bytes", domain.ErrMalformedResponse, maxHeaderBytes)
			}
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			return nil, nil, fmt.Errorf("%w: %w before end of header block", domain.ErrMalformedResponse, io.ErrUnexpectedEOF)
		}
		var ne net.Error
		if errors.As(rerr, &ne) && ne.Timeout() {
			return nil, nil, fmt.Errorf("%w: header read: %w", domain.ErrUpstreamTimeout, rerr)
		}
		return nil, nil, rerr
	}
}

func isChunked(h Header) bool {
	for _, v := range h.Values("Transfer-Encoding") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "chunked") {
				return true
			}
		}
	}
	return false
}

func emptyBody() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(nil))
}

// exactReader yields exactly remaining bytes and reports a short stream as
// io.ErrUnexpectedEOF.
type exactReader struct {
	r         io.Reader
	remaining int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}
	n, err := e.r.Read(p)
	e.remaining -= int64(n)
	if err == io.EOF {
		if e.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		return n, io.EOF
	}
	return n, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
