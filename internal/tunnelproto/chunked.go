package tunnelproto

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/longern/webtransportify/internal/domain"
)

const (
	maxChunkSizeDigits = 15
	// maxChunkSize bounds how much a single chunk may buffer.
	maxChunkSize = 16 << 20
)

// ChunkedReader decodes HTTP/1.1 chunked transfer coding. It accumulates
// bytes until a whole chunk and its trailing CRLF are available, then
// yields the chunk payload. A zero-size chunk ends the body; trailers are
// not read.
type ChunkedReader struct {
	src  io.Reader
	buf  []byte
	out  []byte
	tmp  []byte
	done bool
	err  error
}

// NewChunkedReader returns a reader decoding chunked data from src.
func NewChunkedReader(src io.Reader) *ChunkedReader {
	return &ChunkedReader{src: src}
}

func (c *ChunkedReader) Read(p []byte) (int, error) {
	for len(c.out) == 0 {
		if c.done {
			return 0, io.EOF
		}
		if c.err != nil {
			return 0, c.err
		}
		if c.parse() {
			continue
		}
		c.fill()
	}
	n := copy(p, c.out)
	c.out = c.out[n:]
	return n, nil
}

func (c *ChunkedReader) fill() {
	if c.tmp == nil {
		c.tmp = make([]byte, 16*1024)
	}
	n, err := c.src.Read(c.tmp)
	c.buf = append(c.buf, c.tmp[:n]...)
	switch {
	case err == io.EOF && n == 0:
		c.err = io.ErrUnexpectedEOF
	case err != nil && err != io.EOF:
		c.err = err
	}
}

// parse consumes as many complete chunks from buf as possible and reports
// whether it made progress.
func (c *ChunkedReader) parse() bool {
	progress := false
	for {
		idx := bytes.Index(c.buf, []byte("\r\n"))
		if idx < 0 {
			return progress
		}
		size, err := parseChunkSize(c.buf[:idx])
		if err != nil {
			c.err = err
			return true
		}
		if size == 0 {
			c.done = true
			c.buf = nil
			return true
		}
		start := idx + 2
		end := start + int(size)
		if len(c.buf) < end+2 {
			return progress
		}
		if c.buf[end] != '\r' || c.buf[end+1] != '\n' {
			c.err = fmt.Errorf("%w: missing CRLF after chunk", domain.ErrMalformedResponse)
			return true
		}
		c.out = append(c.out, c.buf[start:end]...)
		c.buf = append(c.buf[:0], c.buf[end+2:]...)
		progress = true
	}
}

func parseChunkSize(line []byte) (int64, error) {
	s := string(line)
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxChunkSizeDigits {
		return 0, fmt.Errorf("%w: invalid chunk size %q", domain.ErrMalformedResponse, truncate(string(line), 32))
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil || n > maxChunkSize {
		return 0, fmt.Errorf("%w: invalid chunk size %q", domain.ErrMalformedResponse, truncate(string(line), 32))
	}
	return int64(n), nil
}
