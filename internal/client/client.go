// Package client implements the HTTP client for the certificate directory
// API used by the edge (lookups) and the bridge (registration and rotation).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/longern/webtransportify/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Client talks to a directory mounted at a base URL, e.g.
// "https://dir.example/webtransportify".
type Client struct {
	base *url.URL
	http *http.Client
	now  func() time.Time
}

// New returns a Client for baseURL. A nil httpClient uses a client with a
// 10s timeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse directory URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("directory URL %q must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("directory URL %q has no host", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{base: u, http: httpClient, now: time.Now}, nil
}

// BaseURL returns the directory base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	for _, p := range parts {
		u.Path += "/" + url.PathEscape(p)
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet {
		req.Header.Set("Date", c.now().UTC().Format(http.TimeFormat))
	}
	return req, nil
}

// do sends req and decodes a JSON response into out when out is non-nil.
// Non-2xx responses become *APIError.
func (c *Client) do(req *http.Request, out any) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var errResp domain.ErrorResponse
		if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Code = errResp.ErrorCode
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return resp, apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("decode directory response: %w", err)
		}
	}
	return resp, nil
}

// LookupHostname resolves the tunnel bound to host. The directory reads the
// hostname from the Host header.
func (c *Client) LookupHostname(ctx context.Context, host string) (domain.Descriptor, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("hostname"), nil)
	if err != nil {
		return domain.Descriptor{}, err
	}
	req.Host = host
	var out domain.HostnameResponse
	resp, err := c.do(req, &out)
	if err != nil {
		return domain.Descriptor{}, &domain.OpError{Op: "lookup hostname", Key: host, Err: err}
	}
	return domain.Descriptor{
		Endpoint:           out.Endpoint,
		CertificateHash:    out.CertificateHash,
		AltCertificateHash: out.AltCertificateHash,
		UpdatedAt:          lastModified(resp),
	}, nil
}

// LookupDomain fetches the certificate row of a domain.
func (c *Client) LookupDomain(ctx context.Context, name string) (domain.Descriptor, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("certificates", name), nil)
	if err != nil {
		return domain.Descriptor{}, err
	}
	var out domain.CertificateResponse
	resp, err := c.do(req, &out)
	if err != nil {
		return domain.Descriptor{}, &domain.OpError{Op: "lookup domain", Key: name, Err: err}
	}
	return domain.Descriptor{
		Endpoint:           out.URL,
		CertificateHash:    out.CertificateHash,
		AltCertificateHash: out.AltCertificateHash,
		UpdatedAt:          lastModified(resp),
	}, nil
}

// CreateTunnel registers a new tunnel and returns its ID and token.
func (c *Client) CreateTunnel(ctx context.Context, endpoint, certificateHash string) (domain.CreateTunnelResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("tunnels"), strings.NewReader(certificateHash))
	if err != nil {
		return domain.CreateTunnelResponse{}, err
	}
	req.Header.Set("X-WT-Endpoint", endpoint)
	req.Header.Set("Content-Type", "text/plain")
	var out domain.CreateTunnelResponse
	if _, err := c.do(req, &out); err != nil {
		return domain.CreateTunnelResponse{}, &domain.OpError{Op: "create tunnel", Err: err}
	}
	return out, nil
}

// RegisterOrBind binds host to tunnelID, or to a new tunnel when tunnelID is
// empty. The token is only set for a new tunnel.
func (c *Client) RegisterOrBind(ctx context.Context, host, tunnelID string) (domain.BindResponse, error) {
	var body io.Reader
	if tunnelID != "" {
		b, _ := json.Marshal(domain.BindRequest{TunnelID: tunnelID})
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, http.MethodPut, c.endpoint("hostname"), body)
	if err != nil {
		return domain.BindResponse{}, err
	}
	req.Host = host
	req.Header.Set("Content-Type", "application/json")
	var out domain.BindResponse
	if _, err := c.do(req, &out); err != nil {
		return domain.BindResponse{}, &domain.OpError{Op: "bind hostname", Key: host, Err: err}
	}
	return out, nil
}

// UpdateTunnel changes the endpoint and/or certificate hash of a tunnel.
func (c *Client) UpdateTunnel(ctx context.Context, id, token string, upd domain.UpdateTunnelRequest) error {
	b, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("tunnels", id, token), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if _, err := c.do(req, nil); err != nil {
		return &domain.OpError{Op: "update tunnel", Key: id, Err: err}
	}
	return nil
}

// CreateDomainCertificate creates the certificate row of a domain.
func (c *Client) CreateDomainCertificate(ctx context.Context, name, endpoint, certificateHash string) error {
	req, err := c.newRequest(ctx, http.MethodPut, c.endpoint("certificates", name), strings.NewReader(certificateHash))
	if err != nil {
		return err
	}
	req.Header.Set("X-WT-Endpoint", endpoint)
	req.Header.Set("Content-Type", "text/plain")
	if _, err := c.do(req, nil); err != nil {
		return &domain.OpError{Op: "create domain certificate", Key: name, Err: err}
	}
	return nil
}

// SetDomainCertificateHash rotates the certificate hash of a domain.
func (c *Client) SetDomainCertificateHash(ctx context.Context, name, certificateHash string) error {
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("certificates", name), strings.NewReader(certificateHash))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	if _, err := c.do(req, nil); err != nil {
		return &domain.OpError{Op: "set domain certificate", Key: name, Err: err}
	}
	return nil
}

func lastModified(resp *http.Response) time.Time {
	if resp == nil {
		return time.Time{}
	}
	t, err := http.ParseTime(resp.Header.Get("Last-Modified"))
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsNotFound reports whether err is a directory 404.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
