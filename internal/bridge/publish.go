package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/longern/webtransportify/internal/certs"
	"github.com/longern/webtransportify/internal/client"
	"github.com/longern/webtransportify/internal/domain"
)

const publishAttempts = 5

// Publisher announces a new certificate hash.
type Publisher interface {
	Publish(ctx context.Context, h certs.Hash) error
}

// TunnelPublisher updates a tunnel record, optionally with its endpoint.
type TunnelPublisher struct {
	Client   *client.Client
	TunnelID string
	Token    string
	Endpoint string
}

func (p *TunnelPublisher) Publish(ctx context.Context, h certs.Hash) error {
	hash := h.String()
	upd := domain.UpdateTunnelRequest{CertificateHash: &hash}
	if p.Endpoint != "" {
		endpoint := p.Endpoint
		upd.Endpoint = &endpoint
	}
	return client.Retry(ctx, publishAttempts, func(ctx context.Context) error {
		return p.Client.UpdateTunnel(ctx, p.TunnelID, p.Token, upd)
	})
}

// DomainPublisher rotates a domain certificate row, creating it first when
// Endpoint is set and the domain is unknown.
type DomainPublisher struct {
	Client   *client.Client
	Domain   string
	Endpoint string
}

func (p *DomainPublisher) Publish(ctx context.Context, h certs.Hash) error {
	return client.Retry(ctx, publishAttempts, func(ctx context.Context) error {
		err := p.Client.SetDomainCertificateHash(ctx, p.Domain, h.String())
		if err == nil || p.Endpoint == "" || !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return p.Client.CreateDomainCertificate(ctx, p.Domain, p.Endpoint, h.String())
	})
}

// WebhookPublisher POSTs {"certificate_hash": ...} to a URL.
type WebhookPublisher struct {
	URL  string
	HTTP *http.Client
}

func (p *WebhookPublisher) Publish(ctx context.Context, h certs.Hash) error {
	body, err := json.Marshal(domain.WebhookPayload{CertificateHash: h.String()})
	if err != nil {
		return err
	}
	httpClient := p.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return client.Retry(ctx, publishAttempts, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &client.APIError{StatusCode: resp.StatusCode, Message: "webhook: " + strings.TrimSpace(string(msg))}
		}
		return nil
	})
}

// Publishers publishes to each publisher in turn and joins the failures.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, h certs.Hash) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
