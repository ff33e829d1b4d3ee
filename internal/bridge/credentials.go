package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/longern/webtransportify/internal/client"
	"github.com/longern/webtransportify/internal/domain"
)

// Credentials identify the tunnel a bridge publishes to.
type Credentials struct {
	Directory string   `json:"directory"`
	TunnelID  string   `json:"tunnel_id"`
	Token     string   `json:"token"`
	Hostnames []string `json:"hostnames,omitempty"`
}

// CredentialsPath returns the credentials file inside dir.
func CredentialsPath(dir string) string {
	return filepath.Join(dir, "tunnel.json")
}

func LoadCredentials(path string) (Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credentials{}, err
	}
	c.TunnelID = strings.TrimSpace(c.TunnelID)
	c.Token = strings.TrimSpace(c.Token)
	if c.TunnelID == "" || c.Token == "" {
		return Credentials{}, errors.New("credentials file is missing tunnel_id or token")
	}
	return c, nil
}

func SaveCredentials(path string, c Credentials) error {
	if strings.TrimSpace(c.TunnelID) == "" || strings.TrimSpace(c.Token) == "" {
		return errors.New("tunnel_id and token are required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// EnsureTunnel returns the saved credentials at path, registering a new
// tunnel for hostname when none exist. A hostname not yet recorded is bound
// to the saved tunnel.
func EnsureTunnel(ctx context.Context, c *client.Client, path, hostname string) (Credentials, error) {
	creds, err := LoadCredentials(path)
	switch {
	case err == nil:
		if hostname == "" || contains(creds.Hostnames, hostname) {
			return creds, nil
		}
		if _, err := c.RegisterOrBind(ctx, hostname, creds.TunnelID); err != nil && !errors.Is(err, domain.ErrConflict) {
			return Credentials{}, fmt.Errorf("bind %s: %w", hostname, err)
		}
		creds.Hostnames = append(creds.Hostnames, hostname)
		return creds, SaveCredentials(path, creds)
	case !errors.Is(err, fs.ErrNotExist):
		return Credentials{}, fmt.Errorf("load credentials: %w", err)
	}

	if hostname == "" {
		tun, err := c.CreateTunnel(ctx, "", "")
		if err != nil {
			return Credentials{}, err
		}
		creds = Credentials{Directory: c.BaseURL(), TunnelID: tun.ID, Token: tun.Token}
	} else {
		resp, err := c.RegisterOrBind(ctx, hostname, "")
		if err != nil {
			return Credentials{}, err
		}
		creds = Credentials{Directory: c.BaseURL(), TunnelID: resp.TunnelID, Token: resp.Token, Hostnames: []string{hostname}}
	}
	return creds, SaveCredentials(path, creds)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
