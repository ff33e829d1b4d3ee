package netutil

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultTunnelPort is used for endpoints given as a bare host.
const DefaultTunnelPort = "34433"

// DialAddress turns a tunnel endpoint into a UDP host:port. Endpoints may be
// a URL ("https://host:9443/"), a host:port pair or a bare host.
func DialAddress(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("empty endpoint")
	}
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("parse endpoint: %w", err)
		}
		if u.Hostname() == "" {
			return "", fmt.Errorf("endpoint %q has no host", endpoint)
		}
		port := u.Port()
		if port == "" {
			port = "443"
		}
		return net.JoinHostPort(u.Hostname(), port), nil
	}
	if host, port, err := net.SplitHostPort(endpoint); err == nil {
		if host == "" || !validPort(port) {
			return "", fmt.Errorf("invalid endpoint %q", endpoint)
		}
		return endpoint, nil
	}
	return net.JoinHostPort(strings.Trim(endpoint, "[]"), DefaultTunnelPort), nil
}

// TargetAddress normalizes a TCP target. A bare port means a loopback
// target on that port.
func TargetAddress(target string) (string, error) {
	target = strings.TrimSpace(target)
	if isDigits(target) {
		if !validPort(target) {
			return "", fmt.Errorf("invalid port %q", target)
		}
		return net.JoinHostPort("127.0.0.1", target), nil
	}
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return "", fmt.Errorf("invalid target %q: %w", target, err)
	}
	if !validPort(port) {
		return "", fmt.Errorf("invalid port %q", port)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}

func validPort(p string) bool {
	n, err := strconv.Atoi(p)
	return err == nil && n > 0 && n <= 65535
}
