// SPDX-License-Identifier: MIT

// Package netutil validates and normalizes the proxy endpoints renewd
// binds to dealer accounts before a portal client is built against them.
package netutil

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeHost validates and normalizes a host for comparison and dialing.
// IDNA hosts are converted to their ASCII (punycode) form; IP literals pass
// through unchanged.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if strings.Contains(host, "://") {
		return "", fmt.Errorf("host must not include scheme: %s", raw)
	}
	if strings.Contains(host, "/") {
		return "", fmt.Errorf("host must not include path: %s", raw)
	}
	host = strings.ToLower(host)

	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return ip.String(), nil
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("normalize host %q: %w", raw, err)
	}
	return ascii, nil
}

// ProxyURL builds the proxy URL for an account's proxy binding. Credentials
// are embedded as userinfo when present.
func ProxyURL(host string, port int, username, password string) (*url.URL, error) {
	normalized, err := NormalizeHost(host)
	if err != nil {
		return nil, err
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("proxy port out of range: %d", port)
	}
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(normalized, fmt.Sprintf("%d", port)),
	}
	if username != "" {
		if password != "" {
			u.User = url.UserPassword(username, password)
		} else {
			u.User = url.User(username)
		}
	}
	return u, nil
}
