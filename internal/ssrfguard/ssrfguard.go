// Package ssrfguard implements the outbound-URL safety policy shared by the
// federation resolver (C8) and the outbound RPC client (C9): scheme and host
// checks against the literal URL, plus a DNS-rebinding-safe dial transport
// that rechecks every resolved address.
package ssrfguard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Policy configures the guard.
type Policy struct {
	AllowInsecureHTTP bool
	Allowlist         []string // if non-empty, host must match one of these
	DNSTimeout        time.Duration
	ConnectTimeout    time.Duration
	OverallTimeout    time.Duration
}

// isPrivateIP reports whether ip is loopback, private, link-local, multicast,
// or unspecified in either v4 or v6.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

// CheckURL validates the scheme and literal host of rawURL against policy,
// before any network activity happens. Returns the parsed URL on success.
func CheckURL(policy Policy, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "https" && !(policy.AllowInsecureHTTP && u.Scheme == "http") {
		return nil, fmt.Errorf("scheme %q is not permitted", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("url has no host")
	}
	if len(policy.Allowlist) > 0 && !hostAllowed(host, policy.Allowlist) {
		return nil, fmt.Errorf("host %q is not in the allowlist", host)
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return nil, fmt.Errorf("host %q is a private/loopback/link-local address", host)
	}
	return u, nil
}

func hostAllowed(host string, allowlist []string) bool {
	for _, a := range allowlist {
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

// Transport builds an *http.Transport whose DialContext re-resolves the
// hostname at connect time and rejects any resolved address that is
// private/loopback/link-local/multicast/unspecified — defending against DNS
// rebinding between the literal-host check and the actual connection.
func Transport(policy Policy) *http.Transport {
	dnsTimeout := policy.DNSTimeout
	if dnsTimeout <= 0 {
		dnsTimeout = 3 * time.Second
	}
	connectTimeout := policy.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", addr, err)
			}

			if ip := net.ParseIP(host); ip != nil {
				if isPrivateIP(ip) {
					return nil, fmt.Errorf("address %s is private/loopback/link-local", ip)
				}
				return dialer.DialContext(ctx, network, addr)
			}

			resolveCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
			defer cancel()
			ips, err := net.DefaultResolver.LookupIPAddr(resolveCtx, host)
			if err != nil {
				return nil, fmt.Errorf("DNS resolution failed for %q: %w", host, err)
			}
			if len(ips) == 0 {
				return nil, fmt.Errorf("no addresses resolved for %q", host)
			}
			for _, ipAddr := range ips {
				if isPrivateIP(ipAddr.IP) {
					return nil, fmt.Errorf("%q resolves to private address %s", host, ipAddr.IP)
				}
			}

			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Client builds an *http.Client guarded by Transport, with the policy's
// overall timeout applied.
func Client(policy Policy) *http.Client {
	overall := policy.OverallTimeout
	if overall <= 0 {
		overall = 30 * time.Second
	}
	return &http.Client{
		Timeout:   overall,
		Transport: Transport(policy),
	}
}
