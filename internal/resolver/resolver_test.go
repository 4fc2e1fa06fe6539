package resolver

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func TestParseP256JWK_RoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	x := base64.RawURLEncoding.EncodeToString(key.X.Bytes())
	y := base64.RawURLEncoding.EncodeToString(key.Y.Bytes())

	got, err := parseP256JWK(x, y)
	if err != nil {
		t.Fatalf("parseP256JWK: %v", err)
	}
	if got.X.Cmp(key.X) != 0 || got.Y.Cmp(key.Y) != 0 {
		t.Error("parsed public key coordinates do not match the original")
	}
}

func TestParseP256JWK_InvalidBase64(t *testing.T) {
	if _, err := parseP256JWK("not base64!!", "alsonot!!"); err == nil {
		t.Error("expected error for invalid base64 input")
	}
}

func TestDIDDocumentURL(t *testing.T) {
	tests := []struct {
		did     string
		want    string
		wantErr bool
	}{
		{"did:web:ds.example.com", "https://ds.example.com/.well-known/did.json", false},
		{"did:plc:abc123", "https://plc.directory/did:plc:abc123", false},
		{"did:key:z6Mk", "", true},
		{"not-a-did", "", true},
	}
	for _, tc := range tests {
		got, err := didDocumentURL(tc.did)
		if tc.wantErr {
			if err == nil {
				t.Errorf("didDocumentURL(%q): expected error, got %q", tc.did, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("didDocumentURL(%q): unexpected error %v", tc.did, err)
		}
		if got != tc.want {
			t.Errorf("didDocumentURL(%q) = %q, want %q", tc.did, got, tc.want)
		}
	}
}
