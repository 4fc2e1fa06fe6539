package peers

import "testing"

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"did:web:ds.example.com", "did:web:ds.example.com"},
		{"did:web:ds.example.com#key-1", "did:web:ds.example.com"},
		{"did:key:z6Mk#fragment", "did:key:z6Mk"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := Canonicalize(tc.in); got != tc.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLocalLimiterFor_SameInstanceReused(t *testing.T) {
	g := New(nil, nil)
	a := g.localLimiterFor("did:web:a.example.com", 60)
	b := g.localLimiterFor("did:web:a.example.com", 60)
	if a != b {
		t.Error("expected localLimiterFor to return the same bucket for the same peer")
	}
	c := g.localLimiterFor("did:web:b.example.com", 60)
	if a == c {
		t.Error("expected distinct peers to get distinct buckets")
	}
}

func TestLocalLimiterFor_BurstMatchesCap(t *testing.T) {
	g := New(nil, nil)
	l := g.localLimiterFor("did:web:c.example.com", 5)

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("expected exactly 5 of 10 immediate calls to be allowed (burst = cap), got %d", allowed)
	}
}
