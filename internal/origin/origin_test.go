package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in             string
		wantNormalized string
		wantHost       string
		wantOK         bool
	}{
		{"HTTPS://Example.COM:443", "https://example.com", "example.com", true},
		{"http://localhost:5173/", "http://localhost:5173", "localhost:5173", true},
		{"http://example.com:80", "http://example.com", "example.com", true},
		{"https://[::1]:8443", "https://[::1]:8443", "[::1]:8443", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"ftp://example.com", "", "", false},
		{"https://example.com/path", "", "", false},
		{"https://example.com/?q=1", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com/#frag", "", "", false},
		{"https://example.com:0", "", "", false},
		{"https://example.com:99999", "", "", false},
	}
	for _, tc := range cases {
		n, h, ok := Normalize(tc.in)
		if ok != tc.wantOK || n != tc.wantNormalized || h != tc.wantHost {
			t.Fatalf("Normalize(%q)=(%q,%q,%v), want (%q,%q,%v)", tc.in, n, h, ok, tc.wantNormalized, tc.wantHost, tc.wantOK)
		}
	}
}

func TestPolicy_DefaultIsSameHost(t *testing.T) {
	p := NewPolicy(nil)
	if _, ok := p.Check("https://app.example.com", "app.example.com"); !ok {
		t.Fatalf("expected same host to be allowed")
	}
	if _, ok := p.Check("https://app.example.com", "app.example.com:443"); !ok {
		t.Fatalf("expected default port to be equivalent")
	}
	if _, ok := p.Check("http://app.example.com", "app.example.com:8080"); ok {
		t.Fatalf("expected different port to be rejected")
	}
	if _, ok := p.Check("null", "app.example.com"); ok {
		t.Fatalf("expected null origin to be rejected by same-host policy")
	}
}

func TestPolicy_AllowList(t *testing.T) {
	p := NewPolicy([]string{"https://ui.example.com:443", "not an origin"})
	got, ok := p.Check("HTTPS://UI.example.com", "agent.internal:8080")
	if !ok {
		t.Fatalf("expected listed origin to be allowed")
	}
	if got != "https://ui.example.com" {
		t.Fatalf("normalized=%q, want %q", got, "https://ui.example.com")
	}
	if _, ok := p.Check("https://evil.example.com", "agent.internal:8080"); ok {
		t.Fatalf("expected unlisted origin to be rejected")
	}
	if p.AllowsAny() {
		t.Fatalf("AllowsAny=true without wildcard")
	}
}

func TestPolicy_Wildcard(t *testing.T) {
	p := NewPolicy([]string{"*"})
	if !p.AllowsAny() {
		t.Fatalf("AllowsAny=false with wildcard")
	}
	if _, ok := p.Check("https://anything.example", "agent.internal"); !ok {
		t.Fatalf("expected wildcard to allow any valid origin")
	}
	if _, ok := p.Check("javascript:alert(1)", "agent.internal"); ok {
		t.Fatalf("expected invalid origin to be rejected even with wildcard")
	}
}
