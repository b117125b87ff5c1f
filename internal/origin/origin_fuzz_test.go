package origin

import (
	"strings"
	"testing"
)

func FuzzNormalize(f *testing.F) {
	f.Add("HTTPS://Example.COM:443")
	f.Add("http://[::FFFF:192.0.2.1]:8080")
	f.Add("null")
	f.Add("")
	f.Add("ftp://example.com")
	f.Add("https://example.com/path")
	f.Add("https://example.com,https://evil.example.com")

	f.Fuzz(func(t *testing.T, header string) {
		n1, h1, ok1 := Normalize(header)
		n2, h2, ok2 := Normalize(header)
		if ok1 != ok2 || n1 != n2 || h1 != h2 {
			t.Fatalf("non-deterministic: %q -> (%q,%q,%v) then (%q,%q,%v)", header, n1, h1, ok1, n2, h2, ok2)
		}
		if !ok1 || n1 == "null" {
			return
		}
		if !strings.HasPrefix(n1, "http://") && !strings.HasPrefix(n1, "https://") {
			t.Fatalf("normalized origin missing scheme: %q", n1)
		}
		if !strings.HasSuffix(n1, "://"+h1) {
			t.Fatalf("normalized=%q does not end in host %q", n1, h1)
		}
		if strings.ContainsAny(n1, "?# \t\r\n") {
			t.Fatalf("normalized origin carries delimiters or whitespace: %q", n1)
		}
	})
}

func FuzzPolicyWildcard(f *testing.F) {
	f.Add("https://app.example.com", "app.example.com")
	f.Add("null", "app.example.com")
	f.Add("http://x", "")

	f.Fuzz(func(t *testing.T, header, host string) {
		_, _, valid := Normalize(header)
		_, ok := NewPolicy([]string{"*"}).Check(header, host)
		if ok != valid {
			t.Fatalf("wildcard policy ok=%v for %q, want %v", ok, header, valid)
		}
	})
}
