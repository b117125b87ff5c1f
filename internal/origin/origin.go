// Package origin decides which browser origins may drive the call agent's
// control surface.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header value and returns it as
// scheme://host[:port] with default ports dropped, plus the host[:port] part.
// The literal "null" origin is returned unchanged with an empty host.
func Normalize(header string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy is an allow-list of normalized origins. An empty policy admits only
// origins whose host matches the request's Host header.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy builds a policy from config entries. "*" admits every origin;
// other entries are normalized and silently skipped when invalid.
func NewPolicy(entries []string) Policy {
	p := Policy{allowed: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "*" {
			p.any = true
			continue
		}
		if n, _, ok := Normalize(e); ok {
			p.allowed[n] = struct{}{}
		}
	}
	return p
}

// AllowsAny reports whether the policy contains the "*" wildcard.
func (p Policy) AllowsAny() bool { return p.any }

// Check reports whether a request carrying originHeader for requestHost is
// admitted, returning the normalized origin for CORS echoing.
func (p Policy) Check(originHeader, requestHost string) (string, bool) {
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return "", false
	}
	if p.any {
		return normalized, true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[normalized]
		return normalized, ok
	}

	// Same host only. The scheme is ignored so a TLS-terminating proxy in front
	// of the agent does not break same-host browsers.
	var scheme string
	switch {
	case strings.HasPrefix(normalized, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalized, "https://"):
		scheme = "https"
	default:
		return "", false
	}
	reqHost, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return "", false
	}
	return normalized, reqHost == host
}

func canonicalHost(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]; IPv6 literals must be bracketed and are
// returned without brackets.
func splitHostPort(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := authority[1:end], authority[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if len(rest) < 2 || rest[0] != ':' {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	hostname, port, found := strings.Cut(authority, ":")
	if !found {
		return authority, "", true
	}
	if hostname == "" || port == "" || strings.Contains(port, ":") {
		return "", "", false
	}
	return hostname, port, true
}
