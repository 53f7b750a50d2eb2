package audit

import (
	"fmt"
	"net/url"
	"strings"
)

// CanonicalURL standardizes a URL for frontier deduplication. It
// lowercases the scheme and host, strips default ports and fragments,
// sorts query parameters, and normalizes an empty path to "/".
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// SameOrigin reports whether two URLs share a hostname, ignoring case.
// Subdomains are distinct origins.
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Hostname(), b.Hostname())
}

// ResolveRef resolves href against base and returns the canonical form.
// Non-http(s) results (mailto:, javascript:, tel:) are rejected.
func ResolveRef(base *url.URL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", fmt.Errorf("empty href")
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	return CanonicalURL(base.ResolveReference(ref).String())
}
