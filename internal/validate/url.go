// Package validate checks redirect destinations and origin paths against a
// site's allowlists.
package validate

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Destination validation errors
var (
	ErrEmpty            = errors.New("URL is empty")
	ErrStringTooLong    = errors.New("URL is too long")
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrDisallowedScheme = errors.New("URL scheme not allowed")
	ErrInsecureScheme   = errors.New("https required for non-loopback hosts")
	ErrUserInfo         = errors.New("URL must not contain credentials")
	ErrDisallowedHost   = errors.New("destination host not allowed")
	ErrPrivateAddress   = errors.New("private IP address not allowed")
	ErrDisallowedPath   = errors.New("path not allowed")
)

// DefaultMaxURLLength bounds destination URLs.
const DefaultMaxURLLength = 2048

// dangerousSchemes are rejected before any other check.
var dangerousSchemes = map[string]bool{
	"javascript": true,
	"data":       true,
	"vbscript":   true,
	"file":       true,
}

// DestinationPolicy is the per-site allowlist applied to redirect targets.
type DestinationPolicy struct {
	// ExactHosts are matched first, case-insensitively.
	ExactHosts []string
	// SuffixHosts match the host itself or any subdomain of it.
	SuffixHosts []string
	// AllowPrivateIPs permits literal RFC 1918, link-local and ULA addresses.
	AllowPrivateIPs bool
	// MaxLength is the maximum URL length (0 uses DefaultMaxURLLength).
	MaxLength int
}

// Result is the outcome of ValidateDestination.
type Result struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidateDestination reports whether raw may be used as a redirect target.
func ValidateDestination(raw string, policy DestinationPolicy) Result {
	if _, err := Destination(raw, policy); err != nil {
		return Result{Valid: false, Error: err.Error()}
	}
	return Result{Valid: true}
}

// Destination validates raw against policy and returns the parsed URL. The
// input is never rewritten: anything that would need fixing is rejected.
func Destination(raw string, policy DestinationPolicy) (*url.URL, error) {
	if raw == "" {
		return nil, ErrEmpty
	}
	maxLen := policy.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxURLLength
	}
	if len(raw) > maxLen {
		return nil, fmt.Errorf("%w: URL exceeds %d characters", ErrStringTooLong, maxLen)
	}
	if strings.TrimSpace(raw) != raw {
		return nil, fmt.Errorf("%w: surrounding whitespace", ErrInvalidURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	// url.Parse lowercases the scheme.
	if dangerousSchemes[u.Scheme] {
		return nil, fmt.Errorf("%w: %q", ErrDisallowedScheme, u.Scheme)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("%w: got %q, allowed: [https http]", ErrDisallowedScheme, u.Scheme)
	}
	if u.User != nil {
		return nil, ErrUserInfo
	}

	host := strings.ToLower(u.Hostname())
	if host == "" || u.Opaque != "" {
		return nil, fmt.Errorf("%w: missing hostname", ErrInvalidURL)
	}

	loopback := IsLoopbackHost(host)
	if u.Scheme == "http" && !loopback {
		return nil, ErrInsecureScheme
	}

	if ip := net.ParseIP(host); ip != nil && !loopback && !policy.AllowPrivateIPs && isPrivateIP(ip) {
		return nil, fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
	}

	if hostAllowed(host, policy) || loopback {
		return u, nil
	}
	return nil, fmt.Errorf("%w: %q not in allowlist", ErrDisallowedHost, host)
}

// hostAllowed checks the exact list before the suffix list.
func hostAllowed(host string, policy DestinationPolicy) bool {
	for _, h := range policy.ExactHosts {
		if strings.EqualFold(host, strings.TrimSpace(h)) {
			return true
		}
	}
	for _, suffix := range policy.SuffixHosts {
		suffix = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(suffix), "."))
		if suffix == "" {
			continue
		}
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// IsLoopbackHost reports whether host is localhost or a loopback literal.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// isPrivateIP checks if an IP address is in a private, link-local or
// unspecified range. Loopback is handled separately.
func isPrivateIP(ip net.IP) bool {
	if ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}

	if ip4 := ip.To4(); ip4 != nil {
		// 10.0.0.0/8
		if ip4[0] == 10 {
			return true
		}
		// 172.16.0.0/12
		if ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31 {
			return true
		}
		// 192.168.0.0/16
		if ip4[0] == 192 && ip4[1] == 168 {
			return true
		}
		// 100.64.0.0/10 (carrier-grade NAT)
		if ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
			return true
		}
		return false
	}

	// fc00::/7 (unique local addresses)
	return len(ip) == net.IPv6len && (ip[0]&0xfe) == 0xfc
}

// OriginPolicy restricts which paths and query parameters of a site's origin
// a relative destination may address.
type OriginPolicy struct {
	// BaseURL is the site origin, e.g. "https://app.example.com".
	BaseURL string
	// PathAllowlist entries ending in "/" match as prefixes; others match
	// exactly. An empty list allows every path.
	PathAllowlist []string
	// QueryAllowlist names the query parameters kept. Others are dropped.
	QueryAllowlist []string
}

// OriginPath resolves a relative target such as "/app/welcome?ref=mail"
// against the site origin. The path must match the path allowlist and only
// allowlisted query parameters survive. An empty target yields the base URL.
func OriginPath(target string, policy OriginPolicy) (string, error) {
	base, err := url.Parse(policy.BaseURL)
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("%w: origin base URL", ErrInvalidURL)
	}
	if target == "" {
		return base.String(), nil
	}
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.Contains(target, "\\") {
		return "", fmt.Errorf("%w: target must be an absolute path", ErrInvalidURL)
	}

	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if ref.Path != cleanPath(ref.Path) {
		return "", fmt.Errorf("%w: path traversal", ErrDisallowedPath)
	}
	if !pathAllowed(ref.Path, policy.PathAllowlist) {
		return "", fmt.Errorf("%w: %q", ErrDisallowedPath, ref.Path)
	}

	out := *base
	out.Path = strings.TrimSuffix(base.Path, "/") + ref.Path
	out.RawQuery = filterQuery(ref.Query(), policy.QueryAllowlist).Encode()
	out.Fragment = ""
	return out.String(), nil
}

func pathAllowed(path string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, entry := range allowlist {
		if strings.HasSuffix(entry, "/") {
			if strings.HasPrefix(path, entry) {
				return true
			}
		} else if path == entry {
			return true
		}
	}
	return false
}

func filterQuery(q url.Values, allowlist []string) url.Values {
	out := url.Values{}
	for _, key := range allowlist {
		if vals, ok := q[key]; ok {
			out[key] = vals
		}
	}
	return out
}

// cleanPath rejects dot segments without rewriting the rest of the path.
func cleanPath(p string) string {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return ""
		}
	}
	return p
}
