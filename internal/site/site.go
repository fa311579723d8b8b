// Package site resolves the tenant policy for a request by normalized
// hostname or by access-token hash.
//
// Hostnames are normalized the same way at write time and at lookup time.
// Raw access tokens are returned exactly once, at creation or rotation, and
// only their SHA-256 hash is stored.
package site

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/clickguard/internal/cryptoutil"
	"github.com/onnwee/clickguard/internal/validate"
)

// AccessTokenPrefix marks site access tokens.
const AccessTokenPrefix = "cg_"

var (
	// ErrNotFound is returned when no site matches the lookup key.
	ErrNotFound = errors.New("site not found")
	// ErrHostnameTaken is returned when creating a site for a hostname that already exists.
	ErrHostnameTaken = errors.New("hostname already registered")
	// ErrInvalidHostname is returned for hostnames that normalize to nothing.
	ErrInvalidHostname = errors.New("invalid hostname")
	// ErrInvalidPolicy is returned when a policy fails validation.
	ErrInvalidPolicy = errors.New("invalid site policy")
)

// Policy is the per-site configuration read on every request.
type Policy struct {
	SiteID              string    `json:"siteId"`
	Hostname            string    `json:"hostname"`
	OriginBaseURL       string    `json:"originBaseUrl"`
	PathAllowlist       []string  `json:"pathAllowlist,omitempty"`
	QueryAllowlist      []string  `json:"queryAllowlist,omitempty"`
	DestinationHosts    []string  `json:"destinationHosts,omitempty"`
	DestinationSuffixes []string  `json:"destinationSuffixes,omitempty"`
	AllowPrivateIPs     bool      `json:"allowPrivateIps"`
	ChallengeEnabled    bool      `json:"challengeEnabled"`
	ChallengeKey        string    `json:"challengeKey,omitempty"`
	AccessTokenHash     string    `json:"-"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Destination returns the redirect allowlist for this site. The origin host
// is always allowed, since the interstitial falls back to OriginBaseURL.
func (p *Policy) Destination() validate.DestinationPolicy {
	exact := p.DestinationHosts
	if host := p.originHost(); host != "" {
		exact = append(append(make([]string, 0, len(exact)+1), exact...), host)
	}
	return validate.DestinationPolicy{
		ExactHosts:      exact,
		SuffixHosts:     p.DestinationSuffixes,
		AllowPrivateIPs: p.AllowPrivateIPs,
	}
}

func (p *Policy) originHost() string {
	u, err := url.Parse(p.OriginBaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Origin returns the path/query allowlist for relative destinations.
func (p *Policy) Origin() validate.OriginPolicy {
	return validate.OriginPolicy{
		BaseURL:        p.OriginBaseURL,
		PathAllowlist:  p.PathAllowlist,
		QueryAllowlist: p.QueryAllowlist,
	}
}

// Validate checks the policy fields required for a site to serve traffic.
func (p *Policy) Validate() error {
	if NormalizeHostname(p.Hostname) == "" {
		return ErrInvalidHostname
	}
	if _, err := validate.OriginPath("", p.Origin()); err != nil {
		return errors.Join(ErrInvalidPolicy, err)
	}
	return nil
}

func (p *Policy) clone() *Policy {
	cp := *p
	cp.PathAllowlist = append([]string(nil), p.PathAllowlist...)
	cp.QueryAllowlist = append([]string(nil), p.QueryAllowlist...)
	cp.DestinationHosts = append([]string(nil), p.DestinationHosts...)
	cp.DestinationSuffixes = append([]string(nil), p.DestinationSuffixes...)
	return &cp
}

// Resolver is the read-only view used on the request path.
type Resolver interface {
	ByHostname(ctx context.Context, hostname string) (*Policy, error)
	ByAccessTokenHash(ctx context.Context, hash string) (*Policy, error)
}

// Directory adds the admin operations. Only admin tooling and seeding use it.
type Directory interface {
	Resolver
	// Create stores a new site and returns it with the raw access token. An
	// empty SiteID is generated. A provided AccessTokenHash is kept, and the
	// returned raw token is then empty.
	Create(ctx context.Context, p Policy) (*Policy, string, error)
	// RotateAccessToken replaces the site's token and returns the new raw token.
	RotateAccessToken(ctx context.Context, siteID string) (string, error)
}

// NormalizeHostname lowercases, trims, strips a port, IPv6 brackets and a
// trailing dot.
func NormalizeHostname(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	host = strings.TrimSuffix(host, ".")
	return host
}

// GenerateAccessToken returns a new raw token and its stored hash.
func GenerateAccessToken() (raw, hash string, err error) {
	token, err := cryptoutil.RandomToken(cryptoutil.DefaultTokenBytes)
	if err != nil {
		return "", "", err
	}
	raw = AccessTokenPrefix + token
	return raw, HashAccessToken(raw), nil
}

// ensureAccessToken generates a token for p unless it already carries a hash.
func ensureAccessToken(p *Policy) (string, error) {
	if p.AccessTokenHash != "" {
		return "", nil
	}
	raw, hash, err := GenerateAccessToken()
	if err != nil {
		return "", err
	}
	p.AccessTokenHash = hash
	return raw, nil
}

// ResolveAccessToken finds the site owning raw. Anything that is not a site
// token is ErrNotFound without a lookup.
func ResolveAccessToken(ctx context.Context, r Resolver, raw string) (*Policy, error) {
	if !strings.HasPrefix(raw, AccessTokenPrefix) || len(raw) == len(AccessTokenPrefix) {
		return nil, ErrNotFound
	}
	p, err := r.ByAccessTokenHash(ctx, HashAccessToken(raw))
	if err != nil {
		return nil, err
	}
	if !VerifyAccessToken(raw, p.AccessTokenHash) {
		return nil, ErrNotFound
	}
	return p, nil
}

// HashAccessToken returns the hex SHA-256 of a raw token.
func HashAccessToken(raw string) string {
	return cryptoutil.SHA256Hex(raw)
}

// VerifyAccessToken compares the hash of raw with storedHash in constant time.
func VerifyAccessToken(raw, storedHash string) bool {
	if raw == "" || storedHash == "" {
		return false
	}
	return cryptoutil.ConstantTimeEqual(HashAccessToken(raw), storedHash)
}
