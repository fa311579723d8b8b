// Package challenge verifies bot-challenge tokens server-to-server against a
// siteverify-style provider.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds a single provider round trip.
const DefaultTimeout = 3 * time.Second

var (
	// ErrMissingToken is returned when no challenge token was submitted.
	ErrMissingToken = errors.New("challenge token missing")
	// ErrFailed is returned when the provider rejects the token.
	ErrFailed = errors.New("challenge failed")
	// ErrUnavailable is returned when the provider cannot be reached or
	// answers with something other than a verdict.
	ErrUnavailable = errors.New("challenge provider unavailable")
)

// Verifier checks a challenge token for the given client IP.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token, remoteIP string) error

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, token, remoteIP string) error {
	return f(ctx, token, remoteIP)
}

// HTTPVerifier posts tokens to a provider endpoint with the shared secret.
type HTTPVerifier struct {
	endpoint string
	secret   string
	client   *http.Client
}

// Option configures an HTTPVerifier.
type Option func(*HTTPVerifier)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(v *HTTPVerifier) { v.client = c }
}

// NewHTTPVerifier creates a verifier for endpoint.
func NewHTTPVerifier(endpoint, secret string, opts ...Option) (*HTTPVerifier, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("invalid challenge endpoint %q", endpoint)
	}
	if secret == "" {
		return nil, errors.New("challenge secret is required")
	}
	v := &HTTPVerifier{
		endpoint: endpoint,
		secret:   secret,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify implements Verifier.
func (v *HTTPVerifier) Verify(ctx context.Context, token, remoteIP string) error {
	if strings.TrimSpace(token) == "" {
		return ErrMissingToken
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if !out.Success {
		return fmt.Errorf("%w: %s", ErrFailed, strings.Join(out.ErrorCodes, ","))
	}
	return nil
}
