// Package delivery hands signed attestations to a downstream consumer
// without ever holding up the redirect that produced them.
//
// The Dispatcher makes one attempt under a hard timeout. Anything that does
// not succeed in time goes onto a RetryQueue, which a Worker drains with
// exponential backoff.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Job is one attestation awaiting delivery.
type Job struct {
	EventID     string    `json:"eventId" cbor:"1,keyasint"`
	TenantID    string    `json:"tenantId" cbor:"2,keyasint"`
	Attestation string    `json:"attestation" cbor:"3,keyasint"`
	Attempts    int       `json:"-" cbor:"4,keyasint"`
	EnqueuedAt  time.Time `json:"-" cbor:"5,keyasint"`
}

// Sender delivers a job to the consumer.
type Sender interface {
	Send(ctx context.Context, job Job) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, job Job) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, job Job) error { return f(ctx, job) }

// StatusError is returned for non-2xx consumer responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("consumer responded with status %d", e.Code)
}

// Permanent reports whether retrying err cannot help: any 4xx other than
// 408 and 429.
func Permanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 &&
		se.Code != http.StatusRequestTimeout && se.Code != http.StatusTooManyRequests
}

// HTTPSender posts jobs as JSON to a consumer endpoint.
type HTTPSender struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSender creates a sender for endpoint. client may be nil.
func NewHTTPSender(endpoint string, client *http.Client) (*HTTPSender, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("invalid delivery endpoint %q", endpoint)
	}
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPSender{endpoint: endpoint, client: client}, nil
}

// Send implements Sender. The caller's context bounds the request.
func (s *HTTPSender) Send(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", job.EventID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering %s: %w", job.EventID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// errorType maps an error to a short metrics label.
func errorType(err error) string {
	var se *StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &se):
		return fmt.Sprintf("status_%d", se.Code)
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	default:
		return "transport"
	}
}
