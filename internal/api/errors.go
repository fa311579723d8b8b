// Package api implements the HTTP surface of the redemption service: the
// preview/confirm handshake, the attestation key set and verifier, and the
// operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/clickguard/internal/middleware"
	"github.com/onnwee/clickguard/internal/permit"
)

// Denial reason codes. Token lifecycle reasons reuse the permit codes.
const (
	// ReasonMissingContinuity means the continuity cookie was absent or unreadable.
	ReasonMissingContinuity = "missing_continuity"

	// ReasonCSRFMismatch means the submitted CSRF token did not equal the cookie.
	ReasonCSRFMismatch = "csrf_mismatch"

	// ReasonMissingChallenge means the site requires a challenge token and none was sent.
	ReasonMissingChallenge = "missing_challenge"

	// ReasonChallengeFailed means the challenge provider rejected the token or could not be reached.
	ReasonChallengeFailed = "challenge_failed"

	// ReasonInvalidDestination means the destination was missing, malformed or not allowlisted.
	ReasonInvalidDestination = "invalid_destination"

	// ReasonUnknownSite means the request host does not map to a site.
	ReasonUnknownSite = "unknown_site"

	// ReasonRateLimited indicates rate limit exceeded.
	ReasonRateLimited = "rate_limited"

	// ReasonMethodNotAllowed indicates an unsupported HTTP method.
	ReasonMethodNotAllowed = "method_not_allowed"

	// ReasonNotFound indicates an unknown route.
	ReasonNotFound = "not_found"

	// ReasonUnauthorized indicates a missing or wrong internal token.
	ReasonUnauthorized = "unauthorized"

	// ReasonForbidden indicates a valid credential used outside its scope.
	ReasonForbidden = "forbidden"

	// ReasonInternal indicates an internal server error.
	ReasonInternal = "internal_error"
)

// Denial is the JSON body of every refused request: {"ok":false,"reason":"..."}.
type Denial struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// WriteError writes a denial with the given status and records reason as the
// request's error code for the logging middleware.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, reason, message string) {
	middleware.SetErrorCode(ctx, reason)
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, ctx, status, Denial{OK: false, Reason: reason, Message: message})
}

// WriteDenial writes a denial using StatusForReason.
func WriteDenial(w http.ResponseWriter, ctx context.Context, reason, message string) {
	WriteError(w, ctx, StatusForReason(reason), reason, message)
}

// WriteJSON encodes v as the response body.
func WriteJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		slog.ErrorContext(ctx, "failed to write response", "error", err)
	}
}

// StatusForReason maps a denial reason to its HTTP status.
func StatusForReason(reason string) int {
	switch reason {
	case ReasonMissingContinuity, ReasonMissingChallenge, ReasonInvalidDestination,
		string(permit.ReasonBadRequest):
		return http.StatusBadRequest
	case ReasonCSRFMismatch, ReasonChallengeFailed, string(permit.ReasonContinuityMismatch),
		ReasonForbidden:
		return http.StatusForbidden
	case ReasonUnknownSite, ReasonNotFound, string(permit.ReasonNotFound):
		return http.StatusNotFound
	case string(permit.ReasonReplay):
		return http.StatusConflict
	case string(permit.ReasonExpired):
		return http.StatusGone
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ReasonUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
