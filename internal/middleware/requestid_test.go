package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID_GeneratesNewID(t *testing.T) {
	var captured string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))

	if _, err := uuid.Parse(captured); err != nil {
		t.Errorf("expected generated UUID, got %q", captured)
	}
	if rr.Header().Get(RequestIDHeader) != captured {
		t.Errorf("response header %q does not match context id %q", rr.Header().Get(RequestIDHeader), captured)
	}
}

func TestRequestID_HeaderHandling(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"printable id kept", "existing-request-id-123", true},
		{"id with space replaced", "bad id", false},
		{"control characters replaced", "id\x00x", false},
		{"too long replaced", strings.Repeat("a", maxRequestIDLength+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set(RequestIDHeader, tt.incoming)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if (captured == tt.incoming) != tt.keep {
				t.Errorf("captured = %q, keep incoming = %v", captured, tt.keep)
			}
			if captured == "" {
				t.Error("request id must never be empty")
			}
		})
	}
}

func TestGetRequestID_EmptyContextReturnsEmptyString(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if id := GetRequestID(req.Context()); id != "" {
		t.Errorf("expected empty string, got %q", id)
	}
}
