package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/clickguard/internal/attestation"
	"github.com/onnwee/clickguard/internal/audit"
	"github.com/onnwee/clickguard/internal/permit"
)

// Verify decisions.
const (
	DecisionVerified = "verified"
	DecisionDenied   = "denied"
)

// AttestationHandlers publishes the verification keys and verifies receipts
// presented by third parties.
type AttestationHandlers struct {
	keys     *attestation.KeySet
	verifier *attestation.Verifier
	audit    *audit.Recorder
	logger   *slog.Logger
}

// NewAttestationHandlers creates the handlers. keys may be nil when signing
// is disabled; the key set is then empty and every token is denied.
func NewAttestationHandlers(keys *attestation.KeySet, verifier *attestation.Verifier, recorder *audit.Recorder, logger *slog.Logger) *AttestationHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = audit.NewRecorder(nil, logger)
	}
	return &AttestationHandlers{keys: keys, verifier: verifier, audit: recorder, logger: logger}
}

// verifyRequest is the body of POST /verify.
type verifyRequest struct {
	Token          string `json:"token"`
	AudiencePrefix string `json:"audiencePrefix,omitempty"`
}

// VerifyResponse is the body returned by POST /verify.
type VerifyResponse struct {
	Decision string              `json:"decision"`
	Claims   *attestation.Claims `json:"claims,omitempty"`
	InLedger *bool               `json:"inLedger,omitempty"`
	Reason   string              `json:"reason,omitempty"`
}

// Keys handles GET /.well-known/attestation-keys.
func (h *AttestationHandlers) Keys(w http.ResponseWriter, r *http.Request) {
	doc := attestation.JWKS{Keys: []attestation.JWK{}}
	if h.keys != nil {
		doc = h.keys.JWKS()
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	WriteJSON(w, r.Context(), http.StatusOK, doc)
}

// Verify handles POST /verify.
func (h *AttestationHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteDenial(w, ctx, string(permit.ReasonBadRequest), "Body must be JSON with a token field")
		return
	}
	if req.Token == "" {
		WriteDenial(w, ctx, string(permit.ReasonBadRequest), "token is required")
		return
	}
	if h.verifier == nil {
		WriteJSON(w, ctx, http.StatusOK, VerifyResponse{Decision: DecisionDenied, Reason: attestation.ReasonUnknownKey})
		return
	}

	res, err := h.verifier.Verify(ctx, req.Token, req.AudiencePrefix)
	if err != nil {
		h.logger.ErrorContext(ctx, "attestation verification failed", "error", err)
		WriteDenial(w, ctx, ReasonInternal, "")
		return
	}

	if !res.Valid {
		h.audit.Record(r, audit.LogEntry{
			EntityType: audit.EntityAttestation,
			EntityID:   "unverified",
			Action:     audit.ActionVerifyDenied,
			Reason:     res.Reason,
		})
		WriteJSON(w, ctx, http.StatusOK, VerifyResponse{Decision: DecisionDenied, Reason: res.Reason})
		return
	}

	inLedger := res.InLedger
	WriteJSON(w, ctx, http.StatusOK, VerifyResponse{
		Decision: DecisionVerified,
		Claims:   res.Claims,
		InLedger: &inLedger,
	})
}
