package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/onnwee/clickguard/internal/attestation"
	"github.com/onnwee/clickguard/internal/audit"
	"github.com/onnwee/clickguard/internal/challenge"
	"github.com/onnwee/clickguard/internal/cryptoutil"
	"github.com/onnwee/clickguard/internal/delivery"
	"github.com/onnwee/clickguard/internal/ledger"
	"github.com/onnwee/clickguard/internal/middleware"
	"github.com/onnwee/clickguard/internal/permit"
	"github.com/onnwee/clickguard/internal/scanner"
	"github.com/onnwee/clickguard/internal/site"
	"github.com/onnwee/clickguard/internal/tracing"
	"github.com/onnwee/clickguard/internal/validate"
)

// Cookie names.
const (
	ContinuityCookie = "cg_cont"
	CSRFCookie       = "cg_csrf"
)

// CSRFHeader may carry the CSRF token instead of the body.
const CSRFHeader = "X-CSRF-Token"

// DefaultReplayWindow is how far back a replayed confirm looks for the
// client's own successful redemption.
const DefaultReplayWindow = 10 * time.Minute

const (
	replayLookupRetries = 3
	replayLookupDelay   = 25 * time.Millisecond
)

const maxResourceIDLength = 128

// RedeemConfig wires the handshake to its collaborators. Signer, Dispatcher,
// Challenge, Audit and Scanners are optional.
type RedeemConfig struct {
	Sites   site.Resolver
	Permits permit.Store
	Limiter *middleware.PhaseLimiter
	Ledger  ledger.Repository

	Signer     *attestation.Signer
	Dispatcher *delivery.Dispatcher
	Challenge  challenge.Verifier
	Audit      *audit.Recorder
	Scanners   *scanner.Metrics

	AudiencePrefix     string
	PermitTTL          time.Duration
	AttestationTTL     time.Duration
	ReplayWindow       time.Duration
	ChallengeScriptURL string

	Logger *slog.Logger
	Now    func() time.Time
}

// RedeemHandlers serves the two-phase handshake.
type RedeemHandlers struct {
	cfg RedeemConfig
}

// NewRedeemHandlers creates the handshake handlers.
func NewRedeemHandlers(cfg RedeemConfig) *RedeemHandlers {
	if cfg.PermitTTL <= 0 {
		cfg.PermitTTL = permit.DefaultTTL
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewRecorder(nil, cfg.Logger)
	}
	return &RedeemHandlers{cfg: cfg}
}

// confirmRequest is the JSON form of a confirm submission.
type confirmRequest struct {
	CSRF           string `json:"csrf"`
	Nonce          string `json:"nonce"`
	Destination    string `json:"destination"`
	ChallengeToken string `json:"challengeToken"`
}

// confirmResponse is returned to clients that ask for JSON.
type confirmResponse struct {
	OK          bool   `json:"ok"`
	RedirectTo  string `json:"redirectTo"`
	Attestation string `json:"attestation,omitempty"`
	Replayed    bool   `json:"replayed,omitempty"`
}

// Preview handles GET /redeem/{resourceId}. It issues a permit bound to the
// client fingerprint and renders a page that requires an explicit submit. It
// never redirects and never redeems.
func (h *RedeemHandlers) Preview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resourceID := r.PathValue("resourceId")
	if !validResourceID(resourceID) {
		WriteDenial(w, ctx, string(permit.ReasonBadRequest), "Invalid resource id")
		return
	}

	ip := middleware.ClientIP(r)
	if !h.allow(w, r, ip, middleware.PhasePreview) {
		return
	}

	policy, ok := h.resolveSite(w, r)
	if !ok {
		return
	}

	verdict := scanner.ClassifyRequest(r)
	h.cfg.Scanners.Observe(verdict)
	if verdict.Automated() {
		h.cfg.Logger.InfoContext(ctx, "preview from likely scanner",
			"site_id", policy.SiteID,
			"resource_id", resourceID,
			"class", verdict.Class,
			"match", verdict.Match,
			"signals", verdict.Signals,
		)
	}

	destination, err := validate.OriginPath(r.URL.Query().Get("to"), policy.Origin())
	if err != nil {
		h.cfg.Audit.Record(r, audit.LogEntry{
			SiteID:     policy.SiteID,
			EntityType: audit.EntityRedemption,
			EntityID:   resourceID,
			Action:     audit.ActionInvalidDestination,
			Reason:     err.Error(),
		})
		WriteDenial(w, ctx, ReasonInvalidDestination, "Destination is not allowed for this site")
		return
	}

	now := h.cfg.Now()
	fingerprint := permit.Fingerprint(ip, r.UserAgent())
	issued, err := h.cfg.Permits.Issue(ctx, resourceID, fingerprint, h.cfg.PermitTTL)
	if err != nil {
		h.cfg.Logger.ErrorContext(ctx, "failed to issue permit", "resource_id", resourceID, "error", err)
		WriteDenial(w, ctx, ReasonInternal, "")
		return
	}
	csrf, err := cryptoutil.RandomToken(cryptoutil.DefaultTokenBytes)
	if err != nil {
		h.cfg.Logger.ErrorContext(ctx, "failed to generate csrf token", "error", err)
		WriteDenial(w, ctx, ReasonInternal, "")
		return
	}

	cookiePath := "/redeem/" + resourceID
	maxAge := int(issued.ExpiresAt.Sub(now).Seconds())
	secure := middleware.IsSecureRequest(r)
	http.SetCookie(w, redeemCookie(ContinuityCookie, permit.ContinuityValue(fingerprint, now), cookiePath, maxAge, secure))
	http.SetCookie(w, redeemCookie(CSRFCookie, csrf, cookiePath, maxAge, secure))

	data := interstitialData{
		Action:             cookiePath + "/confirm",
		Nonce:              issued.Nonce,
		CSRF:               csrf,
		Destination:        destination,
		DestinationHost:    hostOf(destination),
		ExpiresAt:          issued.ExpiresAt,
		ChallengeEnabled:   policy.ChallengeEnabled,
		ChallengeSiteKey:   policy.ChallengeKey,
		ChallengeScriptURL: h.cfg.ChallengeScriptURL,
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/html; charset=utf-8")
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("Referrer-Policy", "no-referrer")
	hdr.Set("X-Robots-Tag", "noindex, nofollow")
	w.WriteHeader(http.StatusOK)
	if err := interstitialTemplate.Execute(w, data); err != nil {
		h.cfg.Logger.ErrorContext(ctx, "failed to render interstitial", "error", err)
	}
}

// Confirm handles POST /redeem/{resourceId}/confirm. Checks run in a fixed
// order and the first failure ends the request with a denial.
func (h *RedeemHandlers) Confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resourceID := r.PathValue("resourceId")
	if !validResourceID(resourceID) {
		WriteDenial(w, ctx, string(permit.ReasonBadRequest), "Invalid resource id")
		return
	}

	ip := middleware.ClientIP(r)
	if !h.allow(w, r, ip, middleware.PhaseConfirm) {
		return
	}

	policy, ok := h.resolveSite(w, r)
	if !ok {
		return
	}

	req, err := parseConfirm(r)
	if err != nil {
		WriteDenial(w, ctx, string(permit.ReasonBadRequest), "Malformed request body")
		return
	}

	// (a) continuity
	fingerprint, ok := continuityFrom(r)
	if !ok {
		WriteDenial(w, ctx, ReasonMissingContinuity, "Open the link again to continue")
		return
	}

	// (b) CSRF double submit
	csrfCookie, err := r.Cookie(CSRFCookie)
	if err != nil || !cryptoutil.ConstantTimeEqual(req.CSRF, csrfCookie.Value) {
		WriteDenial(w, ctx, ReasonCSRFMismatch, "")
		return
	}

	// (c) challenge
	proof := attestation.ProofExplicitConfirm
	if policy.ChallengeEnabled {
		if req.ChallengeToken == "" {
			WriteDenial(w, ctx, ReasonMissingChallenge, "")
			return
		}
		if err := h.verifyChallenge(ctx, req.ChallengeToken, ip); err != nil {
			h.cfg.Logger.WarnContext(ctx, "challenge verification failed",
				"site_id", policy.SiteID, "error", err)
			h.cfg.Audit.Record(r, audit.LogEntry{
				SiteID:     policy.SiteID,
				EntityType: audit.EntityRedemption,
				EntityID:   resourceID,
				Action:     audit.ActionChallengeFailed,
				Reason:     err.Error(),
			})
			WriteDenial(w, ctx, ReasonChallengeFailed, "")
			return
		}
		proof = attestation.ProofChallengePassed
	}

	deny := func(reason, message, detail string) {
		h.recordDenied(ctx, policy, resourceID, req, fingerprint, reason)
		action := audit.ActionRedeemDenied
		if reason == ReasonInvalidDestination {
			action = audit.ActionInvalidDestination
		}
		h.cfg.Audit.Record(r, audit.LogEntry{
			SiteID:     policy.SiteID,
			EntityType: audit.EntityRedemption,
			EntityID:   resourceID,
			Action:     action,
			Reason:     strings.TrimSpace(reason + " " + detail),
		})
		WriteDenial(w, ctx, reason, message)
	}

	// (d) destination present and parseable, (e) allowlisted
	if req.Destination == "" {
		deny(ReasonInvalidDestination, "Destination is required", "")
		return
	}
	dest, err := validate.Destination(req.Destination, policy.Destination())
	if err != nil {
		deny(ReasonInvalidDestination, "Destination is not allowed for this site", err.Error())
		return
	}

	// (f) redeem
	p, err := h.redeem(ctx, resourceID, req.Nonce, fingerprint)
	if err != nil {
		reason, lifecycle := permit.ReasonOf(err)
		if !lifecycle {
			h.cfg.Logger.ErrorContext(ctx, "failed to redeem permit", "resource_id", resourceID, "error", err)
			WriteDenial(w, ctx, ReasonInternal, "")
			return
		}
		if reason == permit.ReasonReplay && h.replayRedirect(w, r, policy, resourceID, fingerprint) {
			return
		}
		deny(string(reason), replayMessage(reason), "")
		return
	}

	now := h.cfg.Now()
	rec := ledger.Record{
		EventID:        ledger.NewEventID(now),
		TenantID:       policy.SiteID,
		ResourceToken:  resourceID,
		Nonce:          p.Nonce,
		Decision:       ledger.DecisionIssued,
		DestinationURL: req.Destination,
		SubjectHash:    subjectHash(policy.SiteID, fingerprint),
		ContinuityHash: fingerprint,
		CreatedAt:      now,
		ExpiresAt:      p.ExpiresAt,
	}
	if _, err := h.cfg.Ledger.Insert(ctx, rec); err != nil {
		h.cfg.Logger.ErrorContext(ctx, "failed to append ledger record",
			"event_id", rec.EventID, "resource_id", resourceID, "error", err)
		WriteDenial(w, ctx, ReasonInternal, "")
		return
	}

	tracing.SetAttributes(ctx, tracing.AttrSiteID.String(policy.SiteID))
	tracing.RecordDecision(ctx, string(ledger.DecisionIssued), "")
	token := h.attest(ctx, rec, dest, proof)

	h.cfg.Logger.InfoContext(ctx, "link redeemed",
		"site_id", policy.SiteID,
		"resource_id", resourceID,
		"event_id", rec.EventID,
		"destination_host", dest.Hostname(),
		"proof", proof,
	)
	h.respondRedirect(w, r, confirmResponse{OK: true, RedirectTo: rec.DestinationURL, Attestation: token})
}

func (h *RedeemHandlers) allow(w http.ResponseWriter, r *http.Request, ip string, phase middleware.Phase) bool {
	if h.cfg.Limiter == nil {
		return true
	}
	res := h.cfg.Limiter.Check(r.Context(), site.NormalizeHostname(r.Host), ip, phase)
	middleware.WriteRateLimitHeaders(w, h.cfg.Limiter.Limit(phase), res)
	if !res.Allowed {
		WriteDenial(w, r.Context(), ReasonRateLimited, "Too many requests")
		return false
	}
	return true
}

func (h *RedeemHandlers) resolveSite(w http.ResponseWriter, r *http.Request) (*site.Policy, bool) {
	ctx := r.Context()
	host := site.NormalizeHostname(r.Host)
	policy, err := h.cfg.Sites.ByHostname(ctx, host)
	if errors.Is(err, site.ErrNotFound) {
		h.cfg.Audit.Record(r, audit.LogEntry{
			EntityType: audit.EntityHost,
			EntityID:   orUnknown(host),
			Action:     audit.ActionUnknownSite,
		})
		WriteDenial(w, ctx, ReasonUnknownSite, "")
		return nil, false
	}
	if err != nil {
		h.cfg.Logger.ErrorContext(ctx, "site lookup failed", "host", host, "error", err)
		WriteDenial(w, ctx, ReasonInternal, "")
		return nil, false
	}
	return policy, true
}

func (h *RedeemHandlers) verifyChallenge(ctx context.Context, token, ip string) error {
	if h.cfg.Challenge == nil {
		return challenge.ErrUnavailable
	}
	return h.cfg.Challenge.Verify(ctx, token, ip)
}

func (h *RedeemHandlers) redeem(ctx context.Context, resourceID, nonce, fingerprint string) (p *permit.Permit, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "permit.redeem", tracing.AttrResourceID.String(resourceID))
	defer func() {
		if _, lifecycle := permit.ReasonOf(err); lifecycle {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()
	return h.cfg.Permits.Redeem(ctx, resourceID, nonce, fingerprint)
}

// replayRedirect sends the client back to its own recent destination when
// the ledger shows this continuity already redeemed the resource. It reports
// whether a response was written.
func (h *RedeemHandlers) replayRedirect(w http.ResponseWriter, r *http.Request, policy *site.Policy, resourceID, fingerprint string) bool {
	ctx := r.Context()
	rec, err := h.findIssued(ctx, resourceID, fingerprint)
	if errors.Is(err, ledger.ErrNotFound) {
		return false
	}
	if err != nil {
		h.cfg.Logger.ErrorContext(ctx, "replay lookup failed", "resource_id", resourceID, "error", err)
		return false
	}
	if rec.TenantID != policy.SiteID || rec.DestinationURL == "" {
		return false
	}

	h.cfg.Audit.Record(r, audit.LogEntry{
		SiteID:     policy.SiteID,
		EntityType: audit.EntityRedemption,
		EntityID:   resourceID,
		Action:     audit.ActionReplayRedirect,
		Outcome:    audit.OutcomeSuccess,
		Reason:     rec.EventID,
	})
	h.respondRedirect(w, r, confirmResponse{OK: true, RedirectTo: rec.DestinationURL, Replayed: true})
	return true
}

// findIssued looks up the client's own issued row. A concurrent winner may
// have redeemed the permit without having inserted its row yet, so a miss is
// retried a few times before the replay is denied.
func (h *RedeemHandlers) findIssued(ctx context.Context, resourceID, fingerprint string) (*ledger.Record, error) {
	since := h.cfg.Now().Add(-h.cfg.ReplayWindow)
	var rec *ledger.Record
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(replayLookupDelay), replayLookupRetries), ctx)
	err := backoff.Retry(func() error {
		var err error
		rec, err = h.cfg.Ledger.FindRecentIssued(ctx, resourceID, fingerprint, since)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	return rec, err
}

func (h *RedeemHandlers) recordDenied(ctx context.Context, policy *site.Policy, resourceID string, req confirmRequest, fingerprint, reason string) {
	tracing.RecordDecision(ctx, string(ledger.DecisionDenied), reason)
	now := h.cfg.Now()
	rec := ledger.Record{
		EventID:        ledger.NewEventID(now),
		TenantID:       policy.SiteID,
		ResourceToken:  resourceID,
		Nonce:          req.Nonce,
		Decision:       ledger.DecisionDenied,
		ReasonCode:     reason,
		DestinationURL: req.Destination,
		SubjectHash:    subjectHash(policy.SiteID, fingerprint),
		ContinuityHash: fingerprint,
		CreatedAt:      now,
	}
	if _, err := h.cfg.Ledger.Insert(ctx, rec); err != nil {
		h.cfg.Logger.WarnContext(ctx, "failed to append denied ledger record",
			"resource_id", resourceID, "reason", reason, "error", err)
	}
}

// attest signs a receipt for rec and hands it to the dispatcher. Failures are
// logged; the redirect never waits on them.
func (h *RedeemHandlers) attest(ctx context.Context, rec ledger.Record, dest *url.URL, proof attestation.Proof) string {
	if h.cfg.Signer == nil {
		return ""
	}
	claims := attestation.NewClaims(attestation.Event{
		EventID:         rec.EventID,
		TenantID:        rec.TenantID,
		Nonce:           rec.Nonce,
		SubjectHash:     rec.SubjectHash,
		DestinationHost: dest.Hostname(),
		ResourceToken:   rec.ResourceToken,
		Campaign:        campaignFrom(dest),
		Proof:           proof,
		IssuedAt:        rec.CreatedAt,
	}, h.cfg.AudiencePrefix, h.cfg.AttestationTTL)

	token, err := h.cfg.Signer.Sign(ctx, claims)
	if err != nil {
		h.cfg.Logger.ErrorContext(ctx, "failed to sign attestation", "event_id", rec.EventID, "error", err)
		return ""
	}
	if h.cfg.Dispatcher != nil {
		h.cfg.Dispatcher.Dispatch(delivery.Job{
			EventID:     rec.EventID,
			TenantID:    rec.TenantID,
			Attestation: token,
			EnqueuedAt:  rec.CreatedAt,
		})
	}
	return token
}

func (h *RedeemHandlers) respondRedirect(w http.ResponseWriter, r *http.Request, resp confirmResponse) {
	w.Header().Set("Cache-Control", "no-store")
	if wantsJSON(r) {
		WriteJSON(w, r.Context(), http.StatusOK, resp)
		return
	}
	http.Redirect(w, r, resp.RedirectTo, http.StatusFound)
}

func parseConfirm(r *http.Request) (confirmRequest, error) {
	var req confirmRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return req, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req.CSRF = r.PostForm.Get("csrf")
		req.Nonce = r.PostForm.Get("nonce")
		req.Destination = r.PostForm.Get("destination")
		req.ChallengeToken = r.PostForm.Get("challenge_token")
	}
	if req.CSRF == "" {
		req.CSRF = r.Header.Get(CSRFHeader)
	}
	return req, nil
}

func continuityFrom(r *http.Request) (string, bool) {
	c, err := r.Cookie(ContinuityCookie)
	if err != nil || c.Value == "" {
		return "", false
	}
	fingerprint, _, err := permit.ParseContinuity(c.Value)
	if err != nil {
		return "", false
	}
	return fingerprint, true
}

func redeemCookie(name, value, path string, maxAge int, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func replayMessage(reason permit.Reason) string {
	switch reason {
	case permit.ReasonReplay:
		return "This link was already used. Open the original link again to get a fresh confirmation page."
	case permit.ReasonExpired:
		return "This confirmation page expired. Open the original link again."
	case permit.ReasonContinuityMismatch:
		return "Finish in the same browser that opened the link."
	default:
		return ""
	}
}

// subjectHash is tenant scoped so the same client cannot be correlated
// across sites.
func subjectHash(siteID, fingerprint string) string {
	return cryptoutil.HashParts("subject", siteID, fingerprint)
}

// campaignFrom copies utm_* parameters from the destination.
func campaignFrom(u *url.URL) map[string]string {
	var out map[string]string
	for key, vals := range u.Query() {
		if !strings.HasPrefix(key, "utm_") || len(vals) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[strings.TrimPrefix(key, "utm_")] = vals[0]
	}
	return out
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return raw
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func validResourceID(id string) bool {
	if id == "" || len(id) > maxResourceIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == '~':
		default:
			return false
		}
	}
	return true
}
