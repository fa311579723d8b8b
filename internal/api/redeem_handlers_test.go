package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/clickguard/internal/actor"
	"github.com/onnwee/clickguard/internal/attestation"
	"github.com/onnwee/clickguard/internal/challenge"
	"github.com/onnwee/clickguard/internal/cryptoutil"
	"github.com/onnwee/clickguard/internal/ledger"
	"github.com/onnwee/clickguard/internal/middleware"
	"github.com/onnwee/clickguard/internal/permit"
	"github.com/onnwee/clickguard/internal/site"
)

const (
	testHost       = "links.example.com"
	challengeHost  = "secure.example.com"
	testUserAgent  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 Safari/605.1.15"
	testRemoteAddr = "198.51.100.7:52311"
	allowedDest    = "https://allowed.example/ok"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	handler  http.Handler
	ledger   *ledger.MemoryRepository
	verifier *attestation.Verifier
	clock    *testClock
}

type harnessOptions struct {
	challenge challenge.Verifier
	limits    map[middleware.Phase]middleware.RateLimitConfig
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	actors := actor.NewRegistry(actor.Options{})
	t.Cleanup(actors.Close)

	dir, err := site.NewMemoryDirectory(
		site.Policy{
			SiteID:           "site-1",
			Hostname:         testHost,
			OriginBaseURL:    "https://app.example.com",
			PathAllowlist:    []string{"/welcome", "/docs/"},
			QueryAllowlist:   []string{"ref"},
			DestinationHosts: []string{"allowed.example", "app.example.com"},
		},
		site.Policy{
			SiteID:           "site-2",
			Hostname:         challengeHost,
			OriginBaseURL:    "https://secure.example.com",
			DestinationHosts: []string{"allowed.example"},
			ChallengeEnabled: true,
			ChallengeKey:     "0x4AAA-site-key",
		},
	)
	if err != nil {
		t.Fatalf("NewMemoryDirectory() error = %v", err)
	}

	_, private, err := cryptoutil.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519() error = %v", err)
	}
	signer, err := attestation.NewSigner(private)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	repo := ledger.NewMemoryRepository()
	verifier := attestation.NewVerifier(signer.KeySet(), repo, attestation.WithClock(clock.Now))

	var limiter *middleware.PhaseLimiter
	if opts.limits != nil {
		limiter = middleware.NewPhaseLimiter(middleware.NewInMemoryRateLimitStore(actors), opts.limits, nil)
	}

	redeem := NewRedeemHandlers(RedeemConfig{
		Sites:          dir,
		Permits:        permit.NewMemoryStore(actors, permit.WithClock(clock.Now)),
		Limiter:        limiter,
		Ledger:         repo,
		Signer:         signer,
		Challenge:      opts.challenge,
		AudiencePrefix: "crm",
		PermitTTL:      5000 * time.Millisecond,
		Logger:         logger,
		Now:            clock.Now,
	})

	handler := NewRouter(RouterConfig{
		Redeem:      redeem,
		Attestation: NewAttestationHandlers(signer.KeySet(), verifier, nil, logger),
		Health:      NewHealthHandlers(HealthHandlersConfig{}),
		Limiter:     limiter,
		Logger:      logger,
	})

	return &harness{handler: handler, ledger: repo, verifier: verifier, clock: clock}
}

type previewResult struct {
	rec     *httptest.ResponseRecorder
	cookies []*http.Cookie
	nonce   string
	csrf    string
	dest    string
}

var (
	nonceField = regexp.MustCompile(`name="nonce" value="([^"]*)"`)
	csrfField  = regexp.MustCompile(`name="csrf" value="([^"]*)"`)
	destField  = regexp.MustCompile(`name="destination" value="([^"]*)"`)
)

func (h *harness) preview(t *testing.T, host, path string) previewResult {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Host = host
	req.RemoteAddr = testRemoteAddr
	req.Header.Set("User-Agent", testUserAgent)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	res := previewResult{rec: rec, cookies: rec.Result().Cookies()}
	body := rec.Body.String()
	if m := nonceField.FindStringSubmatch(body); m != nil {
		res.nonce = m[1]
	}
	if m := csrfField.FindStringSubmatch(body); m != nil {
		res.csrf = m[1]
	}
	if m := destField.FindStringSubmatch(body); m != nil {
		res.dest = m[1]
	}
	return res
}

func (h *harness) confirm(t *testing.T, host, resourceID string, cookies []*http.Cookie, form url.Values, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/redeem/"+resourceID+"/confirm", strings.NewReader(form.Encode()))
	req.Host = host
	req.RemoteAddr = testRemoteAddr
	req.Header.Set("User-Agent", testUserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func confirmForm(p previewResult, destination string) url.Values {
	return url.Values{
		"csrf":        {p.csrf},
		"nonce":       {p.nonce},
		"destination": {destination},
	}
}

func decodeDenial(t *testing.T, rec *httptest.ResponseRecorder) Denial {
	t.Helper()
	var d Denial
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode denial: %v, body: %s", err, rec.Body.String())
	}
	return d
}

func countDecisions(records []ledger.Record, decision ledger.Decision) int {
	n := 0
	for _, r := range records {
		if r.Decision == decision {
			n++
		}
	}
	return n
}

func TestRedeem_ConfirmThenReplayRedirectsAgain(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	p := h.preview(t, testHost, "/redeem/r1")
	if p.rec.Code != http.StatusOK {
		t.Fatalf("preview status = %d, body: %s", p.rec.Code, p.rec.Body.String())
	}
	if p.nonce == "" || p.csrf == "" {
		t.Fatalf("preview form missing nonce or csrf: %s", p.rec.Body.String())
	}

	rec := h.confirm(t, testHost, "r1", p.cookies, confirmForm(p, allowedDest), "")
	if rec.Code != http.StatusFound {
		t.Fatalf("confirm status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != allowedDest {
		t.Errorf("Location = %q, want %q", loc, allowedDest)
	}
	if got := countDecisions(h.ledger.Records(), ledger.DecisionIssued); got != 1 {
		t.Fatalf("issued rows = %d, want 1", got)
	}

	replay := h.confirm(t, testHost, "r1", p.cookies, confirmForm(p, allowedDest), "")
	if replay.Code != http.StatusFound {
		t.Fatalf("replay status = %d, body: %s", replay.Code, replay.Body.String())
	}
	if loc := replay.Header().Get("Location"); loc != allowedDest {
		t.Errorf("replay Location = %q, want %q", loc, allowedDest)
	}
	records := h.ledger.Records()
	if got := countDecisions(records, ledger.DecisionIssued); got != 1 {
		t.Errorf("issued rows after replay = %d, want 1", got)
	}
	if got := countDecisions(records, ledger.DecisionDenied); got != 0 {
		t.Errorf("denied rows after replay = %d, want 0", got)
	}
}

func TestRedeem_PreviewIsSideEffectFree(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	for i := 0; i < 3; i++ {
		p := h.preview(t, testHost, "/redeem/r1")
		if p.rec.Code != http.StatusOK {
			t.Fatalf("preview %d status = %d", i, p.rec.Code)
		}
		if loc := p.rec.Header().Get("Location"); loc != "" {
			t.Errorf("preview must not redirect, got Location %q", loc)
		}
	}
	if n := len(h.ledger.Records()); n != 0 {
		t.Errorf("ledger rows after previews = %d, want 0", n)
	}

	// Each preview issued its own permit; the latest still redeems.
	p := h.preview(t, testHost, "/redeem/r1")
	rec := h.confirm(t, testHost, "r1", p.cookies, confirmForm(p, allowedDest), "")
	if rec.Code != http.StatusFound {
		t.Errorf("confirm after previews status = %d, body: %s", rec.Code, rec.Body.String())
	}
}

func TestRedeem_PreviewCookiesAndHeaders(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.preview(t, testHost, "/redeem/r1")

	hdr := p.rec.Header()
	if cc := hdr.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	if rp := hdr.Get("Referrer-Policy"); rp != "no-referrer" {
		t.Errorf("Referrer-Policy = %q, want no-referrer", rp)
	}
	if !strings.Contains(hdr.Get("X-Robots-Tag"), "noindex") {
		t.Errorf("X-Robots-Tag = %q", hdr.Get("X-Robots-Tag"))
	}
	if !strings.HasPrefix(hdr.Get("Content-Type"), "text/html") {
		t.Errorf("Content-Type = %q", hdr.Get("Content-Type"))
	}

	byName := make(map[string]*http.Cookie)
	for _, c := range p.cookies {
		byName[c.Name] = c
	}
	for _, name := range []string{ContinuityCookie, CSRFCookie} {
		c, ok := byName[name]
		if !ok {
			t.Fatalf("cookie %s not set", name)
		}
		if c.Path != "/redeem/r1" {
			t.Errorf("%s Path = %q, want /redeem/r1", name, c.Path)
		}
		if !c.HttpOnly {
			t.Errorf("%s must be HttpOnly", name)
		}
		if c.SameSite != http.SameSiteLaxMode {
			t.Errorf("%s SameSite = %v, want Lax", name, c.SameSite)
		}
		if c.Secure {
			t.Errorf("%s must not be Secure on plain http", name)
		}
	}

	fp, _, err := permit.ParseContinuity(byName[ContinuityCookie].Value)
	if err != nil {
		t.Fatalf("ParseContinuity() error = %v", err)
	}
	if want := permit.Fingerprint("198.51.100.7", testUserAgent); fp != want {
		t.Errorf("continuity fingerprint = %q, want %q", fp, want)
	}
	if byName[CSRFCookie].Value != p.csrf {
		t.Error("csrf cookie and form field differ")
	}
	if !strings.Contains(p.rec.Body.String(), `action="/redeem/r1/confirm"`) {
		t.Error("form does not post to the confirm endpoint")
	}
}

func TestRedeem_PreviewSecureCookieBehindProxy(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	req := httptest.NewRequest(http.MethodGet, "/redeem/r1", nil)
	req.Host = testHost
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if !c.Secure {
			t.Errorf("%s must be Secure behind a TLS proxy", c.Name)
		}
	}
}

func TestRedeem_PreviewDestination(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantDest   string
	}{
		{"default origin", "/redeem/r1", http.StatusOK, "https://app.example.com"},
		{"allowlisted path", "/redeem/r1?to=/welcome%3Fref%3Dmail%26drop%3D1", http.StatusOK, "https://app.example.com/welcome?ref=mail"},
		{"prefix path", "/redeem/r1?to=/docs/start", http.StatusOK, "https://app.example.com/docs/start"},
		{"path not allowlisted", "/redeem/r1?to=/admin", http.StatusBadRequest, ""},
		{"absolute url", "/redeem/r1?to=https://evil.example/", http.StatusBadRequest, ""},
		{"protocol relative", "/redeem/r1?to=//evil.example/", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := h.preview(t, testHost, tt.path)
			if p.rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body: %s", p.rec.Code, tt.wantStatus, p.rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				if d := decodeDenial(t, p.rec); d.Reason != ReasonInvalidDestination {
					t.Errorf("reason = %q, want %q", d.Reason, ReasonInvalidDestination)
				}
				return
			}
			// html/template escapes & inside attribute values.
			got := strings.ReplaceAll(p.dest, "&amp;", "&")
			if got != tt.wantDest {
				t.Errorf("destination = %q, want %q", got, tt.wantDest)
			}
		})
	}
}

func TestRedeem_UnknownSite(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	p := h.preview(t, "unknown.example.org", "/redeem/r1")
	if p.rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", p.rec.Code)
	}
	if d := decodeDenial(t, p.rec); d.OK || d.Reason != ReasonUnknownSite {
		t.Errorf("unexpected denial: %+v", d)
	}
	if len(p.cookies) != 0 {
		t.Error("unknown site must not set cookies")
	}
}

func TestRedeem_HostnameNormalized(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.preview(t, "LINKS.Example.com.:8443", "/redeem/r1")
	if p.rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", p.rec.Code)
	}
}

func TestRedeem_InvalidResourceID(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.preview(t, testHost, "/redeem/"+strings.Repeat("a", maxResourceIDLength+1))
	if p.rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", p.rec.Code)
	}
}

func TestRedeem_ConfirmDenials(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(p *previewResult, form url.Values)
		wantStatus int
		wantReason string
		wantDenied int
	}{
		{
			name: "missing continuity",
			mutate: func(p *previewResult, _ url.Values) {
				p.cookies = withoutCookie(p.cookies, ContinuityCookie)
			},
			wantStatus: http.StatusBadRequest,
			wantReason: ReasonMissingContinuity,
		},
		{
			name: "malformed continuity",
			mutate: func(p *previewResult, _ url.Values) {
				p.cookies = replaceCookie(p.cookies, ContinuityCookie, "garbage")
			},
			wantStatus: http.StatusBadRequest,
			wantReason: ReasonMissingContinuity,
		},
		{
			name: "csrf mismatch",
			mutate: func(_ *previewResult, form url.Values) {
				form.Set("csrf", "forged")
			},
			wantStatus: http.StatusForbidden,
			wantReason: ReasonCSRFMismatch,
		},
		{
			name: "csrf cookie missing",
			mutate: func(p *previewResult, _ url.Values) {
				p.cookies = withoutCookie(p.cookies, CSRFCookie)
			},
			wantStatus: http.StatusForbidden,
			wantReason: ReasonCSRFMismatch,
		},
		{
			name: "empty csrf on both sides",
			mutate: func(p *previewResult, form url.Values) {
				p.cookies = replaceCookie(p.cookies, CSRFCookie, "")
				form.Set("csrf", "")
			},
			wantStatus: http.StatusForbidden,
			wantReason: ReasonCSRFMismatch,
		},
		{
			name: "missing destination",
			mutate: func(_ *previewResult, form url.Values) {
				form.Del("destination")
			},
			wantStatus: http.StatusBadRequest,
			wantReason: ReasonInvalidDestination,
			wantDenied: 1,
		},
		{
			name: "destination not allowlisted",
			mutate: func(_ *previewResult, form url.Values) {
				form.Set("destination", "https://evil.example/phish")
			},
			wantStatus: http.StatusBadRequest,
			wantReason: ReasonInvalidDestination,
			wantDenied: 1,
		},
		{
			name: "javascript destination",
			mutate: func(_ *previewResult, form url.Values) {
				form.Set("destination", "javascript:alert(1)")
			},
			wantStatus: http.StatusBadRequest,
			wantReason: ReasonInvalidDestination,
			wantDenied: 1,
		},
		{
			name: "plain http destination",
			mutate: func(_ *previewResult, form url.Values) {
				form.Set("destination", "http://allowed.example/ok")
			},
			wantStatus: http.StatusBadRequest,
			wantReason: ReasonInvalidDestination,
			wantDenied: 1,
		},
		{
			name: "unknown nonce",
			mutate: func(_ *previewResult, form url.Values) {
				form.Set("nonce", "not-a-real-nonce")
			},
			wantStatus: http.StatusNotFound,
			wantReason: string(permit.ReasonNotFound),
			wantDenied: 1,
		},
		{
			name: "empty nonce",
			mutate: func(_ *previewResult, form url.Values) {
				form.Del("nonce")
			},
			wantStatus: http.StatusBadRequest,
			wantReason: string(permit.ReasonBadRequest),
			wantDenied: 1,
		},
		{
			name: "continuity from another client",
			mutate: func(p *previewResult, _ url.Values) {
				other := permit.Fingerprint("203.0.113.9", "curl/8.0")
				p.cookies = replaceCookie(p.cookies, ContinuityCookie, permit.ContinuityValue(other, time.Now()))
			},
			wantStatus: http.StatusForbidden,
			wantReason: string(permit.ReasonContinuityMismatch),
			wantDenied: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			p := h.preview(t, testHost, "/redeem/r1")
			form := confirmForm(p, allowedDest)
			tt.mutate(&p, form)

			rec := h.confirm(t, testHost, "r1", p.cookies, form, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			d := decodeDenial(t, rec)
			if d.OK || d.Reason != tt.wantReason {
				t.Errorf("denial = %+v, want reason %q", d, tt.wantReason)
			}
			if rec.Header().Get("Location") != "" {
				t.Error("denial must not redirect")
			}

			records := h.ledger.Records()
			if got := countDecisions(records, ledger.DecisionDenied); got != tt.wantDenied {
				t.Errorf("denied rows = %d, want %d", got, tt.wantDenied)
			}
			if got := countDecisions(records, ledger.DecisionIssued); got != 0 {
				t.Errorf("issued rows = %d, want 0", got)
			}
			for _, r := range records {
				if r.ReasonCode != tt.wantReason {
					t.Errorf("denied row reason = %q, want %q", r.ReasonCode, tt.wantReason)
				}
			}
		})
	}
}

func TestRedeem_DestinationDenialLeavesPermitRedeemable(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.preview(t, testHost, "/redeem/r1")

	bad := h.confirm(t, testHost, "r1", p.cookies, confirmForm(p, "https://evil.example/"), "")
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", bad.Code)
	}
	good := h.confirm(t, testHost, "r1", p.cookies, confirmForm(p, allowedDest), "")
	if good.Code != http.StatusFound {
		t.Errorf("status = %d, want 302, body: %s", good.Code, good.Body.String())
	}
}

func TestRedeem_NonceBoundToResource(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.preview(t, testHost, "/redeem/r1")

	rec := h.confirm(t, testHost, "r2", p.cookies, confirmForm(p, allowedDest), "")
	// Cookies are path scoped to r1, so a browser would not send them to r2;
	// this client forces them anyway and still gets NOT_FOUND.
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body: %s", rec.Code, rec.Body.String())
	}
	if d := decodeDenial(t, rec); d.Reason != string(permit.ReasonNotFound) {
		t.Errorf("reason = %q, want NOT_FOUND", d.Reason)
	}
}

func TestRedeem_Expired(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.preview(t, testHost, "/redeem/r1")

	// 5s requested TTL is clamped up to the one minute floor.
	h.clock.Advance(30 * time.Second)
	p2 := h.preview(t, testHost, "/redeem/r2")
	h.clock.Advance(45 * time.Second)

	rec := h.confirm(t, testHost, "r1", p.cookies, confirmForm(p, allowedDest), "")
	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410, body: %s", rec.Code, rec.Body.String())
	}
	if d := decodeDenial(t, rec); d.Reason != string(permit.ReasonExpired) || d.Message == "" {
		t.Errorf("unexpected denial: %+v", d)
	}

	rec = h.confirm(t, testHost, "r2", p2.cookies, confirmForm(p2, allowedDest), "")
	if rec.Code != http.StatusFound {
		t.Errorf("r2 status = %d, want 302 within its clamped ttl", rec.Code)
	}
}

func TestRedeem_ReplayOutsideWindowIsDenied(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.preview(t, testHost, "/redeem/r1")

	if rec := h.confirm(t, testHost, "r1", p.cookies, confirmForm(p, allowedDest), ""); rec.Code != http.StatusFound {
		t.Fatalf("first confirm status = %d", rec.Code)
	}

	h.clock.Advance(DefaultReplayWindow + time.Minute)
	rec := h.confirm(t, testHost, "r1", p.cookies, confirmForm(p, allowedDest), "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body: %s", rec.Code, rec.Body.String())
	}
	d := decodeDenial(t, rec)
	if d.Reason != string(permit.ReasonReplay) || d.Message == "" {
		t.Errorf("unexpected denial: %+v", d)
	}
}

func TestRedeem_JSONConfirmReturnsVerifiableAttestation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.preview(t, testHost, "/redeem/r1")

	dest := allowedDest + "?utm_source=newsletter&utm_campaign=spring"
	body, _ := json.Marshal(map[string]string{
		"csrf":        p.csrf,
		"nonce":       p.nonce,
		"destination": dest,
	})
	req := httptest.NewRequest(http.MethodPost, "/redeem/r1/confirm", strings.NewReader(string(body)))
	req.Host = testHost
	req.RemoteAddr = testRemoteAddr
	req.Header.Set("User-Agent", testUserAgent)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	for _, c := range p.cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	var resp confirmResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.RedirectTo != dest || resp.Attestation == "" || resp.Replayed {
		t.Fatalf("unexpected response: %+v", resp)
	}

	res, err := h.verifier.Verify(context.Background(), resp.Attestation, "crm")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !res.Valid || !res.InLedger {
		t.Fatalf("Verify() = %+v, want valid and in ledger", res)
	}
	c := res.Claims
	if c.TenantID != "site-1" || c.ResourceToken != "r1" || c.Nonce != p.nonce {
		t.Errorf("claims identify the wrong redemption: %+v", c)
	}
	if c.DestinationHost != "allowed.example" || c.Proof != attestation.ProofExplicitConfirm {
		t.Errorf("claims = %+v", c)
	}
	if c.Campaign["source"] != "newsletter" || c.Campaign["campaign"] != "spring" {
		t.Errorf("campaign = %v", c.Campaign)
	}
	records := h.ledger.Records()
	if len(records) != 1 || records[0].EventID != c.ID {
		t.Errorf("ledger row does not match jti: %+v", records)
	}
	if records[0].SubjectHash != c.SubjectHash || records[0].SubjectHash == records[0].ContinuityHash {
		t.Error("subject hash must be tenant scoped and differ from the continuity hash")
	}
}

func TestRedeem_CSRFHeaderFallback(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.preview(t, testHost, "/redeem/r1")

	form := confirmForm(p, allowedDest)
	form.Del("csrf")
	req := httptest.NewRequest(http.MethodPost, "/redeem/r1/confirm", strings.NewReader(form.Encode()))
	req.Host = testHost
	req.RemoteAddr = testRemoteAddr
	req.Header.Set("User-Agent", testUserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(CSRFHeader, p.csrf)
	for _, c := range p.cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want 302, body: %s", rec.Code, rec.Body.String())
	}
}

func TestRedeem_Challenge(t *testing.T) {
	tests := []struct {
		name       string
		verifier   challenge.Verifier
		token      string
		wantStatus int
		wantReason string
		wantProof  attestation.Proof
	}{
		{
			name:       "missing token",
			verifier:   challenge.VerifierFunc(func(context.Context, string, string) error { return nil }),
			wantStatus: http.StatusBadRequest,
			wantReason: ReasonMissingChallenge,
		},
		{
			name: "provider rejects",
			verifier: challenge.VerifierFunc(func(context.Context, string, string) error {
				return challenge.ErrFailed
			}),
			token:      "bad",
			wantStatus: http.StatusForbidden,
			wantReason: ReasonChallengeFailed,
		},
		{
			name:       "no verifier configured",
			token:      "tok",
			wantStatus: http.StatusForbidden,
			wantReason: ReasonChallengeFailed,
		},
		{
			name: "provider accepts",
			verifier: challenge.VerifierFunc(func(_ context.Context, token, ip string) error {
				if token != "good" || ip != "198.51.100.7" {
					return challenge.ErrFailed
				}
				return nil
			}),
			token:      "good",
			wantStatus: http.StatusOK,
			wantProof:  attestation.ProofChallengePassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{challenge: tt.verifier})
			p := h.preview(t, challengeHost, "/redeem/r1")
			if !strings.Contains(p.rec.Body.String(), "cf-turnstile") {
				t.Fatal("challenge widget not rendered")
			}

			form := confirmForm(p, allowedDest)
			if tt.token != "" {
				form.Set("challenge_token", tt.token)
			}
			rec := h.confirm(t, challengeHost, "r1", p.cookies, form, "application/json")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantReason != "" {
				if d := decodeDenial(t, rec); d.Reason != tt.wantReason {
					t.Errorf("reason = %q, want %q", d.Reason, tt.wantReason)
				}
				if n := len(h.ledger.Records()); n != 0 {
					t.Errorf("challenge failures must not write ledger rows, got %d", n)
				}
				return
			}

			var resp confirmResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			res, err := h.verifier.Verify(context.Background(), resp.Attestation, "")
			if err != nil || !res.Valid {
				t.Fatalf("Verify() = %+v, %v", res, err)
			}
			if res.Claims.Proof != tt.wantProof {
				t.Errorf("proof = %q, want %q", res.Claims.Proof, tt.wantProof)
			}
		})
	}
}

func TestRedeem_RateLimited(t *testing.T) {
	h := newHarness(t, harnessOptions{limits: map[middleware.Phase]middleware.RateLimitConfig{
		middleware.PhasePreview: {RequestsPerWindow: 2, WindowDuration: time.Minute},
		middleware.PhaseConfirm: {RequestsPerWindow: 1, WindowDuration: time.Minute},
	}})

	p := h.preview(t, testHost, "/redeem/r1")
	h.preview(t, testHost, "/redeem/r1")
	blocked := h.preview(t, testHost, "/redeem/r1")
	if blocked.rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third preview status = %d, want 429", blocked.rec.Code)
	}
	if blocked.rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if d := decodeDenial(t, blocked.rec); d.Reason != ReasonRateLimited {
		t.Errorf("reason = %q, want rate_limited", d.Reason)
	}

	// Confirm has its own budget.
	form := confirmForm(p, "https://evil.example/")
	if rec := h.confirm(t, testHost, "r1", p.cookies, form, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("first confirm status = %d, want 400", rec.Code)
	}
	if rec := h.confirm(t, testHost, "r1", p.cookies, confirmForm(p, allowedDest), ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second confirm status = %d, want 429", rec.Code)
	}
}

func TestRedeem_ConcurrentConfirmsRedeemOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	p := h.preview(t, testHost, "/redeem/r1")

	const n = 16
	var wg sync.WaitGroup
	recs := make([]*httptest.ResponseRecorder, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i] = h.confirm(t, testHost, "r1", p.cookies, confirmForm(p, allowedDest), "application/json")
		}(i)
	}
	wg.Wait()

	if got := countDecisions(h.ledger.Records(), ledger.DecisionIssued); got != 1 {
		t.Errorf("issued rows = %d, want exactly 1", got)
	}

	winners := 0
	for i, rec := range recs {
		switch rec.Code {
		case http.StatusOK:
			var resp confirmResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("request %d: decode: %v", i, err)
			}
			if resp.RedirectTo != allowedDest {
				t.Errorf("request %d redirectTo = %q", i, resp.RedirectTo)
			}
			if !resp.Replayed {
				winners++
				if resp.Attestation == "" {
					t.Errorf("request %d: winner has no attestation", i)
				}
			} else if resp.Attestation != "" {
				t.Errorf("request %d: replay must not mint an attestation", i)
			}
		case http.StatusConflict:
			if d := decodeDenial(t, rec); d.Reason != string(permit.ReasonReplay) {
				t.Errorf("request %d reason = %q, want REPLAY", i, d.Reason)
			}
		default:
			t.Errorf("request %d status = %d, want 200 or 409", i, rec.Code)
		}
	}
	if winners != 1 {
		t.Errorf("non-replayed successes = %d, want exactly 1", winners)
	}
}

// The interstitial falls back to the site origin. That destination must be
// accepted even when the origin host is not in the destination allowlist.
func TestRedeem_OriginFallbackDestinationRedeems(t *testing.T) {
	h := newHarness(t, harnessOptions{
		challenge: challenge.VerifierFunc(func(context.Context, string, string) error { return nil }),
	})

	p := h.preview(t, challengeHost, "/redeem/r1")
	if p.rec.Code != http.StatusOK {
		t.Fatalf("preview status = %d", p.rec.Code)
	}
	if p.dest != "https://secure.example.com" {
		t.Fatalf("interstitial destination = %q", p.dest)
	}

	form := confirmForm(p, p.dest)
	form.Set("challenge_token", "tok")
	rec := h.confirm(t, challengeHost, "r1", p.cookies, form, "")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302, body: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != p.dest {
		t.Errorf("Location = %q, want %q", loc, p.dest)
	}
}

func TestRouter_NotFoundAndMethods(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodGet, "/verify", http.StatusMethodNotAllowed},
		{http.MethodPost, "/.well-known/attestation-keys", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Header().Get(middleware.RequestIDHeader) == "" {
				t.Error("expected request id header")
			}
		})
	}
}

func withoutCookie(cookies []*http.Cookie, name string) []*http.Cookie {
	var out []*http.Cookie
	for _, c := range cookies {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}

func replaceCookie(cookies []*http.Cookie, name, value string) []*http.Cookie {
	out := withoutCookie(cookies, name)
	return append(out, &http.Cookie{Name: name, Value: value})
}
