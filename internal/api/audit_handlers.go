package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/clickguard/internal/audit"
	"github.com/onnwee/clickguard/internal/middleware"
	"github.com/onnwee/clickguard/internal/permit"
	"github.com/onnwee/clickguard/internal/site"
)

const maxAuditExportLimit = 5000

// AuditHandlers exports the in-process audit trail. The operator token sees
// every site; a site access token sees only its own site.
type AuditHandlers struct {
	repo   audit.Repository
	token  string
	sites  site.Resolver
	logger *slog.Logger
}

// NewAuditHandlers creates the export handler. token guards the endpoint as
// a bearer token; an empty token leaves it open, which config forbids in
// production. sites, when set, also accepts site access tokens.
func NewAuditHandlers(repo audit.Repository, token string, sites site.Resolver, logger *slog.Logger) *AuditHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandlers{repo: repo, token: token, sites: sites, logger: logger}
}

// Export handles GET /internal/audit?format=json|csv&site=&entity_type=&entity_id=&from=&to=&limit=.
// from and to are RFC 3339 timestamps.
func (h *AuditHandlers) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := h.authorize(r)
	switch {
	case errors.Is(err, errUnauthorized):
		w.Header().Set("WWW-Authenticate", "Bearer")
		WriteDenial(w, ctx, ReasonUnauthorized, "")
		return
	case err != nil:
		h.logger.ErrorContext(ctx, "audit token lookup failed", "error", err)
		WriteDenial(w, ctx, ReasonInternal, "")
		return
	}

	q, format, err := parseAuditQuery(r)
	if err != nil {
		WriteDenial(w, ctx, string(permit.ReasonBadRequest), err.Error())
		return
	}
	if scope != "" {
		if q.SiteID != "" && q.SiteID != scope {
			WriteDenial(w, ctx, ReasonForbidden, "Site tokens can only export their own site")
			return
		}
		q.SiteID = scope
	}

	data, err := audit.Export(ctx, h.repo, q, format)
	switch {
	case errors.Is(err, audit.ErrUnsupportedFormat):
		WriteDenial(w, ctx, string(permit.ReasonBadRequest), "format must be json or csv")
		return
	case err != nil:
		h.logger.ErrorContext(ctx, "audit export failed", "error", err)
		WriteDenial(w, ctx, ReasonInternal, "")
		return
	}

	contentType := "application/json"
	if format == audit.ExportFormatCSV {
		contentType = "text/csv; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

var errUnauthorized = errors.New("unauthorized")

// authorize returns the site the caller is limited to, or "" for the
// operator token.
func (h *AuditHandlers) authorize(r *http.Request) (string, error) {
	raw, ok := middleware.BearerToken(r)
	if ok && h.sites != nil && strings.HasPrefix(raw, site.AccessTokenPrefix) {
		p, err := site.ResolveAccessToken(r.Context(), h.sites, raw)
		switch {
		case err == nil:
			return p.SiteID, nil
		case !errors.Is(err, site.ErrNotFound):
			return "", err
		}
	}
	if middleware.BearerTokenValid(r, h.token) {
		return "", nil
	}
	return "", errUnauthorized
}

func parseAuditQuery(r *http.Request) (audit.Query, audit.ExportFormat, error) {
	v := r.URL.Query()
	q := audit.Query{
		SiteID:     v.Get("site"),
		EntityType: v.Get("entity_type"),
		EntityID:   v.Get("entity_id"),
		Limit:      maxAuditExportLimit,
	}

	format := audit.ExportFormat(v.Get("format"))
	if format == "" {
		format = audit.ExportFormatJSON
	}

	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return q, format, errors.New("limit must be a positive integer")
		}
		q.Limit = min(n, maxAuditExportLimit)
	}
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		s := v.Get(p.key)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, format, errors.New(p.key + " must be an RFC 3339 timestamp")
		}
		*p.dst = t
	}
	return q, format, nil
}
