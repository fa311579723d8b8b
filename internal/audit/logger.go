package audit

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/clickguard/internal/middleware"
)

var (
	// ErrNilRepository is returned when a nil repository is passed.
	ErrNilRepository = errors.New("audit repository is nil")
	// ErrEmptyEntityType is returned when entity type is empty.
	ErrEmptyEntityType = errors.New("entity type cannot be empty")
	// ErrEmptyEntityID is returned when entity ID is empty.
	ErrEmptyEntityID = errors.New("entity ID cannot be empty")
	// ErrEmptyAction is returned when action is empty.
	ErrEmptyAction = errors.New("action cannot be empty")
	// ErrInvalidEntityType is returned when entity type is not in the allowed list.
	ErrInvalidEntityType = errors.New("invalid entity type")
	// ErrInvalidAction is returned when action is not in the allowed list.
	ErrInvalidAction = errors.New("invalid action")
)

// ValidEntityTypes defines the allowed entity types for audit logging.
var ValidEntityTypes = map[string]bool{
	EntityHost:        true,
	EntityRedemption:  true,
	EntityAttestation: true,
}

// ValidActions defines the allowed actions for audit logging.
var ValidActions = map[string]bool{
	ActionUnknownSite:        true,
	ActionInvalidDestination: true,
	ActionChallengeFailed:    true,
	ActionRedeemDenied:       true,
	ActionReplayRedirect:     true,
	ActionVerifyDenied:       true,
}

func validateLogEntry(e LogEntry) error {
	if e.EntityType == "" {
		return ErrEmptyEntityType
	}
	if !ValidEntityTypes[e.EntityType] {
		return ErrInvalidEntityType
	}
	if e.EntityID == "" {
		return ErrEmptyEntityID
	}
	if e.Action == "" {
		return ErrEmptyAction
	}
	if !ValidActions[e.Action] {
		return ErrInvalidAction
	}
	return nil
}

// Recorder appends events for HTTP requests. Request id, anonymized client
// address and user agent are taken from the request.
type Recorder struct {
	repo   Repository
	logger *slog.Logger
}

// NewRecorder creates a Recorder. A nil repo makes Record a no-op apart from
// the log line.
func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger}
}

// Record appends entry enriched from r. Audit failures are logged and do not
// change the response the caller is about to send.
func (rec *Recorder) Record(r *http.Request, entry LogEntry) {
	ctx := r.Context()
	rec.logger.InfoContext(ctx, "audit",
		"site_id", entry.SiteID,
		"entity_type", entry.EntityType,
		"entity_id", entry.EntityID,
		"action", entry.Action,
		"reason", entry.Reason,
	)

	if rec.repo == nil {
		return
	}
	if _, err := LogFromRequest(r, rec.repo, entry); err != nil {
		rec.logger.ErrorContext(ctx, "audit append failed", "action", entry.Action, "error", err)
	}
}

// LogFromRequest validates and appends entry enriched from r, returning any
// repository error to the caller.
func LogFromRequest(r *http.Request, repo Repository, entry LogEntry) (*Event, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	entry.RequestID = middleware.GetRequestID(r.Context())
	entry.IPAddress = AnonymizeIP(middleware.ClientIP(r))
	entry.UserAgent = r.UserAgent()
	return repo.Append(r.Context(), entry)
}
