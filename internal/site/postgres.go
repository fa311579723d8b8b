package site

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/clickguard/internal/tracing"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint errors.
const uniqueViolation = "23505"

const selectPolicy = `
	SELECT site_id, hostname, origin_base_url, path_allowlist, query_allowlist,
	       destination_hosts, destination_suffixes, allow_private_ips,
	       challenge_enabled, challenge_key, access_token_hash, created_at
	FROM sites`

// PostgresDirectory implements Directory on the sites table.
type PostgresDirectory struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresDirectory creates a directory backed by db.
func NewPostgresDirectory(db *sql.DB, logger *slog.Logger) *PostgresDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresDirectory{db: db, logger: logger, now: time.Now}
}

// ByHostname implements Resolver.
func (d *PostgresDirectory) ByHostname(ctx context.Context, hostname string) (*Policy, error) {
	return d.lookup(ctx, `WHERE hostname = $1`, NormalizeHostname(hostname))
}

// ByAccessTokenHash implements Resolver.
func (d *PostgresDirectory) ByAccessTokenHash(ctx context.Context, hash string) (*Policy, error) {
	return d.lookup(ctx, `WHERE access_token_hash = $1`, hash)
}

func (d *PostgresDirectory) lookup(ctx context.Context, where string, arg string) (p *Policy, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "sites", tracing.DBOperationQuery)
	defer func() {
		if errors.Is(err, ErrNotFound) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	return scanPolicy(d.db.QueryRowContext(ctx, selectPolicy+" "+where, arg))
}

// Create implements Directory.
func (d *PostgresDirectory) Create(ctx context.Context, p Policy) (_ *Policy, _ string, err error) {
	if err := p.Validate(); err != nil {
		return nil, "", err
	}
	raw, err := ensureAccessToken(&p)
	if err != nil {
		return nil, "", err
	}

	if p.SiteID == "" {
		p.SiteID = uuid.New().String()
	}
	p.Hostname = NormalizeHostname(p.Hostname)
	p.CreatedAt = d.now().UTC()

	ctx, endSpan := tracing.StartDBSpan(ctx, "sites", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	const query = `
		INSERT INTO sites (site_id, hostname, origin_base_url, path_allowlist, query_allowlist,
		                   destination_hosts, destination_suffixes, allow_private_ips,
		                   challenge_enabled, challenge_key, access_token_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = d.db.ExecContext(ctx, query,
		p.SiteID, p.Hostname, p.OriginBaseURL,
		pq.Array(p.PathAllowlist), pq.Array(p.QueryAllowlist),
		pq.Array(p.DestinationHosts), pq.Array(p.DestinationSuffixes),
		p.AllowPrivateIPs, p.ChallengeEnabled, nullString(p.ChallengeKey),
		p.AccessTokenHash, p.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, "", ErrHostnameTaken
		}
		return nil, "", fmt.Errorf("inserting site: %w", err)
	}

	d.logger.InfoContext(ctx, "site created", "site_id", p.SiteID, "hostname", p.Hostname)
	return &p, raw, nil
}

// RotateAccessToken implements Directory. The UPDATE replaces the hash in a
// single statement, so the previous token stops resolving atomically.
func (d *PostgresDirectory) RotateAccessToken(ctx context.Context, siteID string) (_ string, err error) {
	raw, hash, err := GenerateAccessToken()
	if err != nil {
		return "", err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "sites", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := d.db.ExecContext(ctx, `UPDATE sites SET access_token_hash = $1 WHERE site_id = $2`, hash, siteID)
	if err != nil {
		return "", fmt.Errorf("rotating access token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rotating access token: %w", err)
	}
	if n == 0 {
		return "", ErrNotFound
	}

	d.logger.InfoContext(ctx, "site access token rotated", "site_id", siteID)
	return raw, nil
}

func scanPolicy(row *sql.Row) (*Policy, error) {
	var (
		p            Policy
		challengeKey sql.NullString
	)
	err := row.Scan(
		&p.SiteID, &p.Hostname, &p.OriginBaseURL,
		pq.Array(&p.PathAllowlist), pq.Array(&p.QueryAllowlist),
		pq.Array(&p.DestinationHosts), pq.Array(&p.DestinationSuffixes),
		&p.AllowPrivateIPs, &p.ChallengeEnabled, &challengeKey,
		&p.AccessTokenHash, &p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading site: %w", err)
	}
	p.ChallengeKey = challengeKey.String
	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
