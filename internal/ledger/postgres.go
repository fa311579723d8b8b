package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/clickguard/internal/tracing"
)

// PostgresRepository stores records in the redemption_ledger table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert implements Repository.
func (p *PostgresRepository) Insert(ctx context.Context, r Record) (inserted bool, err error) {
	if err := r.Validate(); err != nil {
		return false, err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "redemption_ledger", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO redemption_ledger
		(event_id, tenant_id, resource_token, nonce, decision, reason_code,
		 destination_url, subject_hash, continuity_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING`,
		r.EventID, r.TenantID, r.ResourceToken, nullString(r.Nonce), string(r.Decision),
		nullString(r.ReasonCode), nullString(r.DestinationURL), nullString(r.SubjectHash),
		nullString(r.ContinuityHash), r.CreatedAt, nullTime(r.ExpiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert ledger record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert ledger record: %w", err)
	}
	return n == 1, nil
}

// FindRecentIssued implements Repository.
func (p *PostgresRepository) FindRecentIssued(ctx context.Context, resourceToken, continuityHash string, since time.Time) (rec *Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "redemption_ledger", tracing.DBOperationQuery)
	defer func() {
		if errors.Is(err, ErrNotFound) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	var (
		r                                        Record
		decision                                 string
		nonce, reason, dest, subject, continuity sql.NullString
		expiresAt                                sql.NullTime
	)
	err = p.db.QueryRowContext(ctx, `
		SELECT event_id, tenant_id, resource_token, nonce, decision, reason_code,
		       destination_url, subject_hash, continuity_hash, created_at, expires_at
		FROM redemption_ledger
		WHERE resource_token = $1 AND continuity_hash = $2 AND decision = 'issued' AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1`,
		resourceToken, continuityHash, since,
	).Scan(&r.EventID, &r.TenantID, &r.ResourceToken, &nonce, &decision, &reason,
		&dest, &subject, &continuity, &r.CreatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find recent issued: %w", err)
	}

	r.Decision = Decision(decision)
	r.Nonce = nonce.String
	r.ReasonCode = reason.String
	r.DestinationURL = dest.String
	r.SubjectHash = subject.String
	r.ContinuityHash = continuity.String
	if expiresAt.Valid {
		r.ExpiresAt = expiresAt.Time
	}
	return &r, nil
}

// Exists implements Repository.
func (p *PostgresRepository) Exists(ctx context.Context, eventID string) (exists bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "redemption_ledger", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	err = p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM redemption_ledger WHERE event_id = $1 AND decision = 'issued')`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger exists: %w", err)
	}
	return exists, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
