package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresRepository_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	r := issued("e1", "r1", "c1", now)

	mock.ExpectExec(`INSERT INTO redemption_ledger .* ON CONFLICT \(event_id\) DO NOTHING`).
		WithArgs("e1", "site-1", "r1", nil, "issued", nil, r.DestinationURL, nil, "c1", now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO redemption_ledger`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewPostgresRepository(db)
	ok, err := repo.Insert(context.Background(), r)
	if err != nil || !ok {
		t.Fatalf("Insert() = %v, %v", ok, err)
	}
	ok, err = repo.Insert(context.Background(), r)
	if err != nil || ok {
		t.Fatalf("duplicate Insert() = %v, %v; want false, nil", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresRepository_InsertRejectsInvalid(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	repo := NewPostgresRepository(db)
	if _, err := repo.Insert(context.Background(), Record{EventID: "e1"}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Insert() error = %v, want ErrInvalidRecord", err)
	}
}

func TestPostgresRepository_FindRecentIssued(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	since := now.Add(-10 * time.Minute)
	cols := []string{"event_id", "tenant_id", "resource_token", "nonce", "decision", "reason_code",
		"destination_url", "subject_hash", "continuity_hash", "created_at", "expires_at"}

	mock.ExpectQuery(`SELECT event_id, .* FROM redemption_ledger WHERE resource_token = \$1 AND continuity_hash = \$2`).
		WithArgs("r1", "c1", since).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"e1", "site-1", "r1", "n1", "issued", nil,
			"https://app.example.com/", nil, "c1", now, nil,
		))
	mock.ExpectQuery(`FROM redemption_ledger`).
		WithArgs("r2", "c1", since).
		WillReturnRows(sqlmock.NewRows(cols))

	repo := NewPostgresRepository(db)
	got, err := repo.FindRecentIssued(context.Background(), "r1", "c1", since)
	if err != nil {
		t.Fatalf("FindRecentIssued() error = %v", err)
	}
	if got.EventID != "e1" || got.Decision != DecisionIssued || got.DestinationURL != "https://app.example.com/" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Nonce != "n1" || got.ReasonCode != "" || !got.ExpiresAt.IsZero() {
		t.Errorf("nullable columns not mapped: %+v", got)
	}

	if _, err := repo.FindRecentIssued(context.Background(), "r2", "c1", since); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindRecentIssued(missing) error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresRepository_Exists(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("e2").
		WillReturnError(errors.New("connection reset"))

	repo := NewPostgresRepository(db)
	ok, err := repo.Exists(context.Background(), "e1")
	if err != nil || !ok {
		t.Fatalf("Exists(e1) = %v, %v", ok, err)
	}
	if _, err := repo.Exists(context.Background(), "e2"); err == nil {
		t.Error("Exists(e2) should surface the driver error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
