package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	is_system  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS automates (
	id         TEXT PRIMARY KEY,
	code       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS analyses (
	id         TEXT PRIMARY KEY,
	code       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	unit       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS patients (
	id               TEXT PRIMARY KEY,
	identifier       TEXT NOT NULL UNIQUE,
	insurance_number TEXT NOT NULL DEFAULT '',
	first_name       TEXT NOT NULL DEFAULT '',
	last_name        TEXT NOT NULL DEFAULT '',
	date_of_birth    TEXT NOT NULL DEFAULT '',
	gender           TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS requests (
	id              TEXT PRIMARY KEY,
	patient_id      TEXT NOT NULL REFERENCES patients(id),
	account_id      TEXT NOT NULL REFERENCES accounts(id),
	idempotency_key TEXT NOT NULL UNIQUE,
	notes           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS request_analyses (
	request_id  TEXT NOT NULL REFERENCES requests(id),
	analysis_id TEXT NOT NULL REFERENCES analyses(id),
	PRIMARY KEY (request_id, analysis_id)
);
CREATE TABLE IF NOT EXISTS results (
	id              TEXT PRIMARY KEY,
	request_id      TEXT NOT NULL REFERENCES requests(id),
	analysis_id     TEXT NOT NULL REFERENCES analyses(id),
	value           TEXT NOT NULL DEFAULT '',
	unit            TEXT NOT NULL DEFAULT '',
	reference_range TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS inbound_messages (
	id            TEXT PRIMARY KEY,
	raw_text      TEXT NOT NULL,
	message_type  TEXT NOT NULL DEFAULT '',
	trigger_event TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_text    TEXT NOT NULL DEFAULT '',
	source_addr   TEXT NOT NULL DEFAULT '',
	received_at   TIMESTAMPTZ NOT NULL,
	processed_at  TIMESTAMPTZ
);
`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	database, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("veritabanı bağlantısı kurulamadı: %w", err)
	}

	database.SetMaxOpenConns(20)
	database.SetMaxIdleConns(5)
	database.SetConnMaxLifetime(30 * time.Minute)

	if _, err := database.ExecContext(ctx, schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("şema oluşturulamadı: %w", err)
	}

	slog.Info("PostgreSQL bağlantısı kuruldu")
	return &PostgresStore{db: database}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, account Account) (Account, error) {
	var out Account
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO accounts (id, name, is_system, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET is_system = EXCLUDED.is_system
		RETURNING id, name, is_system, created_at`,
		account.ID, account.Name, account.IsSystem, account.CreatedAt)
	if err != nil {
		return Account{}, fmt.Errorf("hesap kaydedilemedi: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertAutomate(ctx context.Context, automate Automate) (Automate, error) {
	var out Automate
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO automates (id, code, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, code, name, created_at`,
		automate.ID, automate.Code, automate.Name, automate.CreatedAt)
	if err != nil {
		return Automate{}, fmt.Errorf("otomat kaydedilemedi: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindAutomateByName(ctx context.Context, name string) (*Automate, error) {
	var out Automate
	err := s.db.GetContext(ctx, &out,
		`SELECT id, code, name, created_at FROM automates WHERE name = $1 OR code = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) CreateInboundMessage(ctx context.Context, msg InboundMessage) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO inbound_messages
			(id, raw_text, message_type, trigger_event, status, error_text, source_addr, received_at)
		VALUES
			(:id, :raw_text, :message_type, :trigger_event, :status, :error_text, :source_addr, :received_at)`,
		msg)
	if err != nil {
		return fmt.Errorf("gelen mesaj kaydedilemedi: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkInboundMessage(ctx context.Context, id string, status MessageStatus, errorText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE inbound_messages
		SET status = $2, error_text = $3, processed_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, status, errorText, StatusReceived)
	if err != nil {
		return fmt.Errorf("mesaj durumu güncellenemedi: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListInboundMessages(ctx context.Context, limit int) ([]InboundMessage, error) {
	out := []InboundMessage{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, raw_text, message_type, trigger_event, status, error_text, source_addr, received_at, processed_at
		FROM inbound_messages ORDER BY received_at DESC LIMIT $1`, limit)
	return out, err
}

func (s *PostgresStore) FindPatientByIdentifier(ctx context.Context, identifier string) (*Patient, error) {
	var out Patient
	err := s.db.GetContext(ctx, &out, `
		SELECT id, identifier, insurance_number, first_name, last_name, date_of_birth, gender, created_at
		FROM patients
		WHERE identifier = $1 OR (insurance_number <> '' AND insurance_number = $1)`,
		identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertPatient resolves or creates a patient atomically on the natural
// identifier, so two automates reporting the same patient at the same time
// cannot create duplicates.
func (s *PostgresStore) UpsertPatient(ctx context.Context, patient Patient) (Patient, error) {
	existing, err := s.FindPatientByIdentifier(ctx, patient.Identifier)
	if err == nil {
		return *existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Patient{}, err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO patients (id, identifier, insurance_number, first_name, last_name, date_of_birth, gender, created_at)
		VALUES (:id, :identifier, :insurance_number, :first_name, :last_name, :date_of_birth, :gender, :created_at)
		ON CONFLICT (identifier) DO NOTHING`,
		patient)
	if err != nil {
		return Patient{}, fmt.Errorf("hasta kaydedilemedi: %w", err)
	}

	// Re-read to cover the concurrent-insert case.
	created, err := s.FindPatientByIdentifier(ctx, patient.Identifier)
	if err != nil {
		return Patient{}, err
	}
	return *created, nil
}

func (s *PostgresStore) CreateRequest(ctx context.Context, request Request) (Request, bool, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO requests (id, patient_id, account_id, idempotency_key, notes, created_at)
		VALUES (:id, :patient_id, :account_id, :idempotency_key, :notes, :created_at)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		request)
	if err != nil {
		return Request{}, false, fmt.Errorf("istek kaydedilemedi: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var existing Request
		err := s.db.GetContext(ctx, &existing, `
			SELECT id, patient_id, account_id, idempotency_key, notes, created_at
			FROM requests WHERE idempotency_key = $1`, request.IdempotencyKey)
		if err != nil {
			return Request{}, false, err
		}
		return existing, false, nil
	}
	return request, true, nil
}

func (s *PostgresStore) ListRequestsByPatient(ctx context.Context, patientID string) ([]Request, error) {
	out := []Request{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, patient_id, account_id, idempotency_key, notes, created_at
		FROM requests WHERE patient_id = $1 ORDER BY created_at`, patientID)
	return out, err
}

func (s *PostgresStore) UpsertAnalysis(ctx context.Context, analysis Analysis) (Analysis, error) {
	var out Analysis
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO analyses (id, code, name, unit, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, unit = EXCLUDED.unit
		RETURNING id, code, name, unit, created_at`,
		analysis.ID, analysis.Code, analysis.Name, analysis.Unit, analysis.CreatedAt)
	if err != nil {
		return Analysis{}, fmt.Errorf("analiz kaydedilemedi: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindAnalysisByCode(ctx context.Context, code string) (*Analysis, error) {
	var out Analysis
	err := s.db.GetContext(ctx, &out,
		`SELECT id, code, name, unit, created_at FROM analyses WHERE id = $1 OR code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) UpsertRequestAnalysis(ctx context.Context, requestID, analysisID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_analyses (request_id, analysis_id)
		VALUES ($1, $2)
		ON CONFLICT (request_id, analysis_id) DO NOTHING`,
		requestID, analysisID)
	if err != nil {
		return fmt.Errorf("istek-analiz bağlantısı kaydedilemedi: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateResult(ctx context.Context, result Result) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO results (id, request_id, analysis_id, value, unit, reference_range, status, created_at)
		VALUES (:id, :request_id, :analysis_id, :value, :unit, :reference_range, :status, :created_at)`,
		result)
	if err != nil {
		return fmt.Errorf("sonuç kaydedilemedi: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListResultsByRequest(ctx context.Context, requestID string) ([]Result, error) {
	out := []Result{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, request_id, analysis_id, value, unit, reference_range, status, created_at
		FROM results WHERE request_id = $1 ORDER BY created_at`, requestID)
	return out, err
}
