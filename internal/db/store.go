package db

import (
	"context"
	"errors"
)

// ErrNotFound is returned by the Find* methods when no record matches.
var ErrNotFound = errors.New("kayıt bulunamadı")

// Store is the record store the ingestion pipeline writes through. It must
// support concurrent writers; patient upserts are atomic on the natural
// identifier.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	UpsertAccount(ctx context.Context, account Account) (Account, error)
	UpsertAutomate(ctx context.Context, automate Automate) (Automate, error)
	FindAutomateByName(ctx context.Context, name string) (*Automate, error)

	CreateInboundMessage(ctx context.Context, msg InboundMessage) error
	// MarkInboundMessage moves a RECEIVED record to its terminal status.
	MarkInboundMessage(ctx context.Context, id string, status MessageStatus, errorText string) error
	ListInboundMessages(ctx context.Context, limit int) ([]InboundMessage, error)

	// FindPatientByIdentifier matches the natural identifier against the
	// patient identifier or the national insurance number.
	FindPatientByIdentifier(ctx context.Context, identifier string) (*Patient, error)
	UpsertPatient(ctx context.Context, patient Patient) (Patient, error)

	// CreateRequest inserts a request unless one with the same idempotency
	// key exists; the bool reports whether a new row was created.
	CreateRequest(ctx context.Context, request Request) (Request, bool, error)
	ListRequestsByPatient(ctx context.Context, patientID string) ([]Request, error)

	UpsertAnalysis(ctx context.Context, analysis Analysis) (Analysis, error)
	// FindAnalysisByCode tolerates either the internal ID or the external
	// code of the analysis.
	FindAnalysisByCode(ctx context.Context, code string) (*Analysis, error)

	// UpsertRequestAnalysis links a request to an analysis, idempotent on
	// the pair.
	UpsertRequestAnalysis(ctx context.Context, requestID, analysisID string) error
	CreateResult(ctx context.Context, result Result) error
	ListResultsByRequest(ctx context.Context, requestID string) ([]Result, error)
}
