package db

import (
	"time"
)

// MessageStatus is the lifecycle of an inbound message record. A record is
// created as RECEIVED and moved exactly once to PROCESSED or ERROR.
type MessageStatus string

const (
	StatusReceived  MessageStatus = "RECEIVED"
	StatusProcessed MessageStatus = "PROCESSED"
	StatusError     MessageStatus = "ERROR"
)

// ResultStatus derives from the HL7 observation-result-status code:
// F maps to VALIDATED, anything else stays PENDING.
type ResultStatus string

const (
	ResultValidated ResultStatus = "VALIDATED"
	ResultPending   ResultStatus = "PENDING"
)

type Patient struct {
	ID              string    `db:"id" json:"id"`
	Identifier      string    `db:"identifier" json:"identifier"`
	InsuranceNumber string    `db:"insurance_number" json:"insurance_number,omitempty"`
	FirstName       string    `db:"first_name" json:"first_name"`
	LastName        string    `db:"last_name" json:"last_name"`
	DateOfBirth     string    `db:"date_of_birth" json:"date_of_birth"`
	Gender          string    `db:"gender" json:"gender"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

type Account struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	IsSystem  bool      `db:"is_system" json:"is_system"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Automate is a connected laboratory instrument or system sending HL7
// traffic, resolved by its sending-application name.
type Automate struct {
	ID        string    `db:"id" json:"id"`
	Code      string    `db:"code" json:"code"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Analysis struct {
	ID        string    `db:"id" json:"id"`
	Code      string    `db:"code" json:"code"`
	Name      string    `db:"name" json:"name"`
	Unit      string    `db:"unit" json:"unit,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Request struct {
	ID             string    `db:"id" json:"id"`
	PatientID      string    `db:"patient_id" json:"patient_id"`
	AccountID      string    `db:"account_id" json:"account_id"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key"`
	Notes          string    `db:"notes" json:"notes"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

type Result struct {
	ID             string       `db:"id" json:"id"`
	RequestID      string       `db:"request_id" json:"request_id"`
	AnalysisID     string       `db:"analysis_id" json:"analysis_id"`
	Value          string       `db:"value" json:"value"`
	Unit           string       `db:"unit" json:"unit,omitempty"`
	ReferenceRange string       `db:"reference_range" json:"reference_range,omitempty"`
	Status         ResultStatus `db:"status" json:"status"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}

// InboundMessage is the persisted row for one received frame.
type InboundMessage struct {
	ID           string        `db:"id" json:"id"`
	RawText      string        `db:"raw_text" json:"raw_text"`
	MessageType  string        `db:"message_type" json:"message_type"`
	TriggerEvent string        `db:"trigger_event" json:"trigger_event"`
	Status       MessageStatus `db:"status" json:"status"`
	ErrorText    string        `db:"error_text" json:"error_text,omitempty"`
	SourceAddr   string        `db:"source_addr" json:"source_addr"`
	ReceivedAt   time.Time     `db:"received_at" json:"received_at"`
	ProcessedAt  *time.Time    `db:"processed_at" json:"processed_at,omitempty"`
}

// TransferLogEntry is the append-only audit record of one processed frame.
// Entries are never updated or deleted.
type TransferLogEntry struct {
	ID           string    `json:"id"`
	AutomateCode string    `json:"automate_code"`
	MessageType  string    `json:"message_type"`
	Success      bool      `json:"success"`
	DurationMS   int64     `json:"duration_ms"`
	ErrorText    string    `json:"error_text,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type StreamInfo struct {
	Name          string `json:"name"`
	Messages      uint64 `json:"messages"`
	Bytes         uint64 `json:"bytes"`
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
}
