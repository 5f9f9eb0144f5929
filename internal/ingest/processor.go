package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nbaldr2/sil-sub001/internal/db"
	"github.com/nbaldr2/sil-sub001/internal/hl7"
	"github.com/nbaldr2/sil-sub001/internal/metrics"
)

// Demographic placeholders. A result message must not be rejected solely
// because the instrument sent no demographics, so missing fields get these
// named defaults instead of failing the message.
const (
	DefaultDateOfBirth = "1900-01-01"
	DefaultGender      = "U"
	DefaultPatientName = "Unknown"
)

const (
	// DefaultAutomateCode is the sentinel automate used when no known
	// automate matches the sending application.
	DefaultAutomateCode = "default"
	// SystemAccountName owns the requests the gateway creates.
	SystemAccountName = "SYSTEM"
)

// TransferLog appends immutable audit entries, one per processed frame. The
// append is a side effect independent of the ack: append failures are logged,
// never propagated.
type TransferLog interface {
	Append(ctx context.Context, entry db.TransferLogEntry) error
}

// IdempotencyKeyFunc derives the idempotency key for the request created
// from one inbound frame.
type IdempotencyKeyFunc func(raw hl7.RawMessage) string

// RandomKey gives every frame a fresh key: replaying an identical frame
// creates a new request, matching the historical behavior of the interface.
func RandomKey(raw hl7.RawMessage) string {
	return uuid.New().String()
}

// RawHashKey derives the key from the raw message text and its source, so an
// identical replay maps onto the already-created request.
func RawHashKey(raw hl7.RawMessage) string {
	sum := sha256.Sum256([]byte(raw.SourceAddr + "\x00" + raw.Payload))
	return hex.EncodeToString(sum[:])
}

// Processor maps parsed result messages onto domain records: automate
// resolution, the inbound-message lifecycle, patient resolve-or-create,
// request and result creation, and the transfer log.
type Processor struct {
	store     db.Store
	transfers TransferLog
	metrics   *metrics.Metrics

	// KeyFunc and Now may be overridden before the first Process call.
	KeyFunc IdempotencyKeyFunc
	Now     func() time.Time

	systemAccountID string
	defaultAutomate db.Automate
}

func NewProcessor(store db.Store, transfers TransferLog, m *metrics.Metrics) *Processor {
	return &Processor{
		store:     store,
		transfers: transfers,
		metrics:   m,
		KeyFunc:   RandomKey,
		Now:       time.Now,
		defaultAutomate: db.Automate{
			Code: DefaultAutomateCode,
			Name: DefaultAutomateCode,
		},
	}
}

// Process drives all domain side effects for one parsed message. A non-nil
// error means the frame must be NACKed; the inbound record is then already
// marked ERROR and a failed transfer-log entry appended.
func (p *Processor) Process(ctx context.Context, raw hl7.RawMessage, msg *hl7.Message) error {
	start := p.Now()

	automate := p.resolveAutomate(ctx, msg.SendingApplication)
	if p.metrics != nil {
		p.metrics.MessagesReceived.WithLabelValues(automate.Code).Inc()
	}

	receivedAt := raw.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = start
	}

	inboundID := uuid.New().String()
	err := p.store.CreateInboundMessage(ctx, db.InboundMessage{
		ID:           inboundID,
		RawText:      raw.Payload,
		MessageType:  msg.Type,
		TriggerEvent: msg.TriggerEvent,
		Status:       db.StatusReceived,
		SourceAddr:   raw.SourceAddr,
		ReceivedAt:   receivedAt,
	})
	if err != nil {
		return p.fail(ctx, automate, msg, inboundID, start, err)
	}

	if err := p.ingest(ctx, raw, msg); err != nil {
		return p.fail(ctx, automate, msg, inboundID, start, err)
	}

	if err := p.store.MarkInboundMessage(ctx, inboundID, db.StatusProcessed, ""); err != nil {
		slog.Error("Mesaj durumu güncellenemedi", "error", err, "id", inboundID)
	}
	p.appendTransfer(ctx, automate, msg, start, nil)

	if p.metrics != nil {
		p.metrics.MessagesProcessed.WithLabelValues(msg.Type).Inc()
		p.metrics.ProcessingDuration.Observe(p.Now().Sub(start).Seconds())
	}
	return nil
}

func (p *Processor) ingest(ctx context.Context, raw hl7.RawMessage, msg *hl7.Message) error {
	// The parser never fails; an empty control ID or type is the signal
	// that no usable MSH arrived.
	if msg.ControlID == "" || msg.Type == "" {
		return errors.New("geçersiz HL7 mesajı: kontrol ID veya mesaj tipi eksik")
	}

	if msg.Type != "ORU" || msg.TriggerEvent != "R01" {
		// Accepted but unrouted: persisted and acked, no domain mapping.
		slog.Info("Yönlendirilmeyen mesaj tipi kabul edildi",
			"messageType", msg.Type, "triggerEvent", msg.TriggerEvent,
			"controlID", msg.ControlID)
		return nil
	}

	return p.mapResultMessage(ctx, raw, msg)
}

func (p *Processor) mapResultMessage(ctx context.Context, raw hl7.RawMessage, msg *hl7.Message) error {
	patient, err := p.resolvePatient(ctx, msg)
	if err != nil {
		return err
	}

	request, created, err := p.createRequest(ctx, raw, msg, patient)
	if err != nil {
		return err
	}
	if !created {
		slog.Info("İstek zaten mevcut, tekrar oluşturulmadı",
			"requestID", request.ID, "controlID", msg.ControlID)
		return nil
	}

	for _, obs := range msg.Observations {
		if err := p.createResult(ctx, request, obs); err != nil {
			return err
		}
	}
	return nil
}

// resolveAutomate matches the sending application against the known
// automates and falls back to the bootstrap default. It never fails the
// message.
func (p *Processor) resolveAutomate(ctx context.Context, sendingApp string) db.Automate {
	if sendingApp == "" {
		return p.defaultAutomate
	}
	automate, err := p.store.FindAutomateByName(ctx, sendingApp)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			slog.Warn("Otomat sorgusu başarısız, varsayılan kullanılıyor",
				"error", err, "sendingApplication", sendingApp)
		}
		return p.defaultAutomate
	}
	return *automate
}

func (p *Processor) resolvePatient(ctx context.Context, msg *hl7.Message) (db.Patient, error) {
	pid := msg.Patient
	if pid == nil {
		return db.Patient{}, errors.New("hasta kimliği eksik: PID segmenti yok")
	}

	identifier := pid.ExternalID
	if identifier == "" {
		identifier = pid.IdentifierList
	}
	if identifier == "" {
		return db.Patient{}, errors.New("hasta kimliği eksik: PID-2 ve PID-3 boş")
	}

	lastName := pid.Name.ID
	firstName := pid.Name.Text
	if lastName == "" && firstName == "" {
		lastName = DefaultPatientName
	}
	dateOfBirth := pid.DateOfBirth
	if dateOfBirth == "" {
		dateOfBirth = DefaultDateOfBirth
	}
	gender := pid.Gender
	if gender == "" {
		gender = DefaultGender
	}

	patient, err := p.store.UpsertPatient(ctx, db.Patient{
		ID:          uuid.New().String(),
		Identifier:  identifier,
		FirstName:   firstName,
		LastName:    lastName,
		DateOfBirth: dateOfBirth,
		Gender:      gender,
		CreatedAt:   p.Now(),
	})
	if err != nil {
		return db.Patient{}, fmt.Errorf("hasta kaydı çözümlenemedi: %w", err)
	}
	return patient, nil
}

func (p *Processor) createRequest(ctx context.Context, raw hl7.RawMessage, msg *hl7.Message, patient db.Patient) (db.Request, bool, error) {
	orderNumber := "-"
	if msg.Order != nil {
		if msg.Order.PlacerOrderNumber != "" {
			orderNumber = msg.Order.PlacerOrderNumber
		} else if msg.Order.FillerOrderNumber != "" {
			orderNumber = msg.Order.FillerOrderNumber
		}
	}

	request, created, err := p.store.CreateRequest(ctx, db.Request{
		ID:             uuid.New().String(),
		PatientID:      patient.ID,
		AccountID:      p.systemAccountID,
		IdempotencyKey: p.KeyFunc(raw),
		Notes:          fmt.Sprintf("Otomat mesajından oluşturuldu, sipariş no: %s", orderNumber),
		CreatedAt:      p.Now(),
	})
	if err != nil {
		return db.Request{}, false, fmt.Errorf("istek oluşturulamadı: %w", err)
	}
	return request, created, nil
}

// createResult maps one OBX onto a result. An unknown analysis code skips
// only that observation; one bad observation must not abort the message.
func (p *Processor) createResult(ctx context.Context, request db.Request, obs hl7.ObservationInfo) error {
	code := obs.Identifier.ID
	analysis, err := p.store.FindAnalysisByCode(ctx, code)
	if errors.Is(err, db.ErrNotFound) {
		slog.Warn("Analiz bulunamadı, gözlem atlandı",
			"code", code, "requestID", request.ID)
		if p.metrics != nil {
			p.metrics.ObservationsSkipped.Inc()
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("analiz sorgusu başarısız: %w", err)
	}

	if err := p.store.UpsertRequestAnalysis(ctx, request.ID, analysis.ID); err != nil {
		return err
	}

	status := db.ResultPending
	if obs.Status == "F" {
		status = db.ResultValidated
	}

	err = p.store.CreateResult(ctx, db.Result{
		ID:             uuid.New().String(),
		RequestID:      request.ID,
		AnalysisID:     analysis.ID,
		Value:          obs.Value,
		Unit:           obs.Units,
		ReferenceRange: obs.ReferenceRange,
		Status:         status,
		CreatedAt:      p.Now(),
	})
	if err != nil {
		return err
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, automate db.Automate, msg *hl7.Message, inboundID string, start time.Time, cause error) error {
	if err := p.store.MarkInboundMessage(ctx, inboundID, db.StatusError, cause.Error()); err != nil {
		slog.Error("Mesaj hata durumuna alınamadı", "error", err, "id", inboundID)
	}
	p.appendTransfer(ctx, automate, msg, start, cause)

	if p.metrics != nil {
		p.metrics.MessagesFailed.WithLabelValues(msg.Type).Inc()
		p.metrics.ProcessingDuration.Observe(p.Now().Sub(start).Seconds())
	}
	return cause
}

func (p *Processor) appendTransfer(ctx context.Context, automate db.Automate, msg *hl7.Message, start time.Time, cause error) {
	if p.transfers == nil {
		return
	}

	entry := db.TransferLogEntry{
		ID:           uuid.New().String(),
		AutomateCode: automate.Code,
		MessageType:  messageType(msg),
		Success:      cause == nil,
		DurationMS:   p.Now().Sub(start).Milliseconds(),
		Timestamp:    p.Now(),
	}
	if cause != nil {
		entry.ErrorText = cause.Error()
	}

	if err := p.transfers.Append(ctx, entry); err != nil {
		slog.Error("Transfer kaydı eklenemedi", "error", err, "automate", automate.Code)
	}
}

func messageType(msg *hl7.Message) string {
	if msg.TriggerEvent == "" {
		return msg.Type
	}
	return msg.Type + "^" + msg.TriggerEvent
}
