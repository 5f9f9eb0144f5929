package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaldr2/sil-sub001/internal/db"
	"github.com/nbaldr2/sil-sub001/internal/hl7"
)

// transferRecorder collects appended entries in memory.
type transferRecorder struct {
	mu      sync.Mutex
	entries []db.TransferLogEntry
}

func (r *transferRecorder) Append(ctx context.Context, entry db.TransferLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *transferRecorder) last(t *testing.T) db.TransferLogEntry {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.entries)
	return r.entries[len(r.entries)-1]
}

func newTestProcessor(t *testing.T) (*Processor, *db.MemoryStore, *transferRecorder) {
	t.Helper()
	ctx := context.Background()

	store := db.NewMemoryStore()
	_, err := store.UpsertAnalysis(ctx, db.Analysis{
		ID:        "an-wbc",
		Code:      "WBC",
		Name:      "White Blood Count",
		Unit:      "10*3/uL",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	recorder := &transferRecorder{}
	processor := NewProcessor(store, recorder, nil)
	require.NoError(t, processor.Bootstrap(ctx))

	return processor, store, recorder
}

func rawFor(text string) hl7.RawMessage {
	return hl7.RawMessage{
		Payload:    text,
		SourceAddr: "127.0.0.1:51234",
		ReceivedAt: time.Now(),
	}
}

func oruText(controlID, patientID string, obxLines ...string) string {
	text := "MSH|^~\\&|LAB_SYSTEM|LAB|SIL_LAB|SIL|20240811220000||ORU^R01|" + controlID + "|P|2.5.1\r" +
		"PID|1||" + patientID + "||DOE^JOHN^M||19800101|M\r" +
		"OBR|1|ORD001||WBC^WHITE BLOOD COUNT"
	for _, obx := range obxLines {
		text += "\r" + obx
	}
	return text
}

const obxWBC = "OBX|1|NM|WBC^WHITE BLOOD COUNT^L||7.5|10*3/uL|4.0-11.0|N|||F"

func process(t *testing.T, p *Processor, text string) error {
	t.Helper()
	raw := rawFor(text)
	return p.Process(context.Background(), raw, hl7.Parse(text))
}

func TestProcessORUCreatesDomainRecords(t *testing.T) {
	processor, store, recorder := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, process(t, processor, oruText("1001", "PATIENT123", obxWBC)))

	patient, err := store.FindPatientByIdentifier(ctx, "PATIENT123")
	require.NoError(t, err)
	assert.Equal(t, "DOE", patient.LastName)
	assert.Equal(t, "JOHN", patient.FirstName)
	assert.Equal(t, "19800101", patient.DateOfBirth)
	assert.Equal(t, "M", patient.Gender)

	requests, err := store.ListRequestsByPatient(ctx, patient.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].Notes, "ORD001")

	results, err := store.ListResultsByRequest(ctx, requests[0].ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "an-wbc", results[0].AnalysisID)
	assert.Equal(t, "7.5", results[0].Value)
	assert.Equal(t, "10*3/uL", results[0].Unit)
	assert.Equal(t, "4.0-11.0", results[0].ReferenceRange)
	assert.Equal(t, db.ResultValidated, results[0].Status)

	messages, err := store.ListInboundMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, db.StatusProcessed, messages[0].Status)
	assert.Equal(t, "ORU", messages[0].MessageType)
	assert.Equal(t, "R01", messages[0].TriggerEvent)
	require.NotNil(t, messages[0].ProcessedAt)

	entry := recorder.last(t)
	assert.True(t, entry.Success)
	assert.Equal(t, "ORU^R01", entry.MessageType)
	assert.Equal(t, DefaultAutomateCode, entry.AutomateCode)
}

func TestProcessResolvesKnownAutomate(t *testing.T) {
	processor, store, recorder := newTestProcessor(t)
	ctx := context.Background()

	_, err := store.UpsertAutomate(ctx, db.Automate{
		ID:        "auto-1",
		Code:      "cobas",
		Name:      "LAB_SYSTEM",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, process(t, processor, oruText("1002", "PATIENT123", obxWBC)))
	assert.Equal(t, "cobas", recorder.last(t).AutomateCode)
}

// Two distinct messages carrying the same patient identifier resolve to one
// patient record, while each message still creates its own request.
func TestProcessPatientResolutionIsIdempotent(t *testing.T) {
	processor, store, _ := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, process(t, processor, oruText("2001", "PATIENT123", obxWBC)))
	require.NoError(t, process(t, processor, oruText("2002", "PATIENT123", obxWBC)))

	patient, err := store.FindPatientByIdentifier(ctx, "PATIENT123")
	require.NoError(t, err)

	requests, err := store.ListRequestsByPatient(ctx, patient.ID)
	require.NoError(t, err)
	assert.Len(t, requests, 2)
}

func TestProcessSkipsUnknownAnalysis(t *testing.T) {
	processor, store, _ := newTestProcessor(t)
	ctx := context.Background()

	unknownOBX := "OBX|2|NM|XYZ^UNKNOWN^L||1.0|mg/dL|||||F"
	require.NoError(t, process(t, processor, oruText("3001", "PATIENT123", obxWBC, unknownOBX)))

	patient, err := store.FindPatientByIdentifier(ctx, "PATIENT123")
	require.NoError(t, err)
	requests, err := store.ListRequestsByPatient(ctx, patient.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)

	// Only the known code produced a result; the message still succeeded.
	results, err := store.ListResultsByRequest(ctx, requests[0].ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	messages, err := store.ListInboundMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, db.StatusProcessed, messages[0].Status)
}

func TestProcessNonFinalStatusStaysPending(t *testing.T) {
	processor, store, _ := newTestProcessor(t)
	ctx := context.Background()

	pendingOBX := "OBX|1|NM|WBC^WHITE BLOOD COUNT^L||7.5|10*3/uL|4.0-11.0|N|||P"
	require.NoError(t, process(t, processor, oruText("3501", "PATIENT123", pendingOBX)))

	patient, err := store.FindPatientByIdentifier(ctx, "PATIENT123")
	require.NoError(t, err)
	requests, err := store.ListRequestsByPatient(ctx, patient.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)

	results, err := store.ListResultsByRequest(ctx, requests[0].ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, db.ResultPending, results[0].Status)
}

func TestProcessAppliesDemographicDefaults(t *testing.T) {
	processor, store, _ := newTestProcessor(t)
	ctx := context.Background()

	text := "MSH|^~\\&|LAB_SYSTEM|LAB|SIL_LAB|SIL|20240811220000||ORU^R01|4001|P|2.5.1\r" +
		"PID|1||ANON42\r" + obxWBC
	require.NoError(t, process(t, processor, text))

	patient, err := store.FindPatientByIdentifier(ctx, "ANON42")
	require.NoError(t, err)
	assert.Equal(t, DefaultPatientName, patient.LastName)
	assert.Equal(t, DefaultDateOfBirth, patient.DateOfBirth)
	assert.Equal(t, DefaultGender, patient.Gender)
}

// Non-ORU messages are accepted but unrouted: persisted and acked without
// any patient/request/result creation.
func TestProcessUnroutedMessageType(t *testing.T) {
	processor, store, recorder := newTestProcessor(t)
	ctx := context.Background()

	text := "MSH|^~\\&|LAB_SYSTEM|LAB|SIL_LAB|SIL|20240811220000||ADT^A01|5001|P|2.5.1\r" +
		"PID|1||PATIENT123||DOE^JOHN||19800101|M"
	require.NoError(t, process(t, processor, text))

	messages, err := store.ListInboundMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, db.StatusProcessed, messages[0].Status)

	_, err = store.FindPatientByIdentifier(ctx, "PATIENT123")
	assert.ErrorIs(t, err, db.ErrNotFound)

	entry := recorder.last(t)
	assert.True(t, entry.Success)
	assert.Equal(t, "ADT^A01", entry.MessageType)
}

func TestProcessFailsWithoutMSH(t *testing.T) {
	processor, store, recorder := newTestProcessor(t)
	ctx := context.Background()

	err := process(t, processor, "PID|1||PATIENT123||DOE^JOHN||19800101|M")
	require.Error(t, err)

	messages, listErr := store.ListInboundMessages(ctx, 10)
	require.NoError(t, listErr)
	require.Len(t, messages, 1)
	assert.Equal(t, db.StatusError, messages[0].Status)
	assert.NotEmpty(t, messages[0].ErrorText)

	entry := recorder.last(t)
	assert.False(t, entry.Success)
	assert.NotEmpty(t, entry.ErrorText)
}

func TestProcessFailsWithoutPatientIdentifier(t *testing.T) {
	processor, store, _ := newTestProcessor(t)
	ctx := context.Background()

	text := "MSH|^~\\&|LAB_SYSTEM|LAB|SIL_LAB|SIL|20240811220000||ORU^R01|6001|P|2.5.1\r" + obxWBC
	err := process(t, processor, text)
	require.Error(t, err)

	messages, listErr := store.ListInboundMessages(ctx, 10)
	require.NoError(t, listErr)
	require.Len(t, messages, 1)
	assert.Equal(t, db.StatusError, messages[0].Status)
}

// The default key strategy preserves the historical behavior: an identical
// replayed frame creates a second request.
func TestProcessReplayCreatesNewRequestByDefault(t *testing.T) {
	processor, store, _ := newTestProcessor(t)
	ctx := context.Background()

	text := oruText("7001", "PATIENT123", obxWBC)
	require.NoError(t, process(t, processor, text))
	require.NoError(t, process(t, processor, text))

	patient, err := store.FindPatientByIdentifier(ctx, "PATIENT123")
	require.NoError(t, err)
	requests, err := store.ListRequestsByPatient(ctx, patient.ID)
	require.NoError(t, err)
	assert.Len(t, requests, 2)
}

// With the raw-hash strategy plugged in, the replay maps onto the existing
// request and no duplicate results appear.
func TestProcessReplayDedupedWithRawHashKey(t *testing.T) {
	processor, store, _ := newTestProcessor(t)
	processor.KeyFunc = RawHashKey
	ctx := context.Background()

	text := oruText("7002", "PATIENT123", obxWBC)
	require.NoError(t, process(t, processor, text))
	require.NoError(t, process(t, processor, text))

	patient, err := store.FindPatientByIdentifier(ctx, "PATIENT123")
	require.NoError(t, err)
	requests, err := store.ListRequestsByPatient(ctx, patient.ID)
	require.NoError(t, err)
	require.Len(t, requests, 1)

	results, err := store.ListResultsByRequest(ctx, requests[0].ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	processor, store, _ := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, processor.Bootstrap(ctx))
	require.NoError(t, processor.Bootstrap(ctx))

	automate, err := store.FindAutomateByName(ctx, DefaultAutomateCode)
	require.NoError(t, err)
	assert.Equal(t, DefaultAutomateCode, automate.Code)
}
