package db

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store, used in tests and when the
// gateway runs without a DATABASE_URL.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]Account  // by name
	automates map[string]Automate // by code
	analyses  map[string]Analysis // by id
	patients  map[string]Patient  // by id
	requests  map[string]Request  // by id
	joins     map[string]struct{} // request_id|analysis_id
	results   []Result
	inbound   map[string]InboundMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]Account),
		automates: make(map[string]Automate),
		analyses:  make(map[string]Analysis),
		patients:  make(map[string]Patient),
		requests:  make(map[string]Request),
		joins:     make(map[string]struct{}),
		inbound:   make(map[string]InboundMessage),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func (s *MemoryStore) UpsertAccount(ctx context.Context, account Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.accounts[account.Name]; ok {
		return existing, nil
	}
	s.accounts[account.Name] = account
	return account, nil
}

func (s *MemoryStore) UpsertAutomate(ctx context.Context, automate Automate) (Automate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.automates[automate.Code]; ok {
		existing.Name = automate.Name
		s.automates[automate.Code] = existing
		return existing, nil
	}
	s.automates[automate.Code] = automate
	return automate, nil
}

func (s *MemoryStore) FindAutomateByName(ctx context.Context, name string) (*Automate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, automate := range s.automates {
		if automate.Name == name || automate.Code == name {
			out := automate
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateInboundMessage(ctx context.Context, msg InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound[msg.ID] = msg
	return nil
}

func (s *MemoryStore) MarkInboundMessage(ctx context.Context, id string, status MessageStatus, errorText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.inbound[id]
	if !ok {
		return ErrNotFound
	}
	if msg.Status != StatusReceived {
		return nil
	}
	now := time.Now()
	msg.Status = status
	msg.ErrorText = errorText
	msg.ProcessedAt = &now
	s.inbound[id] = msg
	return nil
}

func (s *MemoryStore) ListInboundMessages(ctx context.Context, limit int) ([]InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InboundMessage, 0, len(s.inbound))
	for _, msg := range s.inbound {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindPatientByIdentifier(ctx context.Context, identifier string) (*Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findPatientLocked(identifier)
}

func (s *MemoryStore) findPatientLocked(identifier string) (*Patient, error) {
	for _, patient := range s.patients {
		if patient.Identifier == identifier ||
			(patient.InsuranceNumber != "" && patient.InsuranceNumber == identifier) {
			out := patient
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpsertPatient(ctx context.Context, patient Patient) (Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, err := s.findPatientLocked(patient.Identifier); err == nil {
		return *existing, nil
	}
	s.patients[patient.ID] = patient
	return patient, nil
}

func (s *MemoryStore) CreateRequest(ctx context.Context, request Request) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.requests {
		if existing.IdempotencyKey == request.IdempotencyKey {
			return existing, false, nil
		}
	}
	s.requests[request.ID] = request
	return request, true, nil
}

func (s *MemoryStore) ListRequestsByPatient(ctx context.Context, patientID string) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Request{}
	for _, request := range s.requests {
		if request.PatientID == patientID {
			out = append(out, request)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpsertAnalysis(ctx context.Context, analysis Analysis) (Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.analyses {
		if existing.Code == analysis.Code {
			return existing, nil
		}
	}
	s.analyses[analysis.ID] = analysis
	return analysis, nil
}

func (s *MemoryStore) FindAnalysisByCode(ctx context.Context, code string) (*Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, analysis := range s.analyses {
		if analysis.ID == code || analysis.Code == code {
			out := analysis
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpsertRequestAnalysis(ctx context.Context, requestID, analysisID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins[requestID+"|"+analysisID] = struct{}{}
	return nil
}

func (s *MemoryStore) CreateResult(ctx context.Context, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *MemoryStore) ListResultsByRequest(ctx context.Context, requestID string) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Result{}
	for _, result := range s.results {
		if result.RequestID == requestID {
			out = append(out, result)
		}
	}
	return out, nil
}
