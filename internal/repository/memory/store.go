// Package memory is a mutex-guarded, single-process implementation of every
// dispatch store. It backs claim.backend=memory and unit tests; nothing in
// it survives a restart.
package memory

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/service/dispatch"
	"github.com/ignite/comm-dispatch/internal/tracking"
)

// Store holds communications, recipients, history, records and the
// response code pool in memory.
type Store struct {
	mu         sync.Mutex
	comms      map[string]*domain.Communication
	recipients map[string]*domain.Recipient // keyed by id
	order      []string                     // recipient ids in insertion order
	history    map[string][]domain.HistoryEntry
	records    map[string]domain.CommunicationRecord
	codes      map[string]*time.Time
	codeOrder  []string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		comms:      make(map[string]*domain.Communication),
		recipients: make(map[string]*domain.Recipient),
		history:    make(map[string][]domain.HistoryEntry),
		records:    make(map[string]domain.CommunicationRecord),
		codes:      make(map[string]*time.Time),
	}
}

// PutCommunication inserts or replaces a communication.
func (s *Store) PutCommunication(c *domain.Communication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.comms[c.ID] = &cp
}

// AddRecipient inserts a recipient, defaulting its status to pending.
func (s *Store) AddRecipient(r *domain.Recipient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	if cp.Status == "" {
		cp.Status = domain.RecipientPending
	}
	if _, ok := s.recipients[cp.ID]; !ok {
		s.order = append(s.order, cp.ID)
	}
	s.recipients[cp.ID] = &cp
}

// =============================================================================
// dispatch.CommunicationStore
// =============================================================================

func (s *Store) Get(_ context.Context, id string) (*domain.Communication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comms[id]
	if !ok {
		return nil, dispatch.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListDue(_ context.Context, mediumID string, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*domain.Communication
	for _, c := range s.comms {
		if c.IsApproved() && c.IsDue(now) && s.hasPendingLocked(c.ID, mediumID) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	ids := make([]string, 0, len(due))
	for _, c := range due {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// =============================================================================
// dispatch.ClaimQueue and dispatch.RecipientStore
// =============================================================================

// ClaimNext takes the oldest pending recipient under the store mutex.
func (s *Store) ClaimNext(_ context.Context, communicationID, mediumID string) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		r := s.recipients[id]
		if r.CommunicationID == communicationID && r.MediumID == mediumID && r.Status == domain.RecipientPending {
			now := time.Now()
			r.Status = domain.RecipientSending
			r.ClaimedAt = &now
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) HasPending(_ context.Context, communicationID, mediumID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasPendingLocked(communicationID, mediumID), nil
}

func (s *Store) hasPendingLocked(communicationID, mediumID string) bool {
	for _, r := range s.recipients {
		if r.CommunicationID == communicationID && r.MediumID == mediumID && r.Status == domain.RecipientPending {
			return true
		}
	}
	return false
}

func (s *Store) UpdateStatus(_ context.Context, r *domain.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recipients[r.ID]
	if !ok {
		return dispatch.ErrNotFound
	}
	if cur.Status != r.Status && !cur.Status.CanTransition(r.Status) {
		return dispatch.ErrInvalidTransition
	}
	cur.Status = r.Status
	cur.StatusNote = r.StatusNote
	cur.TransportName = r.TransportName
	cur.ResponseCode = r.ResponseCode
	cur.SentAt = r.SentAt
	cur.OpenedAt = r.OpenedAt
	if r.ClaimedAt != nil {
		t := *r.ClaimedAt
		cur.ClaimedAt = &t
	}
	return nil
}

func (s *Store) FindByGUID(_ context.Context, guid string) (*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recipients {
		if r.GUID == guid {
			cp := *r
			return &cp, nil
		}
	}
	return nil, dispatch.ErrNotFound
}

// Recipient returns a copy of one recipient.
func (s *Store) Recipient(id string) (domain.Recipient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[id]
	if !ok {
		return domain.Recipient{}, false
	}
	return *r, true
}

// ListPending returns up to limit pending recipients without claiming them.
func (s *Store) ListPending(_ context.Context, communicationID, mediumID string, limit int) ([]*domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Recipient
	for _, id := range s.order {
		r := s.recipients[id]
		if r.CommunicationID == communicationID && r.MediumID == mediumID && r.Status == domain.RecipientPending {
			cp := *r
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// RequeueStale returns recipients claimed before olderThan to pending.
func (s *Store) RequeueStale(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.recipients {
		if r.Status == domain.RecipientSending && r.ClaimedAt != nil && r.ClaimedAt.Before(olderThan) {
			r.Status = domain.RecipientPending
			r.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

// =============================================================================
// dispatch.HistorySink
// =============================================================================

func (s *Store) Append(_ context.Context, personID, category string, e domain.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.PersonID = personID
	e.Category = category
	s.history[personID] = append(s.history[personID], e)
	return nil
}

// History returns the entries appended for personID.
func (s *Store) History(personID string) []domain.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.HistoryEntry(nil), s.history[personID]...)
}

// =============================================================================
// tracking.RecordStore
// =============================================================================

func (s *Store) Save(_ context.Context, rec domain.CommunicationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.RecipientGUID]; !ok {
		s.records[rec.RecipientGUID] = rec
	}
	return nil
}

func (s *Store) Find(_ context.Context, guid string) (*domain.CommunicationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[guid]
	if !ok {
		return nil, tracking.ErrRecordNotFound
	}
	return &rec, nil
}

func (s *Store) MarkEvent(_ context.Context, guid string, ev domain.ProviderEventType, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[guid]
	if !ok {
		return tracking.ErrRecordNotFound
	}
	rec.LastEvent = ev
	rec.LastEventAt = &at
	s.records[guid] = rec
	return nil
}

// =============================================================================
// responsecode.Repository
// =============================================================================

func (s *Store) ExistingCodes(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.codeOrder...), nil
}

func (s *Store) InsertCodes(_ context.Context, codes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range codes {
		if _, ok := s.codes[c]; ok {
			continue
		}
		s.codes[c] = nil
		s.codeOrder = append(s.codeOrder, c)
	}
	return nil
}

func (s *Store) Claim(_ context.Context, usedAt, reuseBefore time.Time, sampleSize int) (*domain.ResponseCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sample := make([]int, 0, sampleSize)
	for i, c := range s.codeOrder {
		if last := s.codes[c]; last == nil || last.Before(reuseBefore) {
			sample = append(sample, i)
			if len(sample) == sampleSize {
				break
			}
		}
	}
	if len(sample) == 0 {
		return nil, nil
	}
	idx := sample[rand.Intn(len(sample))]
	code := s.codeOrder[idx]
	t := usedAt
	s.codes[code] = &t
	return &domain.ResponseCode{ID: int64(idx + 1), Code: code, LastUsedAt: &t}, nil
}
