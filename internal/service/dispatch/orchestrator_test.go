package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/service/dispatch"
	"github.com/ignite/comm-dispatch/internal/service/sending"
)

const testMedium = "email"

// memRepo is an in-memory store for unit testing. It serves as the
// communication store, the claim queue and the recipient store.
type memRepo struct {
	mu    sync.Mutex
	comms map[string]*domain.Communication
	recs  map[string]*domain.Recipient // keyed by id
	order []string
}

func newMemRepo() *memRepo {
	return &memRepo{
		comms: make(map[string]*domain.Communication),
		recs:  make(map[string]*domain.Recipient),
	}
}

func (m *memRepo) addComm(c *domain.Communication) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comms[c.ID] = c
}

func (m *memRepo) addRecipient(r *domain.Recipient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Status == "" {
		r.Status = domain.RecipientPending
	}
	if r.MediumID == "" {
		r.MediumID = testMedium
	}
	m.recs[r.ID] = r
	m.order = append(m.order, r.ID)
}

func (m *memRepo) recipient(id string) domain.Recipient {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.recs[id]
}

func (m *memRepo) Get(_ context.Context, id string) (*domain.Communication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comms[id]
	if !ok {
		return nil, dispatch.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) ListDue(_ context.Context, mediumID string, now time.Time, limit int) ([]string, error) {
	return nil, nil
}

func (m *memRepo) ClaimNext(_ context.Context, commID, mediumID string) (*domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		r := m.recs[id]
		if r.CommunicationID == commID && r.MediumID == mediumID && r.Status == domain.RecipientPending {
			r.Status = domain.RecipientSending
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memRepo) HasPending(_ context.Context, commID, mediumID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.CommunicationID == commID && r.MediumID == mediumID && r.Status == domain.RecipientPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) UpdateStatus(_ context.Context, r *domain.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recs[r.ID]
	if !ok {
		return dispatch.ErrNotFound
	}
	if cur.Status != r.Status && !cur.Status.CanTransition(r.Status) {
		return dispatch.ErrInvalidTransition
	}
	cp := *r
	m.recs[r.ID] = &cp
	return nil
}

func (m *memRepo) FindByGUID(_ context.Context, guid string) (*domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.GUID == guid {
			cp := *r
			return &cp, nil
		}
	}
	return nil, dispatch.ErrNotFound
}

// fakeTransport records every message and answers from respond.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*domain.ResolvedMessage
	respond func(msg *domain.ResolvedMessage) (*domain.SendResult, error)
}

func (f *fakeTransport) Name() string        { return "fake" }
func (f *fakeTransport) CanTrackOpens() bool { return false }

func (f *fakeTransport) Send(_ context.Context, msg *domain.ResolvedMessage) (*domain.SendResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(msg)
	}
	return &domain.SendResult{Accepted: true, StatusCode: 202, StatusText: "Accepted"}, nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) Transport(name string) (sending.Transport, error) {
	if name != "" && name != "fake" {
		return nil, dispatch.ErrUnknownTransport
	}
	return f, nil
}

type memHistory struct {
	mu      sync.Mutex
	entries []domain.HistoryEntry
	err     error
	panics  bool
}

func (h *memHistory) Append(_ context.Context, _, _ string, e domain.HistoryEntry) error {
	if h.panics {
		panic("history sink blew up")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.entries = append(h.entries, e)
	return nil
}

type memPublisher struct {
	mu     sync.Mutex
	recs   []domain.CommunicationRecord
	panics bool
}

func (p *memPublisher) Publish(_ context.Context, rec domain.CommunicationRecord) {
	if p.panics {
		panic("record queue blew up")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs = append(p.recs, rec)
}

type seqCodes struct {
	mu sync.Mutex
	n  int
}

func (s *seqCodes) Allocate(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("@%d", 100+s.n), nil
}

type harness struct {
	repo      *memRepo
	transport *fakeTransport
	history   *memHistory
	publisher *memPublisher
	orch      *dispatch.Orchestrator
}

func newHarness(sc domain.SendContext) *harness {
	h := &harness{
		repo:      newMemRepo(),
		transport: &fakeTransport{},
		history:   &memHistory{},
		publisher: &memPublisher{},
	}
	h.orch = dispatch.NewOrchestrator(dispatch.Deps{
		Communications: h.repo,
		Claims:         h.repo,
		Recipients:     h.repo,
		Transports:     h.transport,
		Builder:        newBuilder(sc),
		Recorder:       dispatch.NewRecorder(h.repo, h.history, h.publisher, nil),
		Codes:          &seqCodes{},
	})
	return h
}

func approved(id string) *domain.Communication {
	return &domain.Communication{ID: id, Subject: "Subject", HTMLMessage: "<p>Body</p>", Status: domain.ApprovalGranted}
}

func pendingRecipient(id, commID, email string) *domain.Recipient {
	return &domain.Recipient{
		ID:              id,
		GUID:            "guid-" + id,
		CommunicationID: commID,
		Person:          domain.Person{ID: "person-" + id, Email: email, EmailPreference: domain.EmailAllowed},
	}
}

func TestSendBulkEndToEnd(t *testing.T) {
	h := newHarness(domain.SendContext{OrgEmail: orgEmail})
	h.repo.addComm(approved("c-1"))
	h.repo.addRecipient(pendingRecipient("r-1", "c-1", "test@test.com"))

	if err := h.orch.SendBulk(context.Background(), "c-1", testMedium); err != nil {
		t.Fatalf("SendBulk: %v", err)
	}
	if n := h.transport.count(); n != 1 {
		t.Fatalf("transport invoked %d times, want 1", n)
	}
	if from := h.transport.sent[0].From; from != orgEmail {
		t.Errorf("From = %q, want %q", from, orgEmail)
	}
	r := h.repo.recipient("r-1")
	if r.Status != domain.RecipientDelivered {
		t.Errorf("status = %q, want delivered", r.Status)
	}
	if r.TransportName != "fake" || r.SentAt == nil {
		t.Errorf("recipient not fully recorded: %+v", r)
	}
	if r.ResponseCode == "" {
		t.Error("response code not allocated")
	}
	if got := h.transport.sent[0].Metadata[domain.MetadataRecipientGUID]; got != "guid-r-1" {
		t.Errorf("correlation id = %q", got)
	}
	if len(h.history.entries) != 1 || h.history.entries[0].Category != domain.HistoryCategoryCommunications {
		t.Errorf("history = %+v", h.history.entries)
	}
	if len(h.publisher.recs) != 1 || h.publisher.recs[0].RecipientGUID != "guid-r-1" {
		t.Errorf("records = %+v", h.publisher.recs)
	}
}

func TestSendBulkPreflightIsSilent(t *testing.T) {
	future := time.Now().Add(time.Hour)
	tests := []struct {
		name string
		comm *domain.Communication
	}{
		{"not approved", &domain.Communication{ID: "c-1", Status: domain.ApprovalPending}},
		{"not due", &domain.Communication{ID: "c-1", Status: domain.ApprovalGranted, FutureSendAt: &future}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(domain.SendContext{OrgEmail: orgEmail})
			h.repo.addComm(tt.comm)
			h.repo.addRecipient(pendingRecipient("r-1", "c-1", "test@test.com"))
			if err := h.orch.SendBulk(context.Background(), "c-1", testMedium); err != nil {
				t.Fatalf("SendBulk: %v", err)
			}
			if h.transport.count() != 0 {
				t.Error("transport invoked")
			}
			if r := h.repo.recipient("r-1"); r.Status != domain.RecipientPending {
				t.Errorf("status = %q, want pending", r.Status)
			}
		})
	}

	h := newHarness(domain.SendContext{OrgEmail: orgEmail})
	h.repo.addComm(approved("c-1"))
	if err := h.orch.SendBulk(context.Background(), "c-1", testMedium); err != nil {
		t.Fatalf("SendBulk with nothing pending: %v", err)
	}
}

func TestSendBulkIsolatesFailures(t *testing.T) {
	h := newHarness(domain.SendContext{OrgEmail: orgEmail})
	comm := approved("c-1")
	comm.IsBulk = true
	h.repo.addComm(comm)

	deceased := pendingRecipient("r-dead", "c-1", "dead@test.com")
	deceased.Person.IsDeceased = true
	optedOut := pendingRecipient("r-dne", "c-1", "dne@test.com")
	optedOut.Person.EmailPreference = domain.EmailDoNotEmail
	bounced := pendingRecipient("r-bounce", "c-1", "bounce@test.com")
	bounced.HasUnresolvedBounce = true

	for _, r := range []*domain.Recipient{
		pendingRecipient("r-ok", "c-1", "ok@test.com"),
		deceased,
		optedOut,
		bounced,
		pendingRecipient("r-bad", "c-1", "not-an-address"),
		pendingRecipient("r-refused", "c-1", "refused@test.com"),
		pendingRecipient("r-boom", "c-1", "boom@test.com"),
		pendingRecipient("r-panic", "c-1", "panic@test.com"),
		pendingRecipient("r-last", "c-1", "last@test.com"),
	} {
		h.repo.addRecipient(r)
	}

	h.transport.respond = func(msg *domain.ResolvedMessage) (*domain.SendResult, error) {
		switch msg.To {
		case "refused@test.com":
			return &domain.SendResult{Accepted: false, StatusCode: 400, StatusText: "Bad Request"}, nil
		case "boom@test.com":
			return nil, fmt.Errorf("send: %w", errors.New("connection reset"))
		case "panic@test.com":
			panic("provider client blew up")
		}
		return &domain.SendResult{Accepted: true, StatusCode: 202}, nil
	}

	if err := h.orch.SendBulk(context.Background(), "c-1", testMedium); err != nil {
		t.Fatalf("SendBulk: %v", err)
	}

	want := map[string]domain.RecipientStatus{
		"r-ok":      domain.RecipientDelivered,
		"r-dead":    domain.RecipientCancelled,
		"r-dne":     domain.RecipientCancelled,
		"r-bounce":  domain.RecipientCancelled,
		"r-bad":     domain.RecipientFailed,
		"r-refused": domain.RecipientFailed,
		"r-boom":    domain.RecipientFailed,
		"r-panic":   domain.RecipientFailed,
		"r-last":    domain.RecipientDelivered,
	}
	for id, status := range want {
		if got := h.repo.recipient(id).Status; got != status {
			t.Errorf("%s: status = %q, want %q", id, got, status)
		}
	}

	if note := h.repo.recipient("r-refused").StatusNote; note != "Bad Request" {
		t.Errorf("refusal note = %q", note)
	}
	if note := h.repo.recipient("r-boom").StatusNote; note != "Exception: send => connection reset" {
		t.Errorf("exception note = %q", note)
	}
	if note := h.repo.recipient("r-dead").StatusNote; note != dispatch.ReasonDeceased {
		t.Errorf("cancel note = %q", note)
	}
	if !strings.HasPrefix(h.repo.recipient("r-panic").StatusNote, "Exception: ") {
		t.Errorf("panic note = %q", h.repo.recipient("r-panic").StatusNote)
	}
	// Cancelled and malformed recipients never reach the transport.
	if n := h.transport.count(); n != 5 {
		t.Errorf("transport invoked %d times, want 5", n)
	}
	if len(h.history.entries) != 2 {
		t.Errorf("history entries = %d, want 2", len(h.history.entries))
	}
}

func TestSendBulkInvalidFromFailsRecipient(t *testing.T) {
	h := newHarness(domain.SendContext{OrgEmail: orgEmail})
	comm := approved("c-1")
	comm.FromEmail = "invalidEmailAddress"
	h.repo.addComm(comm)
	h.repo.addRecipient(pendingRecipient("r-1", "c-1", "test@test.com"))

	if err := h.orch.SendBulk(context.Background(), "c-1", testMedium); err != nil {
		t.Fatalf("SendBulk: %v", err)
	}
	if h.transport.count() != 0 {
		t.Error("transport invoked")
	}
	if r := h.repo.recipient("r-1"); r.Status != domain.RecipientFailed {
		t.Errorf("status = %q, want failed", r.Status)
	}
}

func TestSendBulkHistoryFailureKeepsDelivered(t *testing.T) {
	h := newHarness(domain.SendContext{OrgEmail: orgEmail})
	h.history.err = errors.New("history store down")
	h.repo.addComm(approved("c-1"))
	h.repo.addRecipient(pendingRecipient("r-1", "c-1", "test@test.com"))

	if err := h.orch.SendBulk(context.Background(), "c-1", testMedium); err != nil {
		t.Fatalf("SendBulk: %v", err)
	}
	if r := h.repo.recipient("r-1"); r.Status != domain.RecipientDelivered {
		t.Errorf("status = %q, want delivered", r.Status)
	}
}

func TestSendBulkPanickingSinksKeepDelivered(t *testing.T) {
	h := newHarness(domain.SendContext{OrgEmail: orgEmail})
	h.history.panics = true
	h.publisher.panics = true
	h.repo.addComm(approved("c-1"))
	h.repo.addRecipient(pendingRecipient("r-1", "c-1", "test@test.com"))
	h.repo.addRecipient(pendingRecipient("r-2", "c-1", "other@test.com"))

	if err := h.orch.SendBulk(context.Background(), "c-1", testMedium); err != nil {
		t.Fatalf("SendBulk: %v", err)
	}
	if c := h.transport.count(); c != 2 {
		t.Fatalf("transport invoked %d times, want 2", c)
	}
	for _, id := range []string{"r-1", "r-2"} {
		r := h.repo.recipient(id)
		if r.Status != domain.RecipientDelivered {
			t.Errorf("%s status = %q (note %q), want delivered", id, r.Status, r.StatusNote)
		}
	}
}

type panickingObserver struct{}

func (panickingObserver) ObserveRecipient(string, domain.RecipientStatus) {
	panic("metrics backend blew up")
}

func TestSendBulkPanicAfterStoredOutcomeKeepsIt(t *testing.T) {
	h := newHarness(domain.SendContext{OrgEmail: orgEmail})
	h.orch = dispatch.NewOrchestrator(dispatch.Deps{
		Communications: h.repo,
		Claims:         h.repo,
		Recipients:     h.repo,
		Transports:     h.transport,
		Builder:        newBuilder(domain.SendContext{OrgEmail: orgEmail}),
		Recorder:       dispatch.NewRecorder(h.repo, h.history, h.publisher, panickingObserver{}),
	})
	h.repo.addComm(approved("c-1"))
	h.repo.addRecipient(pendingRecipient("r-1", "c-1", "test@test.com"))

	if err := h.orch.SendBulk(context.Background(), "c-1", testMedium); err != nil {
		t.Fatalf("SendBulk: %v", err)
	}
	if r := h.repo.recipient("r-1"); r.Status != domain.RecipientDelivered {
		t.Errorf("status = %q (note %q), want delivered", r.Status, r.StatusNote)
	}
}

func TestSendBulkConcurrentWorkersNeverDoubleSend(t *testing.T) {
	h := newHarness(domain.SendContext{OrgEmail: orgEmail})
	h.repo.addComm(approved("c-1"))
	const n = 50
	for i := 0; i < n; i++ {
		h.repo.addRecipient(pendingRecipient(fmt.Sprintf("r-%02d", i), "c-1", fmt.Sprintf("user%d@test.com", i)))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.orch.SendBulk(context.Background(), "c-1", testMedium); err != nil {
				t.Errorf("SendBulk: %v", err)
			}
		}()
	}
	wg.Wait()

	if c := h.transport.count(); c != n {
		t.Fatalf("transport invoked %d times, want %d", c, n)
	}
	seen := make(map[string]bool, n)
	for _, msg := range h.transport.sent {
		if seen[msg.To] {
			t.Errorf("%s sent twice", msg.To)
		}
		seen[msg.To] = true
	}
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		codes = append(codes, h.repo.recipient(fmt.Sprintf("r-%02d", i)).ResponseCode)
	}
	sort.Strings(codes)
	for i := 1; i < len(codes); i++ {
		if codes[i] == codes[i-1] {
			t.Errorf("response code %s issued twice", codes[i])
		}
	}
}

func TestSendDirect(t *testing.T) {
	h := newHarness(domain.SendContext{OrgEmail: orgEmail})
	h.transport.respond = func(msg *domain.ResolvedMessage) (*domain.SendResult, error) {
		if msg.To == "refused@test.com" {
			return &domain.SendResult{Accepted: false, StatusText: "Mailbox unavailable"}, nil
		}
		return &domain.SendResult{Accepted: true}, nil
	}
	comm := &domain.Communication{ID: "adhoc", Subject: "Hello"}
	targets := []dispatch.Target{
		target("one@test.com"),
		target("refused@test.com"),
		target("bad address"),
		target("two@test.com"),
	}

	errs := h.orch.SendDirect(context.Background(), comm, targets, true)
	if len(errs) != 2 {
		t.Fatalf("errors = %v, want 2", errs)
	}
	var te *dispatch.TransportError
	if !errors.As(errs[0], &te) || te.Note != "Mailbox unavailable" {
		t.Errorf("first error = %v", errs[0])
	}
	var ae *dispatch.AddressFormatError
	if !errors.As(errs[1], &ae) {
		t.Errorf("second error = %v", errs[1])
	}
	if n := h.transport.count(); n != 3 {
		t.Errorf("transport invoked %d times, want 3", n)
	}
	if len(h.publisher.recs) != 2 {
		t.Errorf("records = %d, want 2", len(h.publisher.recs))
	}
	for _, rec := range h.publisher.recs {
		if rec.RecipientGUID == "" {
			t.Error("record without correlation id")
		}
	}
}

func TestSendDirectMessageLevelErrorsAbort(t *testing.T) {
	tests := []struct {
		name string
		sc   domain.SendContext
		from string
		is   func(error) bool
	}{
		{
			name: "missing from",
			is: func(err error) bool {
				var ve *dispatch.ValidationError
				return errors.As(err, &ve) && ve.Message == dispatch.MissingFromMessage
			},
		},
		{
			name: "invalid from",
			sc:   domain.SendContext{OrgEmail: orgEmail},
			from: "invalidEmailAddress",
			is: func(err error) bool {
				var ae *dispatch.AddressFormatError
				return errors.As(err, &ae)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(tt.sc)
			comm := &domain.Communication{FromEmail: tt.from, Subject: "x"}
			errs := h.orch.SendDirect(context.Background(), comm,
				[]dispatch.Target{target("a@test.com"), target("b@test.com")}, false)
			if len(errs) != 1 || !tt.is(errs[0]) {
				t.Fatalf("errors = %v", errs)
			}
			if h.transport.count() != 0 {
				t.Error("transport invoked")
			}
		})
	}
}

func TestSendBulkUnknownTransport(t *testing.T) {
	h := newHarness(domain.SendContext{OrgEmail: orgEmail})
	comm := approved("c-1")
	comm.TransportName = "carrier-pigeon"
	h.repo.addComm(comm)
	h.repo.addRecipient(pendingRecipient("r-1", "c-1", "test@test.com"))

	err := h.orch.SendBulk(context.Background(), "c-1", testMedium)
	if !errors.Is(err, dispatch.ErrUnknownTransport) {
		t.Fatalf("err = %v, want ErrUnknownTransport", err)
	}
	if r := h.repo.recipient("r-1"); r.Status != domain.RecipientPending {
		t.Errorf("status = %q, want pending", r.Status)
	}
}
