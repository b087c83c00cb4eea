// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/adiadia/op-distributor/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type statusCall struct {
	EventID string
	Status  domain.EventStatus
}

type fakeEvents struct {
	mu          sync.Mutex
	events      map[string]domain.Event
	order       []string
	fetchErr    error
	statusErr   error
	fetched     []string
	statusCalls []statusCall
}

func newFakeEvents(events ...domain.Event) *fakeEvents {
	f := &fakeEvents{events: make(map[string]domain.Event)}
	for _, ev := range events {
		f.events[ev.ID] = ev
		f.order = append(f.order, ev.ID)
	}
	return f
}

func (f *fakeEvents) FetchEvent(_ context.Context, id string) (domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetched = append(f.fetched, id)
	if f.fetchErr != nil {
		return domain.Event{}, f.fetchErr
	}
	ev, ok := f.events[id]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return ev, nil
}

// FetchPendingEvents returns every event unfiltered so tests can check that
// the engine skips non-pending ones itself.
func (f *fakeEvents) FetchPendingEvents(context.Context) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]domain.Event, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.events[id])
	}
	return out, nil
}

func (f *fakeEvents) SetStatus(_ context.Context, id string, status domain.EventStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls = append(f.statusCalls, statusCall{EventID: id, Status: status})
	if f.statusErr != nil {
		return f.statusErr
	}
	ev := f.events[id]
	ev.Status = status
	f.events[id] = ev
	return nil
}

func (f *fakeEvents) statusCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statusCalls)
}

type fakeResolver struct {
	recipients map[string]domain.Recipient
}

func (f *fakeResolver) Resolve(_ context.Context, token string) (domain.Recipient, error) {
	rec, ok := f.recipients[token]
	if !ok {
		return domain.Recipient{}, fmt.Errorf("%w: %q", domain.ErrUnresolved, token)
	}
	return rec, nil
}

// members maps every token to a member recipient with id "id-<token>".
func members(tokens ...string) map[string]domain.Recipient {
	out := make(map[string]domain.Recipient, len(tokens))
	for _, tok := range tokens {
		out[tok] = domain.Recipient{ID: "id-" + tok, Name: tok, IsMember: true}
	}
	return out
}

type grantCall struct {
	RecipientID string
	Points      int
}

type fakeRewards struct {
	mu      sync.Mutex
	calls   []grantCall
	fail    map[string]error
	onGrant func(n int, recipientID string)
}

func (f *fakeRewards) Grant(_ context.Context, recipientID string, points int) error {
	f.mu.Lock()
	f.calls = append(f.calls, grantCall{RecipientID: recipientID, Points: points})
	n := len(f.calls)
	err := f.fail[recipientID]
	hook := f.onGrant
	f.mu.Unlock()

	if hook != nil {
		hook(n, recipientID)
	}
	return err
}

func (f *fakeRewards) granted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.RecipientID)
	}
	return out
}

type memPauses struct {
	mu     sync.Mutex
	paused map[string]time.Time
	now    func() time.Time
}

func newMemPauses() *memPauses {
	return &memPauses{paused: make(map[string]time.Time), now: time.Now}
}

func (m *memPauses) Pause(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.paused[id]; ok {
		return false, nil
	}
	m.paused[id] = m.now()
	return true, nil
}

func (m *memPauses) Resume(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.paused[id]; !ok {
		return false, nil
	}
	delete(m.paused, id)
	return true, nil
}

func (m *memPauses) IsPaused(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.paused[id]
	return ok, nil
}

func (m *memPauses) PauseDuration(_ context.Context, id string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.paused[id]
	if !ok {
		return 0, nil
	}
	return m.now().Sub(at), nil
}

type memProgress struct {
	mu         sync.Mutex
	records    map[string]domain.ProgressRecord
	advanceErr error
	starts     int
}

func newMemProgress() *memProgress {
	return &memProgress{records: make(map[string]domain.ProgressRecord)}
}

func (m *memProgress) Start(_ context.Context, id string, dists []domain.Distribution) (domain.ProgressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[id]; ok {
		return cloneRecord(rec), nil
	}
	m.starts++
	rec := domain.ProgressRecord{
		EventID:       id,
		RunID:         uuid.New(),
		Distributions: dists,
		StartedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	m.records[id] = rec
	return cloneRecord(rec), nil
}

func (m *memProgress) Advance(_ context.Context, id string, cursor domain.Cursor, credited string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.advanceErr != nil {
		return m.advanceErr
	}
	rec, ok := m.records[id]
	if !ok {
		return domain.ErrProgressNotFound
	}
	rec.Cursor = cursor
	if credited != "" && !rec.HasCompleted(credited) {
		rec.CompletedRecipients = append(rec.CompletedRecipients, credited)
	}
	m.records[id] = rec
	return nil
}

func (m *memProgress) Get(_ context.Context, id string) (domain.ProgressRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return cloneRecord(rec), ok, nil
}

func (m *memProgress) Remove(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	delete(m.records, id)
	return ok, nil
}

func cloneRecord(rec domain.ProgressRecord) domain.ProgressRecord {
	rec.CompletedRecipients = append([]string(nil), rec.CompletedRecipients...)
	return rec
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes []domain.RecipientOutcome
	reports  []domain.RunReport
}

func (s *recordingSink) Emit(_ context.Context, o domain.RecipientOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
}

func (s *recordingSink) Report(_ context.Context, r domain.RunReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

type fakeNotifier struct {
	mu       sync.Mutex
	reports  []domain.RunReport
	onNotify func(domain.RunReport)
}

func (n *fakeNotifier) Notify(_ context.Context, r domain.RunReport) error {
	n.mu.Lock()
	n.reports = append(n.reports, r)
	hook := n.onNotify
	n.mu.Unlock()

	if hook != nil {
		hook(r)
	}
	return nil
}

type harness struct {
	engine   *Engine
	events   *fakeEvents
	resolver *fakeResolver
	rewards  *fakeRewards
	pauses   *memPauses
	progress *memProgress
	notifier *fakeNotifier

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, recipients map[string]domain.Recipient, events ...domain.Event) *harness {
	t.Helper()

	h := &harness{
		events:   newFakeEvents(events...),
		resolver: &fakeResolver{recipients: recipients},
		rewards:  &fakeRewards{fail: map[string]error{}},
		pauses:   newMemPauses(),
		progress: newMemProgress(),
		notifier: &fakeNotifier{},
	}

	e, err := New(Deps{
		Events:        h.events,
		Resolver:      h.resolver,
		Rewards:       h.rewards,
		Pauses:        h.pauses,
		Progress:      h.progress,
		Notifier:      h.notifier,
		Logger:        testLogger(),
		GrantDelay:    5 * time.Millisecond,
		EventCooldown: time.Second,
		Sleep:         h.sleep,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = e
	return h
}

func (h *harness) sleep(ctx context.Context, d time.Duration) error {
	h.mu.Lock()
	h.sleeps = append(h.sleeps, d)
	h.mu.Unlock()
	return ctx.Err()
}

func pendingEvent(id string, dists ...domain.Distribution) domain.Event {
	return domain.Event{
		ID:            id,
		Title:         "Event " + id,
		Requestor:     "host",
		Status:        domain.EventPending,
		Distributions: dists,
	}
}

func dist(points int, tokens ...string) domain.Distribution {
	return domain.Distribution{Points: points, Recipients: tokens}
}
