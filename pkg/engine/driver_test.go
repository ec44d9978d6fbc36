package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// memStore is an in-memory RecordStore.
type memStore struct {
	mu      sync.Mutex
	records map[string]ProvisioningRecord
	puts    []ProvisioningRecord
	failPut bool
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]ProvisioningRecord)}
}

func (s *memStore) Get(ctx context.Context, key string) (*ProvisioningRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memStore) Put(ctx context.Context, record *ProvisioningRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errors.New("disk full")
	}
	s.records[record.IdempotencyKey] = *record
	s.puts = append(s.puts, *record)
	return nil
}

func (s *memStore) byName(name string) *ProvisioningRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.DisplayName == name {
			r := rec
			return &r
		}
	}
	return nil
}

// mockCreator returns scripted outcomes per display name and records calls.
type mockCreator struct {
	mu       sync.Mutex
	outcomes map[string]CreationOutcome
	lookups  map[string]string
	calls    []string
	parents  map[string]string
	delay    time.Duration

	inFlight    int32
	maxInFlight int32
}

func newMockCreator() *mockCreator {
	return &mockCreator{
		outcomes: make(map[string]CreationOutcome),
		lookups:  make(map[string]string),
		parents:  make(map[string]string),
	}
}

func (m *mockCreator) Create(ctx context.Context, spec *ResourceSpec, parentID string) CreationOutcome {
	n := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	for {
		prev := atomic.LoadInt32(&m.maxInFlight)
		if n <= prev || atomic.CompareAndSwapInt32(&m.maxInFlight, prev, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, spec.DisplayName)
	m.parents[spec.DisplayName] = parentID
	if out, ok := m.outcomes[spec.DisplayName]; ok {
		return out
	}
	return CreationOutcome{Status: CreationCreated, ResolvedID: "id-" + spec.DisplayName, HTTPStatus: 201, Attempts: 1}
}

func (m *mockCreator) Lookup(ctx context.Context, spec *ResourceSpec, parentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.lookups[spec.DisplayName]; ok {
		return id, nil
	}
	return "", NewClientError("not found", nil).WithCode(ErrCodeNotFound)
}

func (m *mockCreator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockPoller struct {
	outcome PollOutcome
	handles []*OperationHandle
	mu      sync.Mutex
}

func (p *mockPoller) Await(ctx context.Context, handle *OperationHandle) PollOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles = append(p.handles, handle)
	return p.outcome
}

type mockAuth struct {
	err   error
	calls int32
}

func (a *mockAuth) GetToken(ctx context.Context) (string, time.Time, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.err != nil {
		return "", time.Time{}, a.err
	}
	return "token", time.Now().Add(time.Hour), nil
}

type mockSummary struct {
	written []*RunSummary
	err     error
}

func (m *mockSummary) Write(ctx context.Context, summary *RunSummary) error {
	m.written = append(m.written, summary)
	return m.err
}

type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventPublisher) count(eventType EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type driverFixture struct {
	store   *memStore
	creator *mockCreator
	poller  *mockPoller
	auth    *mockAuth
	summary *mockSummary
	events  *mockEventPublisher
}

func newFixture() *driverFixture {
	return &driverFixture{
		store:   newMemStore(),
		creator: newMockCreator(),
		poller:  &mockPoller{},
		auth:    &mockAuth{},
		summary: &mockSummary{},
		events:  &mockEventPublisher{},
	}
}

func (f *driverFixture) driver(t *testing.T, opts DriverOptions) *Driver {
	t.Helper()
	d, err := NewDriver(DriverDeps{
		Auth:    f.auth,
		Creator: f.creator,
		Poller:  f.poller,
		Store:   f.store,
		Summary: f.summary,
		Events:  f.events,
	}, opts)
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	return d
}

// sampleCatalog is a workspace with a lakehouse and a warehouse.
func sampleCatalog() []ResourceSpec {
	return []ResourceSpec{
		ws("W"),
		child("W/D", KindDataContainer, "D", "W"),
		child("W/C", KindComputeContainer, "C", "W"),
	}
}

func outcomeOf(summary *RunSummary, id string) ResourceOutcome {
	for _, r := range summary.Resources {
		if r.ID == id {
			return r
		}
	}
	return ResourceOutcome{}
}

func TestNewDriver_RequiresCollaborators(t *testing.T) {
	if _, err := NewDriver(DriverDeps{}, DriverOptions{}); err == nil {
		t.Error("expected error without collaborators")
	}

	f := newFixture()
	_, err := NewDriver(DriverDeps{Creator: f.creator, Poller: f.poller, Store: f.store, Summary: f.summary}, DriverOptions{})
	if err == nil {
		t.Error("expected error without authenticator outside dry-run")
	}
	_, err = NewDriver(DriverDeps{Creator: f.creator, Poller: f.poller, Store: f.store, Summary: f.summary}, DriverOptions{DryRun: true})
	if err != nil {
		t.Errorf("dry-run should not need an authenticator: %v", err)
	}
}

func TestDriver_Run_AllCreated(t *testing.T) {
	f := newFixture()
	summary, err := f.driver(t, DriverOptions{Concurrency: 2, CatalogPath: "catalog.yaml"}).Run(context.Background(), sampleCatalog())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Status != RunStatusSucceeded {
		t.Errorf("status = %s, want succeeded", summary.Status)
	}
	if summary.Counts[StateSucceeded] != 3 {
		t.Errorf("counts = %v", summary.Counts)
	}
	if summary.ResourceRefs["W/D"] != "id-D" || summary.CatalogPath != "catalog.yaml" {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if len(f.summary.written) != 1 {
		t.Fatalf("expected one summary write, got %d", len(f.summary.written))
	}
	if summary.Resources[0].ID != "W" {
		t.Errorf("resources should be in parent-before-child order, got %s first", summary.Resources[0].ID)
	}

	// Children receive the resolved identifier of their parent.
	if f.creator.parents["D"] != "id-W" || f.creator.parents["W"] != "" {
		t.Errorf("unexpected parent ids: %v", f.creator.parents)
	}

	rec := f.store.byName("D")
	if rec == nil || rec.State != StateSucceeded || rec.ResolvedID != "id-D" || rec.CompletedAtUTC == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.ParentKey != f.store.byName("W").IdempotencyKey {
		t.Errorf("ParentKey = %s", rec.ParentKey)
	}

	// Every record is written pending first, then terminal.
	if len(f.store.puts) != 6 {
		t.Errorf("expected 6 record writes, got %d", len(f.store.puts))
	}
	if f.events.count(EventTypeRunStarted) != 1 || f.events.count(EventTypeRunCompleted) != 1 {
		t.Error("expected run start and completion events")
	}
	if f.auth.calls != 1 {
		t.Errorf("expected one token preflight, got %d", f.auth.calls)
	}
}

func TestDriver_Run_ReusesSucceededRecords(t *testing.T) {
	f := newFixture()
	if _, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog()); err != nil {
		t.Fatal(err)
	}
	first := f.creator.callCount()

	summary, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if f.creator.callCount() != first {
		t.Errorf("second run issued %d create calls", f.creator.callCount()-first)
	}
	if summary.Status != RunStatusSucceeded {
		t.Errorf("status = %s", summary.Status)
	}
	for _, r := range summary.Resources {
		if !r.Reused {
			t.Errorf("%s should be reused", r.ID)
		}
	}
	if f.events.count(EventTypeResourceReused) != 3 {
		t.Errorf("expected 3 reuse events, got %d", f.events.count(EventTypeResourceReused))
	}
}

func TestDriver_Run_AlreadyExistsResolvedByLookup(t *testing.T) {
	f := newFixture()
	f.creator.outcomes["W"] = CreationOutcome{Status: CreationAlreadyExists, HTTPStatus: 409}
	f.creator.lookups["W"] = "existing-ws"

	summary, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if got := outcomeOf(summary, "W"); got.State != StateSucceeded || got.ResolvedID != "existing-ws" || got.LastHTTPStatus != 409 {
		t.Errorf("unexpected outcome: %+v", got)
	}
	if f.creator.parents["D"] != "existing-ws" {
		t.Errorf("children should use the looked-up id, got %s", f.creator.parents["D"])
	}
}

func TestDriver_Run_AlreadyExistsLookupFails(t *testing.T) {
	f := newFixture()
	f.creator.outcomes["W"] = CreationOutcome{Status: CreationAlreadyExists, HTTPStatus: 409}

	summary, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog())
	if err != nil {
		t.Fatal(err)
	}
	got := outcomeOf(summary, "W")
	if got.State != StateFailed || got.Error == nil || got.Error.Class != ErrorClassConflict {
		t.Errorf("unexpected outcome: %+v", got)
	}
	if summary.Status != RunStatusFailed {
		t.Errorf("status = %s, want failed", summary.Status)
	}
}

func TestDriver_Run_AcceptedIsPolled(t *testing.T) {
	f := newFixture()
	handle := &OperationHandle{OperationURL: "https://api/operations/1"}
	f.creator.outcomes["D"] = CreationOutcome{Status: CreationAccepted, HTTPStatus: 202, Handle: handle}
	f.poller.outcome = PollOutcome{State: StateSucceeded, ResolvedID: "lh-1", HTTPStatus: 200}

	summary, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if got := outcomeOf(summary, "W/D"); got.State != StateSucceeded || got.ResolvedID != "lh-1" {
		t.Errorf("unexpected outcome: %+v", got)
	}
	if len(f.poller.handles) != 1 || f.poller.handles[0] != handle {
		t.Errorf("poller did not receive the handle: %+v", f.poller.handles)
	}
	if f.events.count(EventTypeResourceAccepted) != 1 {
		t.Error("expected an accepted event")
	}
}

func TestDriver_Run_PollTimeout(t *testing.T) {
	f := newFixture()
	f.creator.outcomes["D"] = CreationOutcome{Status: CreationAccepted, HTTPStatus: 202, Handle: &OperationHandle{}}
	f.poller.outcome = PollOutcome{State: StateTimedOut, Reason: "poll budget exhausted"}

	summary, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog())
	if err != nil {
		t.Fatal(err)
	}
	got := outcomeOf(summary, "W/D")
	if got.State != StateTimedOut || got.Error.Class != ErrorClassTimedOut {
		t.Errorf("unexpected outcome: %+v", got)
	}
	if summary.Status != RunStatusPartial {
		t.Errorf("optional child timing out should give partial, got %s", summary.Status)
	}
	if rec := f.store.byName("D"); rec.State != StateTimedOut {
		t.Errorf("record state = %s", rec.State)
	}
}

func TestDriver_Run_ParentFailureSkipsChildren(t *testing.T) {
	f := newFixture()
	f.creator.outcomes["W"] = CreationOutcome{
		Status: CreationFailed, HTTPStatus: 400,
		Err: NewClientError("invalid capacity", nil).WithCode(ErrCodeValidation),
	}

	summary, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Status != RunStatusFailed {
		t.Errorf("status = %s, want failed", summary.Status)
	}
	if summary.Counts[StateFailed] != 1 || summary.Counts[StateSkipped] != 2 {
		t.Errorf("counts = %v", summary.Counts)
	}
	for _, id := range []string{"W/D", "W/C"} {
		got := outcomeOf(summary, id)
		if got.Error == nil || got.Error.Class != ErrorClassDependency {
			t.Errorf("%s: unexpected outcome %+v", id, got)
		}
	}
	if f.creator.callCount() != 1 {
		t.Errorf("children must not be attempted, got %d calls", f.creator.callCount())
	}
	if f.store.byName("D") != nil {
		t.Error("skipped resources must not be persisted")
	}
	if rec := f.store.byName("W"); rec.State != StateFailed || rec.LastHTTPStatus != 400 || rec.Error.Code != ErrCodeValidation {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestDriver_Run_RequiredChildFailureFailsRun(t *testing.T) {
	f := newFixture()
	f.creator.outcomes["C"] = CreationOutcome{Status: CreationFailed, HTTPStatus: 500, Err: NewServerError("boom", nil)}

	resources := sampleCatalog()
	resources[2].Required = true

	summary, err := f.driver(t, DriverOptions{}).Run(context.Background(), resources)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Status != RunStatusFailed {
		t.Errorf("status = %s, want failed", summary.Status)
	}
	if outcomeOf(summary, "W/D").State != StateSucceeded {
		t.Error("sibling should be unaffected")
	}
}

func TestDriver_Run_FailedRecordNeedsForce(t *testing.T) {
	f := newFixture()
	f.creator.outcomes["D"] = CreationOutcome{Status: CreationFailed, HTTPStatus: 400, Err: NewClientError("bad", nil)}
	if _, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog()); err != nil {
		t.Fatal(err)
	}
	delete(f.creator.outcomes, "D")

	summary, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if got := outcomeOf(summary, "W/D"); got.State != StateFailed || !got.Reused {
		t.Errorf("failed record should be carried forward: %+v", got)
	}

	summary, err = f.driver(t, DriverOptions{Force: true}).Run(context.Background(), sampleCatalog())
	if err != nil {
		t.Fatal(err)
	}
	got := outcomeOf(summary, "W/D")
	if got.State != StateSucceeded || got.Attempts != 2 {
		t.Errorf("forced retry should succeed on attempt 2: %+v", got)
	}
	if !summary.Forced {
		t.Error("summary should record force")
	}
	if rec := f.store.byName("D"); rec.Error != nil || rec.Attempts != 2 {
		t.Errorf("unexpected record after retry: %+v", rec)
	}
}

func TestDriver_Run_PendingRecordIsRetried(t *testing.T) {
	f := newFixture()
	resources := sampleCatalog()
	graph, _ := NewDAGBuilder().BuildGraph(resources)
	AssignIdempotencyKeys(resources, graph)

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = f.store.Put(context.Background(), &ProvisioningRecord{
		IdempotencyKey: resources[0].IdempotencyKey,
		Kind:           KindWorkspace,
		DisplayName:    "W",
		State:          StatePending,
		Attempts:       1,
		CreatedAtUTC:   created,
	})

	summary, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if got := outcomeOf(summary, "W"); got.State != StateSucceeded || got.Attempts != 2 {
		t.Errorf("pending record should be retried: %+v", got)
	}
	if rec := f.store.byName("W"); !rec.CreatedAtUTC.Equal(created) {
		t.Errorf("CreatedAtUTC should be preserved, got %v", rec.CreatedAtUTC)
	}
}

func TestDriver_Run_AuthPreflightFailure(t *testing.T) {
	f := newFixture()
	f.auth.err = NewAuthError("invalid client secret", nil)

	summary, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog())
	if !IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if summary == nil || summary.Status != RunStatusFailed || summary.Error == "" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Counts[StateSkipped] != 3 {
		t.Errorf("counts = %v", summary.Counts)
	}
	if f.creator.callCount() != 0 {
		t.Error("no resource should be attempted")
	}
	if len(f.summary.written) != 1 {
		t.Error("summary should still be written")
	}
}

func TestDriver_Run_InvalidCatalog(t *testing.T) {
	f := newFixture()
	resources := []ResourceSpec{child("lh", KindDataContainer, "lh", "")}

	if _, err := f.driver(t, DriverOptions{}).Run(context.Background(), resources); err == nil {
		t.Fatal("expected validation error")
	}
	if len(f.summary.written) != 0 || f.creator.callCount() != 0 {
		t.Error("an invalid catalog must not start a run")
	}
}

func TestDriver_Run_Cancelled(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.driver(t, DriverOptions{}).Run(ctx, sampleCatalog())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Status != RunStatusCancelled {
		t.Errorf("status = %s, want cancelled", summary.Status)
	}
	if summary.Counts[StateCancelled] != 3 {
		t.Errorf("counts = %v", summary.Counts)
	}
	if f.creator.callCount() != 0 {
		t.Error("no resource should be attempted after cancellation")
	}
	if len(f.summary.written) != 1 {
		t.Error("summary should be written on cancellation")
	}
}

func TestDriver_Run_BoundedConcurrency(t *testing.T) {
	f := newFixture()
	f.creator.delay = 20 * time.Millisecond

	var resources []ResourceSpec
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		resources = append(resources, ws(name))
	}

	summary, err := f.driver(t, DriverOptions{Concurrency: 2}).Run(context.Background(), resources)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Counts[StateSucceeded] != 6 {
		t.Errorf("counts = %v", summary.Counts)
	}
	if peak := atomic.LoadInt32(&f.creator.maxInFlight); peak > 2 {
		t.Errorf("observed %d concurrent creations, limit is 2", peak)
	}
}

func TestDriver_Run_DryRun(t *testing.T) {
	f := newFixture()
	d, err := NewDriver(DriverDeps{
		Creator: f.creator,
		Poller:  f.poller,
		Store:   f.store,
		Summary: f.summary,
	}, DriverOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := d.Run(context.Background(), sampleCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Status != RunStatusSucceeded || !summary.DryRun {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if len(f.store.puts) != 0 {
		t.Errorf("dry run wrote %d records", len(f.store.puts))
	}
}

func TestDriver_Run_StoreFailure(t *testing.T) {
	f := newFixture()
	f.store.failPut = true

	summary, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog())
	if err != nil {
		t.Fatal(err)
	}
	got := outcomeOf(summary, "W")
	if got.State != StateFailed || got.Error.Code != ErrCodeStore {
		t.Errorf("unexpected outcome: %+v", got)
	}
	if f.creator.callCount() != 0 {
		t.Error("no create call may be issued before the pending record is durable")
	}
}

func TestDriver_Run_SummaryWriteFailure(t *testing.T) {
	f := newFixture()
	f.summary.err = errors.New("read-only file system")

	summary, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog())
	if err == nil {
		t.Fatal("expected summary write error")
	}
	if summary == nil || summary.Status != RunStatusSucceeded {
		t.Errorf("summary should still be returned: %+v", summary)
	}
}

func TestDriver_Run_MissingResolvedID(t *testing.T) {
	f := newFixture()
	f.creator.outcomes["C"] = CreationOutcome{Status: CreationCreated, HTTPStatus: 201}

	summary, err := f.driver(t, DriverOptions{}).Run(context.Background(), sampleCatalog())
	if err != nil {
		t.Fatal(err)
	}
	if got := outcomeOf(summary, "W/C"); got.State != StateFailed || got.Error.Code != ErrCodeNotFound {
		t.Errorf("unexpected outcome: %+v", got)
	}
}
