package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/foreman/internal/adapter"
	"github.com/nidhogg/foreman/internal/memory"
	"github.com/nidhogg/foreman/internal/notify"
	"github.com/nidhogg/foreman/internal/queue"
	"go.uber.org/zap"
)

// captureRecorder collects audit records for assertions.
type captureRecorder struct {
	mu      sync.Mutex
	records []memory.Record
}

func (c *captureRecorder) Log(_ context.Context, r memory.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *captureRecorder) all() []memory.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]memory.Record, len(c.records))
	copy(out, c.records)
	return out
}

// fakeStore mirrors the conditional-transition semantics of the Postgres
// store in memory.
type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	entries map[string]*InboxEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:   make(map[string]*Task),
		entries: make(map[string]*InboxEntry),
	}
}

func (s *fakeStore) transition(id string, from []Status, mutate func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	for _, st := range from {
		if t.Status == st {
			mutate(t)
			t.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrInvalidTransition
}

func (s *fakeStore) InsertTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *fakeStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) MarkQueued(_ context.Context, id string, from ...Status) error {
	return s.transition(id, from, func(t *Task) {
		t.Status = StatusQueued
		t.DelayedUntil = nil
		t.WorkerID = ""
		t.LeaseExpiresAt = nil
	})
}

func (s *fakeStore) MarkRejected(_ context.Context, id, reason string) error {
	return s.transition(id, []Status{StatusPending, StatusQueued}, func(t *Task) {
		t.Status = StatusRejected
		t.ErrorDetail = reason
	})
}

func (s *fakeStore) MarkDelayed(_ context.Context, id string, until time.Time, fallback Fallback) error {
	return s.transition(id, []Status{StatusPending, StatusQueued}, func(t *Task) {
		t.Status = StatusDelayed
		t.DelayedUntil = &until
		t.DelayFallback = fallback
	})
}

func (s *fakeStore) ClaimRunning(_ context.Context, id, workerID string, lease time.Duration) (*Task, error) {
	expires := time.Now().Add(lease)
	err := s.transition(id, []Status{StatusQueued}, func(t *Task) {
		t.Status = StatusRunning
		t.WorkerID = workerID
		t.LeaseExpiresAt = &expires
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(context.Background(), id)
}

func (s *fakeStore) ExtendLease(_ context.Context, id, workerID string, lease time.Duration) error {
	expires := time.Now().Add(lease)
	return s.transition(id, []Status{StatusRunning}, func(t *Task) {
		t.LeaseExpiresAt = &expires
	})
}

func (s *fakeStore) MarkSucceeded(_ context.Context, id string, result map[string]any) error {
	return s.transition(id, []Status{StatusRunning}, func(t *Task) {
		t.Status = StatusSucceeded
		t.Result = result
	})
}

func (s *fakeStore) MarkFailed(_ context.Context, id, errDetail string) error {
	return s.transition(id, []Status{StatusRunning}, func(t *Task) {
		t.Status = StatusFailed
		t.ErrorDetail = errDetail
	})
}

func (s *fakeStore) RetryFailed(_ context.Context, id string) error {
	return s.transition(id, []Status{StatusFailed}, func(t *Task) {
		t.Status = StatusQueued
		t.RetryCount++
	})
}

func (s *fakeStore) MarkEscalated(_ context.Context, id string) error {
	return s.transition(id, []Status{StatusFailed}, func(t *Task) {
		t.Status = StatusEscalated
	})
}

func (s *fakeStore) ResolveEscalated(_ context.Context, id string, result map[string]any) error {
	return s.transition(id, []Status{StatusEscalated}, func(t *Task) {
		t.Status = StatusSucceeded
		t.Result = result
	})
}

func (s *fakeStore) RequestCancel(_ context.Context, id string) error {
	return s.transition(id, []Status{StatusQueued, StatusRunning}, func(t *Task) {
		t.CancelRequested = true
	})
}

func (s *fakeStore) CancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	return t.CancelRequested, nil
}

func (s *fakeStore) OpenInboxEntry(_ context.Context, e *InboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	cp := *e
	s.entries[e.TaskID] = &cp
	return nil
}

func (s *fakeStore) ResolveInboxEntry(_ context.Context, taskID, decision string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok || e.Resolved {
		return ErrInvalidTransition
	}
	e.Resolved = true
	e.Decision = decision
	return nil
}

func newTestEngine(opts Options) (*Engine, *fakeStore, *queue.MemoryQueue) {
	st := newFakeStore()
	q := queue.NewMemoryQueue(64)
	e := NewEngine(st, q, notify.NewHub(zap.NewNop()), opts, zap.NewNop())
	return e, st, q
}

// waitForStatus polls until the task reaches the wanted status, promoting
// delayed queue entries so backoff retries redeliver promptly.
func waitForStatus(t *testing.T, st *fakeStore, q *queue.MemoryQueue, id string, want Status) *Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if q != nil {
			q.PromoteDue(context.Background())
		}
		got, err := st.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := st.GetTask(context.Background(), id)
	t.Fatalf("task %s got status %q, want %q", id, got.Status, want)
	return nil
}

func fastOptions() Options {
	return Options{
		WorkerCount:    2,
		MaxRetries:     3,
		BackoffBase:    time.Millisecond,
		HandlerTimeout: time.Second,
		Lease:          time.Second,
		Heartbeat:      10 * time.Millisecond,
	}
}

func TestSubmitUnknownType(t *testing.T) {
	e, _, _ := newTestEngine(fastOptions())
	_, err := e.Submit(context.Background(), "nope", nil, OriginUser, SubmitOptions{})
	if !errors.Is(err, ErrUnknownTaskType) {
		t.Fatalf("got %v, want ErrUnknownTaskType", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	e, _, _ := newTestEngine(fastOptions())
	if err := e.Register("echo", EchoHandler()); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := e.Register("echo", EchoHandler()); !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("got %v, want ErrDuplicateRegistration", err)
	}
}

func TestEchoTaskSucceeds(t *testing.T) {
	e, st, q := newTestEngine(fastOptions())
	e.Register("echo", EchoHandler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.RunWorkers(ctx)

	submitted, err := e.Submit(ctx, "echo", map[string]any{"msg": "hi"}, OriginUser, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := waitForStatus(t, st, q, submitted.ID, StatusSucceeded)
	if done.Result["msg"] != "hi" {
		t.Errorf("got result %v, want msg=hi", done.Result)
	}
	if done.RetryCount != 0 {
		t.Errorf("got retry count %d, want 0", done.RetryCount)
	}
}

func TestFlakyHandlerRetriesThenSucceeds(t *testing.T) {
	e, st, q := newTestEngine(fastOptions())

	var mu sync.Mutex
	attempts := 0
	e.Register("flaky", HandlerFunc(func(_ context.Context, tc *Context) (map[string]any, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts <= 2 {
			return nil, fmt.Errorf("transient outage %d", attempts)
		}
		return map[string]any{"ok": true}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.RunWorkers(ctx)

	submitted, _ := e.Submit(ctx, "flaky", nil, OriginUser, SubmitOptions{})
	done := waitForStatus(t, st, q, submitted.ID, StatusSucceeded)
	if done.RetryCount != 2 {
		t.Errorf("got retry count %d, want 2", done.RetryCount)
	}
}

func TestRetryBudgetExhaustedEscalates(t *testing.T) {
	opts := fastOptions()
	opts.MaxRetries = 2
	e, st, q := newTestEngine(opts)
	e.Register("broken", HandlerFunc(func(context.Context, *Context) (map[string]any, error) {
		return nil, fmt.Errorf("always down")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.RunWorkers(ctx)

	submitted, _ := e.Submit(ctx, "broken", nil, OriginUser, SubmitOptions{})
	done := waitForStatus(t, st, q, submitted.ID, StatusEscalated)
	if done.RetryCount != 2 {
		t.Errorf("got retry count %d, want 2", done.RetryCount)
	}
}

func TestRejectedErrorEscalatesWithoutRetry(t *testing.T) {
	e, st, q := newTestEngine(fastOptions())
	e.Register("bad-input", HandlerFunc(func(context.Context, *Context) (map[string]any, error) {
		return nil, fmt.Errorf("%w: malformed payload", adapter.ErrRejected)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.RunWorkers(ctx)

	submitted, _ := e.Submit(ctx, "bad-input", nil, OriginUser, SubmitOptions{})
	done := waitForStatus(t, st, q, submitted.ID, StatusEscalated)
	if done.RetryCount != 0 {
		t.Errorf("got retry count %d, want 0 for rejected error", done.RetryCount)
	}
}

func TestApprovalRequiredNeverRunsBeforeApprove(t *testing.T) {
	e, st, q := newTestEngine(fastOptions())

	var ran sync.Map
	e.Register("guarded", HandlerFunc(func(_ context.Context, tc *Context) (map[string]any, error) {
		ran.Store(tc.Task.ID, true)
		return map[string]any{"done": true}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.RunWorkers(ctx)

	submitted, err := e.Submit(ctx, "guarded", nil, OriginUser, SubmitOptions{RequiresApproval: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Status != StatusPending {
		t.Fatalf("got status %q, want pending", submitted.Status)
	}
	if st.entries[submitted.ID] == nil {
		t.Fatal("expected an inbox entry for approval-required task")
	}

	time.Sleep(50 * time.Millisecond)
	if _, executed := ran.Load(submitted.ID); executed {
		t.Fatal("handler ran before approval")
	}

	if err := e.Approve(ctx, submitted.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	waitForStatus(t, st, q, submitted.ID, StatusSucceeded)
}

func TestRejectIsPermanent(t *testing.T) {
	e, st, _ := newTestEngine(fastOptions())
	e.Register("guarded", EchoHandler())

	ctx := context.Background()
	submitted, _ := e.Submit(ctx, "guarded", nil, OriginUser, SubmitOptions{RequiresApproval: true})

	if err := e.Reject(ctx, submitted.ID, "not needed"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, _ := st.GetTask(ctx, submitted.ID)
	if got.Status != StatusRejected {
		t.Fatalf("got status %q, want rejected", got.Status)
	}

	if err := e.Approve(ctx, submitted.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("approve after reject got %v, want ErrInvalidTransition", err)
	}
}

func TestCancelQueuedTaskNeverExecutes(t *testing.T) {
	e, st, q := newTestEngine(fastOptions())

	var ran sync.Map
	e.Register("slow", HandlerFunc(func(_ context.Context, tc *Context) (map[string]any, error) {
		ran.Store(tc.Task.ID, true)
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel lands before any worker starts.
	submitted, _ := e.Submit(ctx, "slow", nil, OriginUser, SubmitOptions{})
	if err := e.Cancel(ctx, submitted.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	go e.RunWorkers(ctx)
	done := waitForStatus(t, st, q, submitted.ID, StatusFailed)
	if done.ErrorDetail != ErrCancelled.Error() {
		t.Errorf("got error detail %q, want %q", done.ErrorDetail, ErrCancelled.Error())
	}
	if _, executed := ran.Load(submitted.ID); executed {
		t.Error("handler ran despite cancellation")
	}
}

func TestDeciderClosesEscalation(t *testing.T) {
	opts := fastOptions()
	opts.MaxRetries = 1
	e, st, q := newTestEngine(opts)
	e.SetDecider(&RuleDecider{Default: ActionCloseResolved})
	e.Register("broken", HandlerFunc(func(context.Context, *Context) (map[string]any, error) {
		return nil, fmt.Errorf("always down")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.RunWorkers(ctx)

	submitted, _ := e.Submit(ctx, "broken", nil, OriginUser, SubmitOptions{})
	done := waitForStatus(t, st, q, submitted.ID, StatusSucceeded)
	if done.Result["resolved_by"] != "decider" {
		t.Errorf("got result %v, want resolved_by=decider", done.Result)
	}
}

func TestConfiguredDefaultFallback(t *testing.T) {
	opts := fastOptions()
	opts.DefaultFallback = FallbackAutoRun
	e, st, _ := newTestEngine(opts)
	e.Register("guarded", EchoHandler())
	ctx := context.Background()

	// An approval entry without an explicit fallback inherits the default.
	submitted, err := e.Submit(ctx, "guarded", nil, OriginUser, SubmitOptions{RequiresApproval: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	entry := st.entries[submitted.ID]
	if entry == nil {
		t.Fatal("expected an inbox entry")
	}
	if entry.Fallback != FallbackAutoRun {
		t.Errorf("got entry fallback %q, want the configured auto-run", entry.Fallback)
	}

	// So does a delay that names none.
	delayed, _ := e.Submit(ctx, "guarded", nil, OriginUser, SubmitOptions{})
	if err := e.Delay(ctx, delayed.ID, time.Now().Add(time.Hour), ""); err != nil {
		t.Fatalf("delay: %v", err)
	}
	got, _ := st.GetTask(ctx, delayed.ID)
	if got.DelayFallback != FallbackAutoRun {
		t.Errorf("got delay fallback %q, want the configured auto-run", got.DelayFallback)
	}
}

func TestDefaultFallbackIsEscalate(t *testing.T) {
	e, st, _ := newTestEngine(fastOptions())
	e.Register("guarded", EchoHandler())
	ctx := context.Background()

	submitted, _ := e.Submit(ctx, "guarded", nil, OriginUser, SubmitOptions{RequiresApproval: true})
	if got := st.entries[submitted.ID].Fallback; got != FallbackEscalate {
		t.Errorf("got entry fallback %q, want escalate", got)
	}
}

func TestTransitionRecordsCarryTaskType(t *testing.T) {
	e, _, _ := newTestEngine(fastOptions())
	audit := &captureRecorder{}
	e.SetAudit(audit)
	e.Register("echo", EchoHandler())
	ctx := context.Background()

	submitted, err := e.Submit(ctx, "echo", nil, OriginUser, SubmitOptions{RequiresApproval: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.Approve(ctx, submitted.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	records := audit.all()
	if len(records) != 2 {
		t.Fatalf("got %d records, want the submission and the approval", len(records))
	}
	for _, r := range records {
		if !containsString(r.Tags, "echo") {
			t.Errorf("record %q tags %v missing the task type", r.Content, r.Tags)
		}
	}
	if got := records[1].Tags; !containsString(got, string(StatusQueued)) {
		t.Errorf("approval record tags %v missing the queued status", got)
	}
}

func containsString(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

func TestDelayTransition(t *testing.T) {
	e, st, _ := newTestEngine(fastOptions())
	e.Register("echo", EchoHandler())

	ctx := context.Background()
	submitted, _ := e.Submit(ctx, "echo", nil, OriginUser, SubmitOptions{})

	until := time.Now().Add(time.Hour)
	if err := e.Delay(ctx, submitted.ID, until, FallbackAutoRun); err != nil {
		t.Fatalf("delay: %v", err)
	}
	got, _ := st.GetTask(ctx, submitted.ID)
	if got.Status != StatusDelayed {
		t.Fatalf("got status %q, want delayed", got.Status)
	}
	if got.DelayFallback != FallbackAutoRun {
		t.Errorf("got fallback %q, want auto-run", got.DelayFallback)
	}
}
