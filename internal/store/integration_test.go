//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/foreman/internal/memory"
	"github.com/nidhogg/foreman/internal/task"
)

var testStore *Store

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("foreman_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		panic("start postgres: " + err.Error())
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		panic("pg connection string: " + err.Error())
	}

	testStore, err = New(dsn, zap.NewNop())
	if err != nil {
		container.Terminate(ctx)
		panic("connect store: " + err.Error())
	}
	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		container.Terminate(ctx)
		panic("migrate: " + err.Error())
	}

	code := m.Run()
	testStore.Close()
	container.Terminate(ctx)
	os.Exit(code)
}

func insertQueued(t *testing.T, typeName string) *task.Task {
	t.Helper()
	tk := &task.Task{
		Type:   typeName,
		Status: task.StatusQueued,
		Input:  map[string]any{"n": 1},
		Origin: task.OriginUser,
	}
	if err := testStore.InsertTask(context.Background(), tk); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return tk
}

func TestTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	tk := &task.Task{
		Type:             "echo",
		Status:           task.StatusPending,
		Input:            map[string]any{"msg": "hi"},
		Origin:           task.OriginUser,
		Tags:             []string{"smoke"},
		RequiresApproval: true,
	}
	if err := testStore.InsertTask(ctx, tk); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := testStore.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusPending || got.Type != "echo" || !got.RequiresApproval {
		t.Errorf("got %+v, want the inserted task back", got)
	}
	if got.Input["msg"] != "hi" {
		t.Errorf("got input %v, want msg=hi", got.Input)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "smoke" {
		t.Errorf("got tags %v, want [smoke]", got.Tags)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	_, err := testStore.GetTask(context.Background(), "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	tk := insertQueued(t, "claim-test")

	claimed, err := testStore.ClaimRunning(ctx, tk.ID, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if claimed.Status != task.StatusRunning || claimed.WorkerID != "worker-1" {
		t.Errorf("got %+v, want running under worker-1", claimed)
	}

	if _, err := testStore.ClaimRunning(ctx, tk.ID, "worker-2", time.Minute); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("second claim: got %v, want ErrInvalidTransition", err)
	}
}

func TestSuccessPath(t *testing.T) {
	ctx := context.Background()
	tk := insertQueued(t, "success-test")

	if _, err := testStore.ClaimRunning(ctx, tk.ID, "w", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := testStore.MarkSucceeded(ctx, tk.ID, map[string]any{"out": 42}); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	got, _ := testStore.GetTask(ctx, tk.ID)
	if got.Status != task.StatusSucceeded {
		t.Errorf("got status %q, want succeeded", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	// Terminal: no further transitions.
	if err := testStore.MarkFailed(ctx, tk.ID, "late"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition on terminal task", err)
	}
}

func TestRetryThenEscalate(t *testing.T) {
	ctx := context.Background()
	tk := insertQueued(t, "retry-test")

	if _, err := testStore.ClaimRunning(ctx, tk.ID, "w", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := testStore.MarkFailed(ctx, tk.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := testStore.RetryFailed(ctx, tk.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got, _ := testStore.GetTask(ctx, tk.ID)
	if got.Status != task.StatusQueued || got.RetryCount != 1 {
		t.Errorf("got status=%q retries=%d, want queued with 1 retry", got.Status, got.RetryCount)
	}

	if _, err := testStore.ClaimRunning(ctx, tk.ID, "w", time.Minute); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if err := testStore.MarkFailed(ctx, tk.ID, "boom again"); err != nil {
		t.Fatalf("fail again: %v", err)
	}
	if err := testStore.MarkEscalated(ctx, tk.ID); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if err := testStore.ResolveEscalated(ctx, tk.ID, map[string]any{"resolved_by": "human"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, _ = testStore.GetTask(ctx, tk.ID)
	if got.Status != task.StatusSucceeded {
		t.Errorf("got status %q, want succeeded after resolution", got.Status)
	}
}

func TestDelayAndClaimDue(t *testing.T) {
	ctx := context.Background()
	tk := insertQueued(t, "delay-test")

	until := time.Now().Add(-time.Second) // already due
	if err := testStore.MarkDelayed(ctx, tk.ID, until, task.FallbackAutoRun); err != nil {
		t.Fatalf("delay: %v", err)
	}

	due, err := testStore.ClaimDueDelayed(ctx, time.Now())
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	var found *task.Task
	for _, d := range due {
		if d.ID == tk.ID {
			found = d
		}
	}
	if found == nil {
		t.Fatalf("task %s not claimed as due", tk.ID)
	}
	if found.DelayFallback != task.FallbackAutoRun {
		t.Errorf("got fallback %q, want auto-run", found.DelayFallback)
	}

	// A second sweep must not see it again.
	due, err = testStore.ClaimDueDelayed(ctx, time.Now())
	if err != nil {
		t.Fatalf("second claim due: %v", err)
	}
	for _, d := range due {
		if d.ID == tk.ID {
			t.Error("task claimed twice")
		}
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	tk := insertQueued(t, "lease-test")

	if _, err := testStore.ClaimRunning(ctx, tk.ID, "dead-worker", time.Millisecond); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	recovered, err := testStore.RequeueExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	var found bool
	for _, r := range recovered {
		if r.ID == tk.ID {
			found = true
			if r.WorkerID != "" {
				t.Errorf("got worker %q, want cleared", r.WorkerID)
			}
		}
	}
	if !found {
		t.Fatal("expired task not recovered")
	}

	got, _ := testStore.GetTask(ctx, tk.ID)
	if got.Status != task.StatusQueued {
		t.Errorf("got status %q, want queued", got.Status)
	}
}

func TestExtendLeaseRequiresOwner(t *testing.T) {
	ctx := context.Background()
	tk := insertQueued(t, "lease-owner-test")

	if _, err := testStore.ClaimRunning(ctx, tk.ID, "owner", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := testStore.ExtendLease(ctx, tk.ID, "owner", time.Minute); err != nil {
		t.Fatalf("extend by owner: %v", err)
	}
	if err := testStore.ExtendLease(ctx, tk.ID, "impostor", time.Minute); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("extend by impostor: got %v, want ErrInvalidTransition", err)
	}
}

func TestCancelFlag(t *testing.T) {
	ctx := context.Background()
	tk := insertQueued(t, "cancel-test")

	if err := testStore.RequestCancel(ctx, tk.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	flagged, err := testStore.CancelRequested(ctx, tk.ID)
	if err != nil {
		t.Fatalf("cancel requested: %v", err)
	}
	if !flagged {
		t.Error("cancel flag not visible")
	}
}

func TestArchiveOnlyTerminal(t *testing.T) {
	ctx := context.Background()
	tk := insertQueued(t, "archive-test")

	if err := testStore.ArchiveTask(ctx, tk.ID); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("archive queued: got %v, want ErrInvalidTransition", err)
	}

	if err := testStore.MarkRejected(ctx, tk.ID, "cleanup"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := testStore.ArchiveTask(ctx, tk.ID); err != nil {
		t.Fatalf("archive rejected: %v", err)
	}

	listed, err := testStore.ListTasksByStatus(ctx, task.StatusRejected, 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, l := range listed {
		if l.ID == tk.ID {
			t.Error("archived task still listed")
		}
	}
}

func TestInboxLifecycle(t *testing.T) {
	ctx := context.Background()
	tk := &task.Task{Type: "echo", Status: task.StatusPending, Origin: task.OriginUser}
	if err := testStore.InsertTask(ctx, tk); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	deadline := time.Now().Add(-time.Minute)
	entry := &task.InboxEntry{
		TaskID:   tk.ID,
		Summary:  "needs review",
		Deadline: &deadline,
		Fallback: task.FallbackEscalate,
	}
	if err := testStore.OpenInboxEntry(ctx, entry); err != nil {
		t.Fatalf("open entry: %v", err)
	}

	pending, err := testStore.PendingInboxEntries(ctx, 100)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	var seen bool
	for _, e := range pending {
		if e.TaskID == tk.ID {
			seen = true
		}
	}
	if !seen {
		t.Fatal("entry not pending")
	}

	expired, err := testStore.ExpiredInboxEntries(ctx, time.Now())
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	seen = false
	for _, e := range expired {
		if e.TaskID == tk.ID {
			seen = true
		}
	}
	if !seen {
		t.Fatal("past-deadline entry not expired")
	}

	if err := testStore.ResolveInboxEntry(ctx, tk.ID, "approved"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Resolution is a conditional update: only one sweeper wins.
	if err := testStore.ResolveInboxEntry(ctx, tk.ID, "rejected"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("double resolve: got %v, want ErrInvalidTransition", err)
	}
}

func TestScheduleClaimAdvancesNextRun(t *testing.T) {
	ctx := context.Background()
	sc := &task.Schedule{
		TaskType:  "report",
		Input:     map[string]any{"period": "daily"},
		Interval:  time.Hour,
		NextRunAt: time.Now().Add(-time.Minute),
		Enabled:   true,
	}
	if err := testStore.InsertSchedule(ctx, sc); err != nil {
		t.Fatalf("insert schedule: %v", err)
	}

	due, err := testStore.ClaimDueSchedules(ctx, time.Now())
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	var found bool
	for _, d := range due {
		if d.ID == sc.ID {
			found = true
			if !d.NextRunAt.After(time.Now()) {
				t.Error("next_run_at not advanced past now")
			}
		}
	}
	if !found {
		t.Fatal("due schedule not claimed")
	}

	// Not due again until the interval elapses.
	due, _ = testStore.ClaimDueSchedules(ctx, time.Now())
	for _, d := range due {
		if d.ID == sc.ID {
			t.Error("schedule fired twice in one interval")
		}
	}
}

func TestDisabledScheduleNeverFires(t *testing.T) {
	ctx := context.Background()
	sc := &task.Schedule{
		TaskType:  "report",
		Interval:  time.Hour,
		NextRunAt: time.Now().Add(-time.Minute),
		Enabled:   true,
	}
	if err := testStore.InsertSchedule(ctx, sc); err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
	if err := testStore.SetScheduleEnabled(ctx, sc.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	due, err := testStore.ClaimDueSchedules(ctx, time.Now())
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	for _, d := range due {
		if d.ID == sc.ID {
			t.Error("disabled schedule fired")
		}
	}
}

func TestDocumentChunksAndKeywordSearch(t *testing.T) {
	ctx := context.Background()
	doc := &memory.Document{
		Title:   "deploy runbook",
		Content: "Full content lives here.",
		Project: "infra-int",
		Author:  "ana",
		Tags:    []string{"runbook"},
	}
	if err := testStore.InsertDocument(ctx, doc); err != nil {
		t.Fatalf("insert document: %v", err)
	}

	chunks := []memory.Chunk{
		{Position: 0, Content: "Roll back by redeploying the previous tag."},
		{Position: 1, Content: "Page the on-call if the rollback fails."},
	}
	if err := testStore.ReplaceChunks(ctx, doc.ID, doc.Content, chunks); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}

	stored, err := testStore.ChunksByDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("chunks by document: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("got %d chunks, want 2", len(stored))
	}

	hits, err := testStore.KeywordSearchChunks(ctx, "rollback", memory.Filters{Project: "infra-int"}, 10)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}

	// Tag and time filters scope to the parent document.
	hits, err = testStore.KeywordSearchChunks(ctx, "rollback", memory.Filters{Tag: "runbook"}, 10)
	if err != nil {
		t.Fatalf("keyword search with tag: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits for a matching tag, want 1", len(hits))
	}
	tomorrow := time.Now().Add(24 * time.Hour)
	hits, err = testStore.KeywordSearchChunks(ctx, "rollback", memory.Filters{Tag: "no-such-tag", Since: &tomorrow}, 10)
	if err != nil {
		t.Fatalf("keyword search with unmatched filters: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("got %d hits despite filters that match nothing, want 0", len(hits))
	}

	// Replacing regenerates: the old chunks must be gone.
	if err := testStore.ReplaceChunks(ctx, doc.ID, "new", []memory.Chunk{{Position: 0, Content: "fresh"}}); err != nil {
		t.Fatalf("replace again: %v", err)
	}
	stored, _ = testStore.ChunksByDocument(ctx, doc.ID)
	if len(stored) != 1 || stored[0].Content != "fresh" {
		t.Errorf("got %v, want only the regenerated chunk", stored)
	}
}

func TestRecordsAndSessions(t *testing.T) {
	ctx := context.Background()

	sess, err := testStore.FindOrCreateSession(ctx, "int-test-user")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	again, err := testStore.FindOrCreateSession(ctx, "int-test-user")
	if err != nil {
		t.Fatalf("find session: %v", err)
	}
	if again.ID != sess.ID {
		t.Errorf("got session %s, want %s reused", again.ID, sess.ID)
	}

	r := &memory.Record{Content: "asked about deploys", Source: "chat", SessionID: sess.ID}
	if err := testStore.InsertRecord(ctx, r); err != nil {
		t.Fatalf("insert record: %v", err)
	}

	records, err := testStore.RecordsBySession(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("records by session: %v", err)
	}
	if len(records) != 1 || records[0].Content != "asked about deploys" {
		t.Errorf("got %v, want the inserted record", records)
	}

	if err := testStore.UpdateSessionSummary(ctx, sess.ID, "deploy questions"); err != nil {
		t.Fatalf("update summary: %v", err)
	}
}
