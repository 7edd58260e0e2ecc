package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"relay/internal/domain"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := Open(filepath.Join(t.TempDir(), "relay.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testChannel(t *testing.T, s *SQLiteStore, provider domain.Provider) *domain.ChannelConfig {
	t.Helper()
	creds, _ := json.Marshal(domain.TokenCredentials{Token: "tok"})
	cfg := &domain.ChannelConfig{
		OwnerID:     "user-1",
		Provider:    provider,
		Credentials: creds,
		Active:      true,
		Secret:      "hook-secret",
	}
	if err := s.SaveChannel(context.Background(), cfg); err != nil {
		t.Fatalf("save channel: %v", err)
	}
	return cfg
}

func TestChannelRoundTrip(t *testing.T) {
	s := testStore(t)
	cfg := testChannel(t, s, domain.ProviderTelegram)

	got, err := s.GetChannel(context.Background(), cfg.ID)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if got.Provider != domain.ProviderTelegram {
		t.Errorf("provider = %q", got.Provider)
	}
	if !got.Active {
		t.Error("expected active channel")
	}
	if got.Secret != "hook-secret" {
		t.Errorf("secret = %q", got.Secret)
	}

	var creds domain.TokenCredentials
	if err := json.Unmarshal(got.Credentials, &creds); err != nil {
		t.Fatalf("decode credentials: %v", err)
	}
	if creds.Token != "tok" {
		t.Errorf("token = %q", creds.Token)
	}
}

func TestGetChannel_NotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetChannel(context.Background(), "missing"); err != domain.ErrChannelNotFound {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestResolveOrCreateBinding_CreatesOnce(t *testing.T) {
	s := testStore(t)
	cfg := testChannel(t, s, domain.ProviderTelegram)
	ctx := context.Background()

	b1, created, err := s.ResolveOrCreateBinding(ctx, cfg.ID, "user-42")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !created {
		t.Error("first contact should create the binding")
	}
	if b1.AccountID == "" || b1.ConversationID == "" {
		t.Error("binding should carry a guest account and conversation")
	}

	b2, created, err := s.ResolveOrCreateBinding(ctx, cfg.ID, "user-42")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if created {
		t.Error("second contact must not create a new binding")
	}
	if b2.ID != b1.ID || b2.AccountID != b1.AccountID {
		t.Errorf("expected same binding, got %q vs %q", b2.ID, b1.ID)
	}
}

func TestResolveOrCreateBinding_ConcurrentFirstContact(t *testing.T) {
	s := testStore(t)
	cfg := testChannel(t, s, domain.ProviderTelegram)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, _, err := s.ResolveOrCreateBinding(ctx, cfg.ID, "racer")
			if err != nil {
				t.Errorf("resolve %d: %v", i, err)
				return
			}
			ids[i] = b.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("binding %d diverged: %q vs %q", i, ids[i], ids[0])
		}
	}
}

func TestBindingIsolationAcrossIdentities(t *testing.T) {
	s := testStore(t)
	cfg := testChannel(t, s, domain.ProviderSlack)
	ctx := context.Background()

	a, _, _ := s.ResolveOrCreateBinding(ctx, cfg.ID, "alice")
	b, _, _ := s.ResolveOrCreateBinding(ctx, cfg.ID, "bob")
	if a.ConversationID == b.ConversationID {
		t.Error("distinct identities must not share a conversation")
	}
}

func TestDeleteBinding(t *testing.T) {
	s := testStore(t)
	cfg := testChannel(t, s, domain.ProviderTelegram)
	ctx := context.Background()

	b, _, _ := s.ResolveOrCreateBinding(ctx, cfg.ID, "gone")
	if err := s.DeleteBinding(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteBinding(ctx, b.ID); err != domain.ErrBindingNotFound {
		t.Errorf("expected ErrBindingNotFound, got %v", err)
	}

	// A later contact from the same identity starts fresh.
	b2, created, err := s.ResolveOrCreateBinding(ctx, cfg.ID, "gone")
	if err != nil {
		t.Fatalf("resolve after delete: %v", err)
	}
	if !created || b2.ID == b.ID {
		t.Error("expected a new binding after deletion")
	}
}

func TestRecordLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := &domain.ExecutionRecord{TaskID: "t1", Trigger: domain.TriggerProactive}
	if err := s.InsertRecord(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.MarkRunning(ctx, rec.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	inFlight, err := s.TaskInFlight(ctx, "t1")
	if err != nil {
		t.Fatalf("in-flight: %v", err)
	}
	if !inFlight {
		t.Error("running record should count as in-flight")
	}

	if err := s.FinalizeRecord(ctx, rec.ID, domain.ExecCompleted, "done"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := s.FinalizeRecord(ctx, rec.ID, domain.ExecFailed, "again"); err != domain.ErrRecordFinalized {
		t.Errorf("expected ErrRecordFinalized, got %v", err)
	}

	inFlight, _ = s.TaskInFlight(ctx, "t1")
	if inFlight {
		t.Error("finalized record must not count as in-flight")
	}

	recs, err := s.ListRecords(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != domain.ExecCompleted || recs[0].Summary != "done" {
		t.Errorf("unexpected history: %+v", recs)
	}
	if recs[0].FinishedAt.IsZero() {
		t.Error("finalized record should carry a finish time")
	}
}

func TestRecoverInFlight(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	pending := &domain.ExecutionRecord{TaskID: "t1", Trigger: domain.TriggerProactive}
	if err := s.InsertRecord(ctx, pending); err != nil {
		t.Fatalf("insert: %v", err)
	}
	running := &domain.ExecutionRecord{TaskID: "t2", Trigger: domain.TriggerReactive}
	if err := s.InsertRecord(ctx, running); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.MarkRunning(ctx, running.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	finished := &domain.ExecutionRecord{TaskID: "t3", Trigger: domain.TriggerProactive}
	if err := s.InsertRecord(ctx, finished); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.FinalizeRecord(ctx, finished.ID, domain.ExecCompleted, "done"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	n, err := s.RecoverInFlight(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered = %d, want 2", n)
	}

	for _, taskID := range []string{"t1", "t2"} {
		inFlight, err := s.TaskInFlight(ctx, taskID)
		if err != nil {
			t.Fatalf("in-flight: %v", err)
		}
		if inFlight {
			t.Errorf("task %s still in flight after recovery", taskID)
		}
		recs, err := s.ListRecords(ctx, taskID, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(recs) != 1 || recs[0].Status != domain.ExecFailed || recs[0].FinishedAt.IsZero() {
			t.Errorf("task %s record not failed: %+v", taskID, recs)
		}
	}

	recs, err := s.ListRecords(ctx, "t3", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if recs[0].Status != domain.ExecCompleted {
		t.Errorf("finalized record rewritten by recovery: %+v", recs[0])
	}
}

func TestListRecords_OrderAndFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		rec := &domain.ExecutionRecord{
			TaskID:    "t1",
			Trigger:   domain.TriggerProactive,
			Status:    domain.ExecSkipped,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.InsertRecord(ctx, rec); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	other := &domain.ExecutionRecord{Trigger: domain.TriggerReactive, Status: domain.ExecCompleted}
	if err := s.InsertRecord(ctx, other); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	recs, err := s.ListRecords(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records for t1, got %d", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].StartedAt.After(recs[i-1].StartedAt) {
			t.Error("records not ordered by start time descending")
		}
	}

	all, _ := s.ListRecords(ctx, "", 10)
	if len(all) != 4 {
		t.Errorf("expected 4 records total, got %d", len(all))
	}
}

func TestTaskWatermarkNeverMovesBackward(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	task := &domain.ScheduledTask{
		OwnerID:    "user-1",
		Name:       "daily",
		Kind:       domain.ScheduleCron,
		Expression: "0 8 * * *",
		Prompt:     "summarize",
		AgentRef:   "default",
		ChannelID:  "c1",
		TargetID:   "g1",
		Active:     true,
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("save task: %v", err)
	}

	forward := time.Now().Add(time.Hour)
	if err := s.AdvanceWatermark(ctx, task.ID, forward); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.AdvanceWatermark(ctx, task.ID, forward.Add(-2*time.Hour)); err != nil {
		t.Fatalf("advance backward: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.LastEvaluatedAt.Before(forward.Add(-time.Second)) {
		t.Errorf("watermark moved backward: %v", got.LastEvaluatedAt)
	}
}

func TestSetTaskActive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	task := &domain.ScheduledTask{
		OwnerID: "u", Name: "once", Kind: domain.ScheduleOnce,
		Expression: time.Now().Format(time.RFC3339),
		Prompt:     "p", AgentRef: "a", ChannelID: "c", TargetID: "t", Active: true,
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SetTaskActive(ctx, task.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	active, err := s.ListActiveTasks(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active tasks, got %d", len(active))
	}
	if err := s.SetTaskActive(ctx, "missing", true); err != domain.ErrTaskNotFound {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}

	// Reactivation moves the watermark to now, so occurrences missed
	// while the task was off are not caught up later.
	before := time.Now()
	if err := s.SetTaskActive(ctx, task.ID, true); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastEvaluatedAt.Before(before.Add(-time.Second)) {
		t.Errorf("watermark not advanced on reactivation: %v", got.LastEvaluatedAt)
	}
}
