package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/donkeylabs/core/jobs"
	"github.com/donkeylabs/core/logsvc"
	"github.com/donkeylabs/core/processes"
	"github.com/donkeylabs/core/workflows"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "core.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestJobsAdapterRoundTrip(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	ja := db.Jobs()

	job := &jobs.Job{
		ID:          "job_1",
		Name:        "send-email",
		Payload:     map[string]any{"to": "a@example.com"},
		Status:      jobs.StatusPending,
		MaxAttempts: 3,
		RunAt:       time.Now(),
		CreatedAt:   time.Now(),
	}
	if err := ja.Insert(ctx, job); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := ja.Get(ctx, "job_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "send-email" || got.Status != jobs.StatusPending {
		t.Fatalf("Get returned %+v", got)
	}

	claimed, err := ja.AcquirePending(ctx, 10, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("AcquirePending: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "job_1" {
		t.Fatalf("AcquirePending = %+v, want one claimed job_1", claimed)
	}

	if err := ja.Complete(ctx, "job_1", map[string]any{"ok": true}, time.Now()); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err = ja.Get(ctx, "job_1")
	if err != nil {
		t.Fatalf("Get after Complete: %v", err)
	}
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("Status after Complete = %q, want completed", got.Status)
	}
}

func TestJobsAdapterGetMissing(t *testing.T) {
	db := openTest(t)
	if _, err := db.Jobs().Get(context.Background(), "missing"); err != jobs.ErrNotFound {
		t.Fatalf("Get(missing) err = %v, want jobs.ErrNotFound", err)
	}
}

func TestProcessesAdapterRoundTrip(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	pa := db.Processes()

	p := &processes.Process{
		ID:        "proc_1",
		Name:      "worker",
		Status:    processes.StatusSpawning,
		Metadata:  map[string]any{"tag": "v1"},
		CreatedAt: time.Now(),
	}
	if err := pa.Insert(ctx, p); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	p.Status = processes.StatusRunning
	p.PID = 1234
	if err := pa.Update(ctx, p); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := pa.Get(ctx, "proc_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != processes.StatusRunning || got.PID != 1234 {
		t.Fatalf("Get returned %+v", got)
	}

	byName, err := pa.GetByName(ctx, "worker")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if len(byName) != 1 {
		t.Fatalf("GetByName returned %d rows, want 1", len(byName))
	}

	running, err := pa.GetRunning(ctx)
	if err != nil {
		t.Fatalf("GetRunning: %v", err)
	}
	if len(running) != 1 {
		t.Fatalf("GetRunning returned %d rows, want 1", len(running))
	}
}

func TestWorkflowsAdapterRoundTrip(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	wa := db.Workflows()

	inst := &workflows.Instance{
		ID:           "wf_1",
		WorkflowName: "onboarding",
		Status:       workflows.StatusRunning,
		Input:        map[string]any{"user": "alice"},
		StepResults:  map[string]*workflows.StepResult{},
		CreatedAt:    time.Now(),
	}
	if err := wa.Insert(ctx, inst); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	inst.Status = workflows.StatusCompleted
	inst.Output = map[string]any{"done": true}
	if err := wa.Update(ctx, inst); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := wa.Get(ctx, "wf_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != workflows.StatusCompleted {
		t.Fatalf("Status = %q, want completed", got.Status)
	}
}

func TestLogsAdapterQueryAndRetention(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	la := db.Logs()

	now := time.Now()
	old := now.AddDate(0, 0, -40)
	entries := []logsvc.Entry{
		{ID: "log_1", Timestamp: now, Level: logsvc.LevelInfo, Message: "started", Source: logsvc.SourceSystem},
		{ID: "log_2", Timestamp: old, Level: logsvc.LevelInfo, Message: "stale", Source: logsvc.SourceSystem},
	}
	if err := la.WriteBatch(ctx, entries); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	got, err := la.Query(ctx, logsvc.Filters{Source: logsvc.SourceSystem, Limit: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Query returned %d entries, want 2", len(got))
	}

	if err := la.DeleteOlderThan(ctx, now.AddDate(0, 0, -7), logsvc.SourceSystem); err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	remaining, err := la.Query(ctx, logsvc.Filters{Source: logsvc.SourceSystem, Limit: 10})
	if err != nil {
		t.Fatalf("Query after retention: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "log_1" {
		t.Fatalf("Query after retention = %+v, want only log_1", remaining)
	}
}

func TestLogsAdapterMinLevelAndTagsFilter(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	la := db.Logs()

	now := time.Now()
	entries := []logsvc.Entry{
		{ID: "lvl_debug", Timestamp: now, Level: logsvc.LevelDebug, Message: "debug noise", Source: logsvc.SourceJob, Tags: []string{"retry"}},
		{ID: "lvl_info", Timestamp: now, Level: logsvc.LevelInfo, Message: "info msg", Source: logsvc.SourceJob, Tags: []string{"retry", "billing"}},
		{ID: "lvl_warn", Timestamp: now, Level: logsvc.LevelWarn, Message: "warn msg", Source: logsvc.SourceJob, Tags: []string{"billing"}},
		{ID: "lvl_error", Timestamp: now, Level: logsvc.LevelError, Message: "error msg", Source: logsvc.SourceJob, Tags: []string{"retry", "billing", "urgent"}},
	}
	if err := la.WriteBatch(ctx, entries); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	// MinLevel is inclusive: warn should return warn and error, not debug/info.
	warnAndUp, err := la.Query(ctx, logsvc.Filters{Source: logsvc.SourceJob, MinLevel: logsvc.LevelWarn, Limit: 10})
	if err != nil {
		t.Fatalf("Query MinLevel=warn: %v", err)
	}
	if len(warnAndUp) != 2 {
		t.Fatalf("Query MinLevel=warn returned %d entries, want 2", len(warnAndUp))
	}
	for _, e := range warnAndUp {
		if e.Level < logsvc.LevelWarn {
			t.Fatalf("Query MinLevel=warn returned sub-warn entry %+v", e)
		}
	}

	// Tags must contain ALL requested tags, not just one.
	both, err := la.Query(ctx, logsvc.Filters{Source: logsvc.SourceJob, Tags: []string{"retry", "billing"}, Limit: 10})
	if err != nil {
		t.Fatalf("Query Tags=[retry,billing]: %v", err)
	}
	wantIDs := map[string]bool{"lvl_info": true, "lvl_error": true}
	if len(both) != len(wantIDs) {
		t.Fatalf("Query Tags=[retry,billing] returned %d entries, want %d", len(both), len(wantIDs))
	}
	for _, e := range both {
		if !wantIDs[e.ID] {
			t.Fatalf("Query Tags=[retry,billing] returned unexpected entry %+v", e)
		}
	}

	// Count must agree with Query for the same filter.
	f := logsvc.Filters{Source: logsvc.SourceJob, MinLevel: logsvc.LevelWarn, Tags: []string{"billing"}}
	got, err := la.Query(ctx, f)
	if err != nil {
		t.Fatalf("Query combined filter: %v", err)
	}
	count, err := la.Count(ctx, f)
	if err != nil {
		t.Fatalf("Count combined filter: %v", err)
	}
	if count != len(got) {
		t.Fatalf("Count = %d, want %d to match len(Query)", count, len(got))
	}
}

func TestConfigStoreRoundTrip(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	if _, found, err := db.GetConfig(ctx); err != nil || found {
		t.Fatalf("GetConfig on empty store: found=%v err=%v", found, err)
	}

	if err := db.SetConfig(ctx, map[string]any{"http_addr": ":9090"}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	got, found, err := db.GetConfig(ctx)
	if err != nil || !found {
		t.Fatalf("GetConfig after SetConfig: found=%v err=%v", found, err)
	}
	if got["http_addr"] != ":9090" {
		t.Fatalf("GetConfig = %+v, want http_addr :9090", got)
	}
}
