package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies that the audit indexes are created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_job_runs_started", "idx_job_runs_job", "idx_tool_invocations_created", "idx_tool_invocations_session"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestSaveAndGetJobRun(t *testing.T) {
	s := openTestStore(t)

	started := time.Date(2026, 1, 5, 9, 0, 0, 250_000_000, time.UTC)
	run := JobRun{
		ID:         "run-1",
		JobID:      "digest",
		Minute:     "2026-01-05 09:00",
		Action:     "Summarize overnight alerts",
		Status:     RunError,
		Error:      "session busy",
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
	}
	if err := s.SaveJobRun(run); err != nil {
		t.Fatalf("SaveJobRun: %v", err)
	}

	got, err := s.GetJobRun("run-1")
	if err != nil {
		t.Fatalf("GetJobRun: %v", err)
	}
	if diff := cmp.Diff(run, got); diff != "" {
		t.Errorf("GetJobRun mismatch (-want +got):\n%s", diff)
	}
}

func TestGetJobRunNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetJobRun("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentJobRuns(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		job := "digest"
		if i%2 == 1 {
			job = "__maintenance__"
		}
		start := base.Add(time.Duration(i) * time.Hour)
		if err := s.SaveJobRun(JobRun{
			JobID:      job,
			Minute:     start.Format("2006-01-02 15:04"),
			Action:     job,
			Status:     RunOK,
			StartedAt:  start,
			FinishedAt: start.Add(time.Second),
		}); err != nil {
			t.Fatalf("SaveJobRun %d: %v", i, err)
		}
	}

	runs, err := s.RecentJobRuns(3, "")
	if err != nil {
		t.Fatalf("RecentJobRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].Minute != "2026-01-05 04:00" {
		t.Errorf("expected newest first, got %s", runs[0].Minute)
	}
	if runs[0].ID == "" {
		t.Error("expected generated ID")
	}

	digest, err := s.RecentJobRuns(10, "digest")
	if err != nil {
		t.Fatalf("RecentJobRuns(digest): %v", err)
	}
	if len(digest) != 3 {
		t.Errorf("expected 3 digest runs, got %d", len(digest))
	}
	for _, r := range digest {
		if r.JobID != "digest" {
			t.Errorf("filter leaked job %q", r.JobID)
		}
	}
}

func TestToolInvocations(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	calls := []ToolInvocation{
		{Session: "ops", Tool: "write_memory", Source: SourceNative, OK: true, Duration: 3 * time.Millisecond, CreatedAt: base},
		{Session: "ops", Tool: "mcp_files_read", Source: SourceProvider, OK: false, Error: "provider files tool call timed out", Duration: 30 * time.Second, CreatedAt: base.Add(time.Minute)},
		{Session: "cron_digest", Tool: "shell", Source: SourceDenied, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, c := range calls {
		if err := s.SaveToolInvocation(c); err != nil {
			t.Fatalf("SaveToolInvocation: %v", err)
		}
	}

	all, err := s.RecentToolInvocations(10, "")
	if err != nil {
		t.Fatalf("RecentToolInvocations: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(all))
	}
	if all[0].Tool != "shell" || all[0].OK {
		t.Errorf("newest = %+v", all[0])
	}

	ops, err := s.RecentToolInvocations(10, "ops")
	if err != nil {
		t.Fatalf("RecentToolInvocations(ops): %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 ops invocations, got %d", len(ops))
	}
	timedOut := ops[0]
	if timedOut.OK || timedOut.Duration != 30*time.Second || timedOut.Error == "" {
		t.Errorf("timed out call = %+v", timedOut)
	}
	if !ops[1].OK || ops[1].Source != SourceNative {
		t.Errorf("native call = %+v", ops[1])
	}
}

func TestSaveToolInvocation_Defaults(t *testing.T) {
	s := openTestStore(t)
	before := time.Now().Add(-time.Second)
	if err := s.SaveToolInvocation(ToolInvocation{Session: "s", Tool: "read_memory", Source: SourceNative, OK: true}); err != nil {
		t.Fatalf("SaveToolInvocation: %v", err)
	}
	got, err := s.RecentToolInvocations(1, "s")
	if err != nil || len(got) != 1 {
		t.Fatalf("RecentToolInvocations: %v, %d rows", err, len(got))
	}
	if got[0].ID == "" || got[0].CreatedAt.Before(before) {
		t.Errorf("defaults not applied: %+v", got[0])
	}
}

func TestPruneBefore(t *testing.T) {
	s := openTestStore(t)

	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, at := range []time.Time{cutoff.Add(-48 * time.Hour), cutoff.Add(-time.Millisecond), cutoff, cutoff.Add(time.Hour)} {
		if err := s.SaveJobRun(JobRun{JobID: fmt.Sprintf("j%d", i), Minute: "m", Action: "a", Status: RunOK, StartedAt: at, FinishedAt: at}); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveToolInvocation(ToolInvocation{Session: "s", Tool: "t", Source: SourceNative, CreatedAt: at}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneBefore(cutoff)
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if n != 4 {
		t.Errorf("pruned %d rows, want 4", n)
	}

	runs, _ := s.RecentJobRuns(10, "")
	if len(runs) != 2 {
		t.Errorf("expected 2 remaining runs, got %d", len(runs))
	}
	calls, _ := s.RecentToolInvocations(10, "")
	if len(calls) != 2 {
		t.Errorf("expected 2 remaining invocations, got %d", len(calls))
	}
}
