package db

import (
	"path/filepath"
	"strings"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrate(t *testing.T) {
	d := testDB(t)

	tables := []string{"schema_version", "runs", "pipeline_events", "check_runs"}
	for _, table := range tables {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var version int
	if err := d.conn.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}

	// Migrate again should be idempotent
	if err := d.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs", "fixall.db")
	d, err := Open(DriverSQLite, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if d.Dialect() != DriverSQLite {
		t.Errorf("dialect = %q", d.Dialect())
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestReset(t *testing.T) {
	d := testDB(t)
	if err := d.LogPipelineEvent("r1", 1, "started", "", 0, ""); err != nil {
		t.Fatal(err)
	}
	if err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	events, err := d.GetRunEvents("r1")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected 0 events after reset, got %d", len(events))
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: DriverPostgres}
	if got := pg.rebind("SELECT * FROM runs WHERE issue = ? AND outcome = ?"); got != "SELECT * FROM runs WHERE issue = $1 AND outcome = $2" {
		t.Errorf("rebind = %q", got)
	}
	lite := &DB{dialect: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
	if got := pg.schema(); !strings.Contains(got, "BIGSERIAL PRIMARY KEY") {
		t.Error("postgres schema should use BIGSERIAL ids")
	}
}

func TestLogPipelineEvent_GetRunEvents(t *testing.T) {
	d := testDB(t)

	events := []struct {
		event, stage string
		attempt      int
		detail       string
	}{
		{"started", "", 0, ""},
		{"stage_finished", "triage", 1, "succeeded"},
		{"stage_finished", "fix", 1, "succeeded"},
		{"stage_finished", "fix", 2, "failed"},
	}
	for _, e := range events {
		if err := d.LogPipelineEvent("run-a", 42, e.event, e.stage, e.attempt, e.detail); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	if err := d.LogPipelineEvent("run-b", 7, "started", "", 0, ""); err != nil {
		t.Fatal(err)
	}

	got, err := d.GetRunEvents("run-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d", len(got))
	}
	if got[0].Event != "started" || got[0].Stage != "" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[3].Stage != "fix" || got[3].Attempt != 2 || got[3].Detail != "failed" {
		t.Errorf("last event = %+v", got[3])
	}

	hist, err := d.GetPipelineHistory(7)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].RunID != "run-b" {
		t.Errorf("history for issue 7 = %+v", hist)
	}
}

func TestRecordRun_ListRuns(t *testing.T) {
	d := testDB(t)

	runs := []RunRecord{
		{RunID: "a", Issue: 1, Title: "first", Outcome: "skipped", StartedAt: "2026-01-01T10:00:00Z"},
		{RunID: "b", Issue: 2, Title: "second", Outcome: "completed", Confidence: 0.82, PRURL: "https://github.com/acme/app/pull/9", StartedAt: "2026-01-02T10:00:00Z"},
		{RunID: "c", Issue: 1, Title: "first again", Outcome: "failed", Reason: "fix timed out", StartedAt: "2026-01-03T10:00:00Z"},
	}
	for _, r := range runs {
		if err := d.RecordRun(r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	all, err := d.ListRuns(0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].RunID != "c" || all[2].RunID != "a" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if all[1].PRURL == "" || all[1].Confidence != 0.82 {
		t.Errorf("run b = %+v", all[1])
	}

	issue1, err := d.ListRuns(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(issue1) != 1 || issue1[0].RunID != "c" || issue1[0].Reason != "fix timed out" {
		t.Errorf("issue 1 limited = %+v", issue1)
	}

	// Upsert keeps one row per run.
	runs[0].Outcome = "completed"
	runs[0].FinishedAt = "2026-01-01T10:05:00Z"
	if err := d.RecordRun(runs[0]); err != nil {
		t.Fatal(err)
	}
	all, _ = d.ListRuns(0, 0)
	if len(all) != 3 {
		t.Fatalf("upsert duplicated row: %d runs", len(all))
	}
	if all[2].Outcome != "completed" || all[2].FinishedAt == "" {
		t.Errorf("upserted run = %+v", all[2])
	}
}

func TestLogCheckRun_GetCheckRuns(t *testing.T) {
	d := testDB(t)

	if err := d.LogCheckRun("r", 42, 2, "test", false, 1, 900, "1 failing test"); err != nil {
		t.Fatal(err)
	}
	if err := d.LogCheckRun("r", 42, 1, "test", true, 0, 1200, "passed"); err != nil {
		t.Fatal(err)
	}

	runs, err := d.GetCheckRuns("r")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 check runs, got %d", len(runs))
	}
	if runs[0].Attempt != 1 || !runs[0].Passed {
		t.Errorf("first run = %+v", runs[0])
	}
	if runs[1].Passed || runs[1].ExitCode != 1 || runs[1].Summary != "1 failing test" {
		t.Errorf("second run = %+v", runs[1])
	}
}
