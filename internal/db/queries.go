package db

import (
	"database/sql"
	"fmt"
	"time"
)

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// PipelineEvent is one row of the pipeline event log.
type PipelineEvent struct {
	ID        int
	RunID     string
	Issue     int
	Event     string
	Stage     string
	Attempt   int
	Detail    string
	Timestamp string
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(runID string, issue int, event string, stage string, attempt int, detail string) error {
	_, err := d.exec(
		`INSERT INTO pipeline_events (run_id, issue, event, stage, attempt, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, issue, event, nullString(stage), attempt, nullString(detail), now(),
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetRunEvents returns the events of one run in insertion order.
func (d *DB) GetRunEvents(runID string) ([]PipelineEvent, error) {
	return d.events(`SELECT id, run_id, issue, event, stage, attempt, detail, timestamp
		FROM pipeline_events WHERE run_id = ? ORDER BY id`, runID)
}

// GetPipelineHistory returns all events for an issue, oldest first.
func (d *DB) GetPipelineHistory(issue int) ([]PipelineEvent, error) {
	return d.events(`SELECT id, run_id, issue, event, stage, attempt, detail, timestamp
		FROM pipeline_events WHERE issue = ? ORDER BY timestamp, id`, issue)
}

func (d *DB) events(query string, arg interface{}) ([]PipelineEvent, error) {
	rows, err := d.query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("query pipeline events: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var stage, detail sql.NullString
		var attempt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Issue, &e.Event, &stage, &attempt, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Stage = stage.String
		e.Attempt = int(attempt.Int64)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// RunRecord is the summary row of one pipeline run.
type RunRecord struct {
	RunID      string
	Issue      int
	Title      string
	Outcome    string
	Reason     string
	Confidence float64
	Revisions  int
	PRURL      string
	RunDir     string
	CostUSD    float64
	StartedAt  string
	FinishedAt string
}

// RecordRun inserts or replaces the summary row for rec.RunID.
func (d *DB) RecordRun(rec RunRecord) error {
	_, err := d.exec(`INSERT INTO runs (run_id, issue, title, outcome, reason, confidence, revisions, pr_url, run_dir, cost_usd, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			outcome = excluded.outcome,
			reason = excluded.reason,
			confidence = excluded.confidence,
			revisions = excluded.revisions,
			pr_url = excluded.pr_url,
			cost_usd = excluded.cost_usd,
			finished_at = excluded.finished_at`,
		rec.RunID, rec.Issue, rec.Title, rec.Outcome, nullString(rec.Reason), rec.Confidence, rec.Revisions,
		nullString(rec.PRURL), rec.RunDir, rec.CostUSD, rec.StartedAt, nullString(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", rec.RunID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. issue 0 means all
// issues; limit <= 0 means no limit.
func (d *DB) ListRuns(issue int, limit int) ([]RunRecord, error) {
	query := `SELECT run_id, issue, title, outcome, reason, confidence, revisions, pr_url, run_dir, cost_usd, started_at, finished_at FROM runs`
	var args []interface{}
	if issue > 0 {
		query += ` WHERE issue = ?`
		args = append(args, issue)
	}
	query += ` ORDER BY started_at DESC, run_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var title, reason, prURL, runDir, finished sql.NullString
		if err := rows.Scan(&r.RunID, &r.Issue, &title, &r.Outcome, &reason, &r.Confidence, &r.Revisions,
			&prURL, &runDir, &r.CostUSD, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Title = title.String
		r.Reason = reason.String
		r.PRURL = prURL.String
		r.RunDir = runDir.String
		r.FinishedAt = finished.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CheckRun is one execution of the test command.
type CheckRun struct {
	ID         int
	RunID      string
	Issue      int
	Attempt    int
	CheckName  string
	Passed     bool
	ExitCode   int
	DurationMs int
	Summary    string
	Timestamp  string
}

// LogCheckRun records a test command result.
func (d *DB) LogCheckRun(runID string, issue int, attempt int, checkName string, passed bool, exitCode int, durationMs int, summary string) error {
	_, err := d.exec(
		`INSERT INTO check_runs (run_id, issue, attempt, check_name, passed, exit_code, duration_ms, summary, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, issue, attempt, checkName, passed, exitCode, durationMs, summary, now(),
	)
	if err != nil {
		return fmt.Errorf("log check run: %w", err)
	}
	return nil
}

// GetCheckRuns returns the test command results of a run, by attempt.
func (d *DB) GetCheckRuns(runID string) ([]CheckRun, error) {
	rows, err := d.query(`SELECT id, run_id, issue, attempt, check_name, passed, exit_code, duration_ms, summary, timestamp
		FROM check_runs WHERE run_id = ? ORDER BY attempt, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query check runs: %w", err)
	}
	defer rows.Close()

	var runs []CheckRun
	for rows.Next() {
		var c CheckRun
		var exitCode, duration sql.NullInt64
		var summary sql.NullString
		if err := rows.Scan(&c.ID, &c.RunID, &c.Issue, &c.Attempt, &c.CheckName, &c.Passed, &exitCode, &duration, &summary, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan check run: %w", err)
		}
		c.ExitCode = int(exitCode.Int64)
		c.DurationMs = int(duration.Int64)
		c.Summary = summary.String
		runs = append(runs, c)
	}
	return runs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
