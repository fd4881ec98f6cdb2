package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	instruction   TEXT NOT NULL,
	status        TEXT NOT NULL,
	final_content TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_session_status ON runs(session_id, status);

CREATE TABLE IF NOT EXISTS steps (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	idx        INTEGER NOT NULL,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL,
	rationale  TEXT NOT NULL DEFAULT '',
	evidence   TEXT NOT NULL DEFAULT '[]',
	started_at TEXT NOT NULL,
	ended_at   TEXT,
	PRIMARY KEY (run_id, idx)
);

CREATE TABLE IF NOT EXISTS tool_executions (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	tool       TEXT NOT NULL,
	input      TEXT NOT NULL,
	output     TEXT,
	ok         INTEGER NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	logs       TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_executions_run ON tool_executions(run_id);

CREATE TABLE IF NOT EXISTS artifacts (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	tool       TEXT NOT NULL,
	name       TEXT NOT NULL,
	href       TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS approvals (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	action      TEXT NOT NULL,
	risk        TEXT NOT NULL,
	reason      TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	resolved_at TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_one_pending ON approvals(run_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS pending_plans (
	approval_id TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	tool        TEXT NOT NULL,
	input       TEXT NOT NULL,
	rationale   TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	run_id     TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`

// SQLiteStore is the durable Store backed by a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := path + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps conditional updates serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = NewID()
	}
	if run.Status == "" {
		run.Status = RunStatusPending
	}
	now := s.now()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, instruction, status, final_content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.Instruction, string(run.Status), run.FinalContent,
		formatTime(now), formatTime(now))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("run %s: %w", run.ID, ErrConflict)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var (
		run                  Run
		status               string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, instruction, status, final_content, created_at, updated_at
		 FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.SessionID, &run.Instruction, &status, &run.FinalContent, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Status = RunStatus(status)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)

	steps, err := s.listSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Steps = steps
	return &run, nil
}

func (s *SQLiteStore) listSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, name, status, rationale, evidence, started_at, ended_at
		 FROM steps WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := []Step{}
	for rows.Next() {
		var (
			step      Step
			status    string
			evidence  string
			startedAt string
			endedAt   sql.NullString
		)
		if err := rows.Scan(&step.Index, &step.Name, &status, &step.Rationale, &evidence, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Status = StepStatus(status)
		if err := json.Unmarshal([]byte(evidence), &step.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
		step.StartedAt = parseTime(startedAt)
		step.EndedAt = parseNullTime(endedAt)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) FindActiveRun(ctx context.Context, sessionID string) (*Run, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM runs WHERE session_id = ? AND status IN (?, ?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		sessionID, string(RunStatusPending), string(RunStatusRunning), string(RunStatusBlocked)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active run for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find active run: %w", err)
	}
	return s.GetRun(ctx, id)
}

func (s *SQLiteStore) TransitionRun(ctx context.Context, id string, to RunStatus) error {
	var from []string
	for candidate, next := range allowedTransitions {
		if _, ok := next[to]; ok {
			from = append(from, string(candidate))
		}
	}
	if len(from) == 0 {
		return fmt.Errorf("run %s -> %s: %w", id, to, ErrInvalidTransition)
	}

	args := []interface{}{string(to), formatTime(s.now()), id}
	for _, f := range from {
		args = append(args, f)
	}
	query := `UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status IN (` +
		placeholders(len(from)) + `)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	return fmt.Errorf("run %s %s -> %s: %w", id, current, to, ErrInvalidTransition)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLiteStore) SetFinalContent(ctx context.Context, id, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET final_content = ?, updated_at = ? WHERE id = ?`,
		content, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("set final content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) AppendStep(ctx context.Context, runID string, step Step) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("append step: %w", err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	var index int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE run_id = ?`, runID).Scan(&index); err != nil {
		return 0, fmt.Errorf("append step: %w", err)
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = s.now()
	}
	evidence, err := json.Marshal(nonNilEvidence(step.Evidence))
	if err != nil {
		return 0, fmt.Errorf("encode evidence: %w", err)
	}
	var endedAt interface{}
	if step.EndedAt != nil {
		endedAt = formatTime(*step.EndedAt)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO steps (run_id, idx, name, status, rationale, evidence, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, index, step.Name, string(step.Status), step.Rationale, string(evidence),
		formatTime(step.StartedAt), endedAt); err != nil {
		return 0, fmt.Errorf("insert step: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE id = ?`, formatTime(s.now()), runID); err != nil {
		return 0, fmt.Errorf("touch run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit step: %w", err)
	}
	return index, nil
}

func nonNilEvidence(ev []Evidence) []Evidence {
	if ev == nil {
		return []Evidence{}
	}
	return ev
}

func (s *SQLiteStore) FinishStep(ctx context.Context, runID string, index int, status StepStatus, rationale string) error {
	if status != StepStatusDone && status != StepStatusFailed {
		return fmt.Errorf("step %d of run %s -> %s: %w", index, runID, status, ErrInvalidTransition)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, ended_at = ?,
		        rationale = CASE WHEN ? = '' THEN rationale ELSE ? END
		 WHERE run_id = ? AND idx = ? AND status IN (?, ?)`,
		string(status), formatTime(s.now()), rationale, rationale, runID, index,
		string(StepStatusRunning), string(StepStatusBlocked))
	if err != nil {
		return fmt.Errorf("finish step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM steps WHERE run_id = ? AND idx = ?`, runID, index).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("step %d of run %s: %w", index, runID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("finish step: %w", err)
	}
	return fmt.Errorf("step %d of run %s %s -> %s: %w", index, runID, current, status, ErrInvalidTransition)
}

func (s *SQLiteStore) AddEvidence(ctx context.Context, runID string, index int, evidence Evidence) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT evidence FROM steps WHERE run_id = ? AND idx = ?`, runID, index).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("step %d of run %s: %w", index, runID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("add evidence: %w", err)
	}

	var list []Evidence
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return fmt.Errorf("decode evidence: %w", err)
	}
	list = append(list, evidence)
	encoded, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE steps SET evidence = ? WHERE run_id = ? AND idx = ?`, string(encoded), runID, index); err != nil {
		return fmt.Errorf("add evidence: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) RecordToolExecution(ctx context.Context, exec *ToolExecution) error {
	if exec.ID == "" {
		exec.ID = NewID()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.now()
	}
	logs, err := json.Marshal(nonNilStrings(exec.Logs))
	if err != nil {
		return fmt.Errorf("encode logs: %w", err)
	}
	var output interface{}
	if exec.Output != nil {
		output = string(exec.Output)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_executions (id, run_id, tool, input, output, ok, error, logs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.RunID, exec.Tool, string(exec.Input), output, boolInt(exec.OK), exec.Error,
		string(logs), formatTime(exec.CreatedAt))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("tool execution for run %s: %w", exec.RunID, ErrNotFound)
		}
		return fmt.Errorf("insert tool execution: %w", err)
	}
	return nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) ListToolExecutions(ctx context.Context, runID string) ([]ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, tool, input, output, ok, error, logs, created_at
		 FROM tool_executions WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tool executions: %w", err)
	}
	defer rows.Close()

	out := []ToolExecution{}
	for rows.Next() {
		var (
			e         ToolExecution
			input     string
			output    sql.NullString
			ok        int
			logs      string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Tool, &input, &output, &ok, &e.Error, &logs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tool execution: %w", err)
		}
		e.Input = json.RawMessage(input)
		if output.Valid {
			e.Output = json.RawMessage(output.String)
		}
		e.OK = ok == 1
		if err := json.Unmarshal([]byte(logs), &e.Logs); err != nil {
			return nil, fmt.Errorf("decode logs: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateArtifact(ctx context.Context, artifact *Artifact) error {
	if artifact.ID == "" {
		artifact.ID = NewID()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, run_id, tool, name, href, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.RunID, artifact.Tool, artifact.Name, artifact.Href, formatTime(artifact.CreatedAt))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("artifact for run %s: %w", artifact.RunID, ErrNotFound)
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, tool, name, href, created_at FROM artifacts WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := []Artifact{}
	for rows.Next() {
		var (
			a         Artifact
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Tool, &a.Name, &a.Href, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateApproval(ctx context.Context, approval *Approval) error {
	if approval.ID == "" {
		approval.ID = NewID()
	}
	approval.Status = ApprovalPending
	approval.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, run_id, action, risk, reason, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		approval.ID, approval.RunID, approval.Action, approval.Risk, approval.Reason,
		string(ApprovalPending), formatTime(approval.CreatedAt))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("run %s: %w", approval.RunID, ErrApprovalOutstanding)
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

const approvalColumns = `id, run_id, action, risk, reason, status, created_at, resolved_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row rowScanner) (*Approval, error) {
	var (
		a          Approval
		status     string
		createdAt  string
		resolvedAt sql.NullString
	)
	if err := row.Scan(&a.ID, &a.RunID, &a.Action, &a.Risk, &a.Reason, &status, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	a.Status = ApprovalStatus(status)
	a.CreatedAt = parseTime(createdAt)
	a.ResolvedAt = parseNullTime(resolvedAt)
	return &a, nil
}

func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) FindPendingApproval(ctx context.Context, runID string) (*Approval, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE run_id = ? AND status = ?`,
		runID, string(ApprovalPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending approval for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find pending approval: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListPendingApprovals(ctx context.Context, cutoff time.Time) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE status = ? AND created_at < ? ORDER BY created_at`,
		string(ApprovalPending), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResolveApproval(ctx context.Context, id string, status ApprovalStatus) error {
	if status != ApprovalApproved && status != ApprovalDenied {
		return fmt.Errorf("approval %s -> %s: %w", id, status, ErrInvalidTransition)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		string(status), formatTime(s.now()), id, string(ApprovalPending))
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending approval %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) PutPendingPlan(ctx context.Context, plan *PendingPlan) error {
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_plans (approval_id, run_id, session_id, tool, input, rationale, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		plan.ApprovalID, plan.RunID, plan.SessionID, plan.Tool, string(plan.Input), plan.Rationale,
		formatTime(plan.CreatedAt))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("pending plan %s: %w", plan.ApprovalID, ErrConflict)
		}
		return fmt.Errorf("insert pending plan: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TakePendingPlan(ctx context.Context, approvalID string) (*PendingPlan, error) {
	var (
		plan      PendingPlan
		input     string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM pending_plans WHERE approval_id = ?
		 RETURNING approval_id, run_id, session_id, tool, input, rationale, created_at`, approvalID).
		Scan(&plan.ApprovalID, &plan.RunID, &plan.SessionID, &plan.Tool, &input, &plan.Rationale, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending plan %s: %w", approvalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("take pending plan: %w", err)
	}
	plan.Input = json.RawMessage(input)
	plan.CreatedAt = parseTime(createdAt)
	return &plan, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, run_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.SessionID, msg.RunID, msg.Role, msg.Content, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	query := `SELECT session_id, run_id, role, content, created_at FROM messages
	          WHERE session_id = ? ORDER BY seq DESC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var (
			m         Message
			createdAt string
		)
		if err := rows.Scan(&m.SessionID, &m.RunID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
