// Package sqlite implements every engine's Adapter against a single-file
// SQLite database via modernc.org/sqlite (CGO-free), for single-node/dev/
// test deployments — grounded on the root-level store/sqlite/sqlite.go
// variant: idempotent `CREATE TABLE IF NOT EXISTS` run at Open time rather
// than golang-migrate's versioned migrations (SQLite has no FOR UPDATE
// SKIP LOCKED, so AcquirePending below uses a single-writer-friendly
// UPDATE ... WHERE ... RETURNING-less two-step instead).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/donkeylabs/core/jobs"
	"github.com/donkeylabs/core/logsvc"
	"github.com/donkeylabs/core/processes"
	"github.com/donkeylabs/core/workflows"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	data_json TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	run_at TEXT,
	lease_until TEXT,
	last_heartbeat TEXT,
	trace_id TEXT,
	result_json TEXT,
	error TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_runat ON jobs (status, run_at);

CREATE TABLE IF NOT EXISTS processes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	pid INTEGER,
	socket_path TEXT,
	tcp_port INTEGER,
	status TEXT NOT NULL,
	metadata_json TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	stopped_at TEXT,
	last_heartbeat TEXT,
	restart_count INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_processes_name ON processes (name);
CREATE INDEX IF NOT EXISTS idx_processes_status ON processes (status);

CREATE TABLE IF NOT EXISTS workflow_instances (
	id TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL,
	status TEXT NOT NULL,
	current_step TEXT,
	input_json TEXT,
	output_json TEXT,
	error TEXT,
	step_results_json TEXT,
	branch_instances_json TEXT,
	metadata_json TEXT,
	parent_id TEXT,
	branch_name TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_workflow_instances_status ON workflow_instances (status);
CREATE INDEX IF NOT EXISTS idx_workflow_instances_parent ON workflow_instances (parent_id);

CREATE TABLE IF NOT EXISTS logs (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	source TEXT NOT NULL,
	source_id TEXT,
	tags_json TEXT,
	data_json TEXT,
	context_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_logs_source ON logs (source, source_id);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs (timestamp);

CREATE TABLE IF NOT EXISTS engine_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// DB owns the *sql.DB handle and satisfies store.ConfigStore directly; the
// per-engine adapters are thin views over the same handle.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) a SQLite file at path and applies schema.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite: one writer avoids SQLITE_BUSY storms
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (d *DB) Close() error { return d.conn.Close() }

func (d *DB) Jobs() jobs.Adapter           { return &jobsAdapter{conn: d.conn} }
func (d *DB) Processes() processes.Adapter { return &processesAdapter{conn: d.conn} }
func (d *DB) Workflows() workflows.Adapter { return &workflowsAdapter{conn: d.conn} }
func (d *DB) Logs() logsvc.Adapter         { return &logsAdapter{conn: d.conn} }

// ---- store.ConfigStore ----

func (d *DB) GetConfig(ctx context.Context) (map[string]any, bool, error) {
	var data string
	err := d.conn.QueryRowContext(ctx, `SELECT data_json FROM engine_config WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (d *DB) SetConfig(ctx context.Context, data map[string]any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO engine_config (id, data_json, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data_json = excluded.data_json, updated_at = excluded.updated_at
	`, string(b), nowStr())
	return err
}

// ---- shared time helpers ----
//
// SQLite has no native timestamp type; every time.Time is stored as RFC3339
// text and NULL-able columns round-trip through *string.

func nowStr() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func timeStr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTime(s *string) time.Time {
	if s == nil || *s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, *s)
	return t
}

// ---- jobs.Adapter ----

type jobsAdapter struct{ conn *sql.DB }

func (d *jobsAdapter) Insert(ctx context.Context, j *jobs.Job) error {
	data, _ := json.Marshal(j.Payload)
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO jobs (id, name, status, data_json, attempts, max_attempts, run_at, trace_id, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)
	`, j.ID, j.Name, j.Status, string(data), j.Attempts, j.MaxAttempts, timeStr(j.RunAt), j.TraceID, nowStr())
	return err
}

func (d *jobsAdapter) Get(ctx context.Context, id string) (*jobs.Job, error) {
	row := d.conn.QueryRowContext(ctx, `
		SELECT id, name, status, data_json, attempts, max_attempts, run_at, lease_until,
		       last_heartbeat, trace_id, result_json, error, created_at, started_at, finished_at
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, jobs.ErrNotFound
	}
	return j, err
}

func (d *jobsAdapter) Cancel(ctx context.Context, id string) error {
	res, err := d.conn.ExecContext(ctx, `UPDATE jobs SET status = 'cancelled' WHERE id = ? AND status NOT IN ('completed','failed','cancelled')`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

// AcquirePending selects then updates in a transaction. With MaxOpenConns(1)
// this process is the only writer, so the select-then-update race that
// FOR UPDATE SKIP LOCKED closes on Postgres cannot occur here.
func (d *jobsAdapter) AcquirePending(ctx context.Context, limit int, leaseUntil time.Time) ([]*jobs.Job, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status IN ('pending','scheduled') AND (run_at IS NULL OR run_at <= ?)
		ORDER BY created_at LIMIT ?`, nowStr(), limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, "running", timeStr(leaseUntil), nowStr(), nowStr())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	q := fmt.Sprintf(`UPDATE jobs SET status = ?, lease_until = ?, last_heartbeat = ?, started_at = ? WHERE id IN (%s)`,
		strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return nil, err
	}

	var out []*jobs.Job
	for _, id := range ids {
		row := tx.QueryRowContext(ctx, `
			SELECT id, name, status, data_json, attempts, max_attempts, run_at, lease_until,
			       last_heartbeat, trace_id, result_json, error, created_at, started_at, finished_at
			FROM jobs WHERE id = ?`, id)
		j, err := scanJob(row)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, tx.Commit()
}

func (d *jobsAdapter) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE jobs SET last_heartbeat = ? WHERE id = ?`, timeStr(at), id)
	return err
}

func (d *jobsAdapter) Complete(ctx context.Context, id string, result any, finishedAt time.Time) error {
	data, _ := json.Marshal(result)
	_, err := d.conn.ExecContext(ctx, `UPDATE jobs SET status = 'completed', result_json = ?, finished_at = ? WHERE id = ?`,
		string(data), timeStr(finishedAt), id)
	return err
}

func (d *jobsAdapter) Retry(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE jobs SET status = 'scheduled', run_at = ?, attempts = attempts + 1, error = ?
		WHERE id = ?`, timeStr(runAt), errMsg, id)
	return err
}

func (d *jobsAdapter) Fail(ctx context.Context, id string, errMsg string, finishedAt time.Time) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', attempts = attempts + 1, error = ?, finished_at = ?
		WHERE id = ?`, errMsg, timeStr(finishedAt), id)
	return err
}

func (d *jobsAdapter) AcquireStale(ctx context.Context, now time.Time) ([]*jobs.Job, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, name, status, data_json, attempts, max_attempts, run_at, lease_until,
		       last_heartbeat, trace_id, result_json, error, created_at, started_at, finished_at
		FROM jobs WHERE status = 'running' AND lease_until < ?`, timeStr(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var j jobs.Job
	var data, result, errMsg sql.NullString
	var runAt, leaseUntil, lastHeartbeat, createdAt, startedAt, finishedAt sql.NullString
	err := row.Scan(&j.ID, &j.Name, &j.Status, &data, &j.Attempts, &j.MaxAttempts, &runAt, &leaseUntil,
		&lastHeartbeat, &j.TraceID, &result, &errMsg, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	j.Error = errMsg.String
	if data.Valid {
		_ = json.Unmarshal([]byte(data.String), &j.Payload)
	}
	if result.Valid {
		_ = json.Unmarshal([]byte(result.String), &j.Result)
	}
	j.RunAt = parseTime(nullStr(runAt))
	j.LeaseUntil = parseTime(nullStr(leaseUntil))
	j.LastHeartbeat = parseTime(nullStr(lastHeartbeat))
	j.CreatedAt = parseTime(nullStr(createdAt))
	j.StartedAt = parseTime(nullStr(startedAt))
	j.FinishedAt = parseTime(nullStr(finishedAt))
	return &j, nil
}

func nullStr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

// ---- processes.Adapter ----

type processesAdapter struct{ conn *sql.DB }

const processColumns = `id, name, pid, socket_path, tcp_port, status, metadata_json,
	created_at, started_at, stopped_at, last_heartbeat, restart_count, consecutive_failures, error`

func (d *processesAdapter) Insert(ctx context.Context, p *processes.Process) error {
	meta, _ := json.Marshal(p.Metadata)
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO processes (id, name, status, metadata_json, created_at, restart_count)
		VALUES (?,?,?,?,?,?)
	`, p.ID, p.Name, p.Status, string(meta), nowStr(), p.RestartCount)
	return err
}

func (d *processesAdapter) Update(ctx context.Context, p *processes.Process) error {
	meta, _ := json.Marshal(p.Metadata)
	_, err := d.conn.ExecContext(ctx, `
		UPDATE processes SET pid=?, socket_path=?, tcp_port=?, status=?, metadata_json=?,
		       started_at=?, stopped_at=?, last_heartbeat=?, restart_count=?,
		       consecutive_failures=?, error=?
		WHERE id=?`,
		nullIntVal(p.PID), p.SocketPath, nullIntVal(p.TCPPort), p.Status, string(meta),
		timeStr(p.StartedAt), timeStr(p.StoppedAt), timeStr(p.LastHeartbeat), p.RestartCount,
		p.ConsecutiveFailures, p.Error, p.ID)
	return err
}

func (d *processesAdapter) Get(ctx context.Context, id string) (*processes.Process, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id = ?`, id)
	return scanProcess(row)
}

func (d *processesAdapter) GetByName(ctx context.Context, name string) ([]*processes.Process, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+processColumns+` FROM processes WHERE name = ? ORDER BY created_at`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProcesses(rows)
}

func (d *processesAdapter) GetRunning(ctx context.Context) ([]*processes.Process, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+processColumns+` FROM processes WHERE status = 'running'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProcesses(rows)
}

func (d *processesAdapter) GetRecoverable(ctx context.Context) ([]*processes.Process, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+processColumns+` FROM processes WHERE status IN ('running','spawning','orphaned')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProcesses(rows)
}

func scanProcesses(rows *sql.Rows) ([]*processes.Process, error) {
	var out []*processes.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProcess(row rowScanner) (*processes.Process, error) {
	var p processes.Process
	var meta, socketPath, errMsg sql.NullString
	var pid, tcpPort sql.NullInt64
	var createdAt, startedAt, stoppedAt, lastHeartbeat sql.NullString
	err := row.Scan(&p.ID, &p.Name, &pid, &socketPath, &tcpPort, &p.Status, &meta,
		&createdAt, &startedAt, &stoppedAt, &lastHeartbeat, &p.RestartCount, &p.ConsecutiveFailures, &errMsg)
	if err != nil {
		return nil, err
	}
	p.SocketPath = socketPath.String
	p.Error = errMsg.String
	if meta.Valid {
		_ = json.Unmarshal([]byte(meta.String), &p.Metadata)
	}
	p.CreatedAt = parseTime(nullStr(createdAt))
	if pid.Valid {
		p.PID = int(pid.Int64)
	}
	if tcpPort.Valid {
		p.TCPPort = int(tcpPort.Int64)
	}
	p.StartedAt = parseTime(nullStr(startedAt))
	p.StoppedAt = parseTime(nullStr(stoppedAt))
	p.LastHeartbeat = parseTime(nullStr(lastHeartbeat))
	return &p, nil
}

func nullIntVal(i int) any {
	if i == 0 {
		return nil
	}
	return i
}

// ---- workflows.Adapter ----

type workflowsAdapter struct{ conn *sql.DB }

const instanceColumns = `id, workflow_name, status, current_step, input_json, output_json, error,
	step_results_json, branch_instances_json, metadata_json, parent_id, branch_name, created_at, started_at, completed_at`

func (d *workflowsAdapter) Insert(ctx context.Context, inst *workflows.Instance) error {
	input, _ := json.Marshal(inst.Input)
	stepResults, _ := json.Marshal(inst.StepResults)
	branchInstances, _ := json.Marshal(inst.BranchInstances)
	meta, _ := json.Marshal(inst.Metadata)
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO workflow_instances (id, workflow_name, status, current_step, input_json,
		    step_results_json, branch_instances_json, metadata_json, parent_id, branch_name, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, inst.ID, inst.WorkflowName, inst.Status, inst.CurrentStep, string(input), string(stepResults),
		string(branchInstances), string(meta), nullStrVal(inst.ParentID), nullStrVal(inst.BranchName), nowStr())
	return err
}

func (d *workflowsAdapter) Update(ctx context.Context, inst *workflows.Instance) error {
	output, _ := json.Marshal(inst.Output)
	stepResults, _ := json.Marshal(inst.StepResults)
	branchInstances, _ := json.Marshal(inst.BranchInstances)
	meta, _ := json.Marshal(inst.Metadata)
	_, err := d.conn.ExecContext(ctx, `
		UPDATE workflow_instances SET status=?, current_step=?, output_json=?, error=?,
		    step_results_json=?, branch_instances_json=?, metadata_json=?, started_at=?, completed_at=?
		WHERE id=?
	`, inst.Status, inst.CurrentStep, string(output), inst.Error, string(stepResults), string(branchInstances),
		string(meta), timeStr(inst.StartedAt), timeStr(inst.CompletedAt), inst.ID)
	return err
}

func (d *workflowsAdapter) Get(ctx context.Context, id string) (*workflows.Instance, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, workflows.ErrNotFound
	}
	return inst, err
}

func (d *workflowsAdapter) GetRunning(ctx context.Context) ([]*workflows.Instance, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE status = 'running'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*workflows.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row rowScanner) (*workflows.Instance, error) {
	var inst workflows.Instance
	var input, output, stepResults, branchInstances, meta sql.NullString
	var parentID, branchName, errMsg sql.NullString
	var createdAt, startedAt, completedAt sql.NullString
	err := row.Scan(&inst.ID, &inst.WorkflowName, &inst.Status, &inst.CurrentStep, &input, &output,
		&errMsg, &stepResults, &branchInstances, &meta, &parentID, &branchName,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	inst.Error = errMsg.String
	inst.CreatedAt = parseTime(nullStr(createdAt))
	if input.Valid {
		_ = json.Unmarshal([]byte(input.String), &inst.Input)
	}
	if output.Valid {
		_ = json.Unmarshal([]byte(output.String), &inst.Output)
	}
	inst.StepResults = make(map[string]*workflows.StepResult)
	if stepResults.Valid {
		_ = json.Unmarshal([]byte(stepResults.String), &inst.StepResults)
	}
	inst.BranchInstances = make(map[string][]string)
	if branchInstances.Valid {
		_ = json.Unmarshal([]byte(branchInstances.String), &inst.BranchInstances)
	}
	if meta.Valid {
		_ = json.Unmarshal([]byte(meta.String), &inst.Metadata)
	}
	if parentID.Valid {
		inst.ParentID = parentID.String
	}
	if branchName.Valid {
		inst.BranchName = branchName.String
	}
	inst.StartedAt = parseTime(nullStr(startedAt))
	inst.CompletedAt = parseTime(nullStr(completedAt))
	return &inst, nil
}

func nullStrVal(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ---- logsvc.Adapter ----

type logsAdapter struct{ conn *sql.DB }

func (d *logsAdapter) WriteBatch(ctx context.Context, entries []logsvc.Entry) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range entries {
		tags, _ := json.Marshal(e.Tags)
		data, _ := json.Marshal(e.Data)
		ectx, _ := json.Marshal(e.Context)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO logs (id, timestamp, level, message, source, source_id, tags_json, data_json, context_json)
			VALUES (?,?,?,?,?,?,?,?,?)
		`, e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Level.String(), e.Message, string(e.Source),
			nullStrVal(e.SourceID), string(tags), string(data), string(ectx))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// levelOrdCase maps the stored level text back to its ordinal so MinLevel
// can be applied as a numeric, inclusive comparison.
const levelOrdCase = `CASE level WHEN 'debug' THEN 0 WHEN 'info' THEN 1 WHEN 'warn' THEN 2 WHEN 'error' THEN 3 ELSE 1 END`

// buildLogFilter renders the shared WHERE clause and argument list for
// Filters, used by both Query and Count so the two never disagree about
// which rows match.
func buildLogFilter(f logsvc.Filters) (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, string(f.Source))
	}
	if f.SourceID != "" {
		clauses = append(clauses, "source_id = ?")
		args = append(args, f.SourceID)
	}
	if f.MinLevel > 0 {
		clauses = append(clauses, levelOrdCase+" >= ?")
		args = append(args, int(f.MinLevel))
	}
	for _, tag := range f.Tags {
		clauses = append(clauses, "tags_json LIKE ?")
		tagJSON, _ := json.Marshal(tag)
		args = append(args, "%"+string(tagJSON)+"%")
	}
	if f.Search != "" {
		clauses = append(clauses, "message LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	return strings.Join(clauses, " AND "), args
}

func (d *logsAdapter) Query(ctx context.Context, f logsvc.Filters) ([]logsvc.Entry, error) {
	where, args := buildLogFilter(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT id, timestamp, level, message, source, source_id, tags_json, data_json, context_json
		FROM logs WHERE %s ORDER BY timestamp DESC LIMIT %d OFFSET %d`, where, limit, f.Offset)
	rows, err := d.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLogEntries(rows)
}

func (d *logsAdapter) Count(ctx context.Context, f logsvc.Filters) (int, error) {
	where, args := buildLogFilter(f)
	q := fmt.Sprintf(`SELECT COUNT(*) FROM logs WHERE %s`, where)
	var n int
	err := d.conn.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func (d *logsAdapter) GetBySource(ctx context.Context, source logsvc.Source, sourceID string, limit int) ([]logsvc.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, timestamp, level, message, source, source_id, tags_json, data_json, context_json
		FROM logs WHERE source = ? AND (? = '' OR source_id = ?)
		ORDER BY timestamp DESC LIMIT ?`, string(source), sourceID, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLogEntries(rows)
}

func (d *logsAdapter) DeleteOlderThan(ctx context.Context, cutoff time.Time, source logsvc.Source) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM logs WHERE source = ? AND timestamp < ?`,
		string(source), cutoff.UTC().Format(time.RFC3339Nano))
	return err
}

func scanLogEntries(rows *sql.Rows) ([]logsvc.Entry, error) {
	var out []logsvc.Entry
	for rows.Next() {
		var e logsvc.Entry
		var ts, level string
		var sourceID sql.NullString
		var tags, data, ectx sql.NullString
		if err := rows.Scan(&e.ID, &ts, &level, &e.Message, &e.Source, &sourceID, &tags, &data, &ectx); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Level = logsvc.ParseLevel(level)
		if sourceID.Valid {
			e.SourceID = sourceID.String
		}
		if tags.Valid {
			_ = json.Unmarshal([]byte(tags.String), &e.Tags)
		}
		if data.Valid {
			_ = json.Unmarshal([]byte(data.String), &e.Data)
		}
		if ectx.Valid {
			_ = json.Unmarshal([]byte(ectx.String), &e.Context)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
