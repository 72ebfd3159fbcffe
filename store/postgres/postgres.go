// Package postgres implements every engine's Adapter against PostgreSQL via
// pgx/v5, with embedded golang-migrate migrations — grounded directly on
// backend/store/postgres/postgres.go (pgxpool + iofs-embedded
// SQL + pgx5:// migrate URL rewriting), generalized from user/subscription
// tables to jobs/processes/workflow_instances/logs/engine_config.
//
// jobs.Adapter and processes.Adapter both declare a Get(ctx, id) method
// with different return types, so no single Go type can satisfy both at
// once. DB therefore exposes one thin sub-adapter type per engine (Jobs,
// Processes, Workflows, Logs), each sharing the same pool, rather than
// implementing every interface directly on DB itself.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/donkeylabs/core/jobs"
	"github.com/donkeylabs/core/logsvc"
	"github.com/donkeylabs/core/processes"
	"github.com/donkeylabs/core/workflows"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB owns the connection pool and satisfies store.ConfigStore directly; the
// per-engine adapters are thin views over the same pool.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := RunMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn. Safe to call
// more than once; ErrNoChange is treated as success. Exported for
// cmd/donkeylabs-migrate.
func RunMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// Jobs returns a jobs.Adapter backed by this pool.
func (d *DB) Jobs() jobs.Adapter { return &jobsAdapter{pool: d.pool} }

// Processes returns a processes.Adapter backed by this pool.
func (d *DB) Processes() processes.Adapter { return &processesAdapter{pool: d.pool} }

// Workflows returns a workflows.Adapter backed by this pool.
func (d *DB) Workflows() workflows.Adapter { return &workflowsAdapter{pool: d.pool} }

// Logs returns a logsvc.Adapter backed by this pool.
func (d *DB) Logs() logsvc.Adapter { return &logsAdapter{pool: d.pool} }

// ---- store.ConfigStore ----

func (d *DB) GetConfig(ctx context.Context) (map[string]any, bool, error) {
	var data []byte
	err := d.pool.QueryRow(ctx, `SELECT data_json FROM engine_config WHERE id = true`).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (d *DB) SetConfig(ctx context.Context, data map[string]any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO engine_config (id, data_json, updated_at) VALUES (true, $1, now())
		ON CONFLICT (id) DO UPDATE SET data_json = $1, updated_at = now()`, b)
	return err
}

// ---- jobs.Adapter ----

type jobsAdapter struct{ pool *pgxpool.Pool }

func (d *jobsAdapter) Insert(ctx context.Context, j *jobs.Job) error {
	data, _ := json.Marshal(j.Payload)
	_, err := d.pool.Exec(ctx, `
		INSERT INTO jobs (id, name, status, data_json, attempts, max_attempts, run_at, trace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, j.ID, j.Name, j.Status, data, j.Attempts, j.MaxAttempts, nullTime(j.RunAt), j.TraceID, j.CreatedAt)
	return err
}

func (d *jobsAdapter) Get(ctx context.Context, id string) (*jobs.Job, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT id, name, status, data_json, attempts, max_attempts, run_at, lease_until,
		       last_heartbeat, trace_id, result_json, error, created_at, started_at, finished_at
		FROM jobs WHERE id = $1`, id)
	j, err := scanJobRows(row)
	if err == pgx.ErrNoRows {
		return nil, jobs.ErrNotFound
	}
	return j, err
}

func (d *jobsAdapter) Cancel(ctx context.Context, id string) error {
	tag, err := d.pool.Exec(ctx, `UPDATE jobs SET status = 'cancelled' WHERE id = $1 AND status NOT IN ('completed','failed','cancelled')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

func (d *jobsAdapter) AcquirePending(ctx context.Context, limit int, leaseUntil time.Time) ([]*jobs.Job, error) {
	rows, err := d.pool.Query(ctx, `
		WITH claimed AS (
			SELECT id FROM jobs
			WHERE status IN ('pending','scheduled') AND (run_at IS NULL OR run_at <= now())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET status = 'running', lease_until = $2, last_heartbeat = now(), started_at = now()
		WHERE id IN (SELECT id FROM claimed)
		RETURNING id, name, status, data_json, attempts, max_attempts, run_at, lease_until,
		          last_heartbeat, trace_id, result_json, error, created_at, started_at, finished_at
	`, limit, leaseUntil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (d *jobsAdapter) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := d.pool.Exec(ctx, `UPDATE jobs SET last_heartbeat = $2 WHERE id = $1`, id, at)
	return err
}

func (d *jobsAdapter) Complete(ctx context.Context, id string, result any, finishedAt time.Time) error {
	data, _ := json.Marshal(result)
	_, err := d.pool.Exec(ctx, `UPDATE jobs SET status = 'completed', result_json = $2, finished_at = $3 WHERE id = $1`, id, data, finishedAt)
	return err
}

func (d *jobsAdapter) Retry(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE jobs SET status = 'scheduled', run_at = $2, attempts = attempts + 1, error = $3
		WHERE id = $1`, id, runAt, errMsg)
	return err
}

func (d *jobsAdapter) Fail(ctx context.Context, id string, errMsg string, finishedAt time.Time) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', attempts = attempts + 1, error = $2, finished_at = $3
		WHERE id = $1`, id, errMsg, finishedAt)
	return err
}

func (d *jobsAdapter) AcquireStale(ctx context.Context, now time.Time) ([]*jobs.Job, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, name, status, data_json, attempts, max_attempts, run_at, lease_until,
		       last_heartbeat, trace_id, result_json, error, created_at, started_at, finished_at
		FROM jobs WHERE status = 'running' AND lease_until < $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJobRows(rows)
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

func scanJobRows(row rowScanner) (*jobs.Job, error) {
	var j jobs.Job
	var data, result []byte
	var runAt, leaseUntil, lastHeartbeat, startedAt, finishedAt *time.Time
	var errMsg *string
	err := row.Scan(&j.ID, &j.Name, &j.Status, &data, &j.Attempts, &j.MaxAttempts, &runAt, &leaseUntil,
		&lastHeartbeat, &j.TraceID, &result, &errMsg, &j.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		j.Error = *errMsg
	}
	_ = json.Unmarshal(data, &j.Payload)
	_ = json.Unmarshal(result, &j.Result)
	setTime(&j.RunAt, runAt)
	setTime(&j.LeaseUntil, leaseUntil)
	setTime(&j.LastHeartbeat, lastHeartbeat)
	setTime(&j.StartedAt, startedAt)
	setTime(&j.FinishedAt, finishedAt)
	return &j, nil
}

// ---- processes.Adapter ----

type processesAdapter struct{ pool *pgxpool.Pool }

const processColumns = `id, name, pid, socket_path, tcp_port, status, metadata_json,
	created_at, started_at, stopped_at, last_heartbeat, restart_count, consecutive_failures, error`

func (d *processesAdapter) Insert(ctx context.Context, p *processes.Process) error {
	meta, _ := json.Marshal(p.Metadata)
	_, err := d.pool.Exec(ctx, `
		INSERT INTO processes (id, name, status, metadata_json, created_at, restart_count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Name, p.Status, meta, p.CreatedAt, p.RestartCount)
	return err
}

func (d *processesAdapter) Update(ctx context.Context, p *processes.Process) error {
	meta, _ := json.Marshal(p.Metadata)
	_, err := d.pool.Exec(ctx, `
		UPDATE processes SET pid=$2, socket_path=$3, tcp_port=$4, status=$5, metadata_json=$6,
		       started_at=$7, stopped_at=$8, last_heartbeat=$9, restart_count=$10,
		       consecutive_failures=$11, error=$12
		WHERE id=$1`,
		p.ID, nullInt(p.PID), p.SocketPath, nullInt(p.TCPPort), p.Status, meta,
		nullTime(p.StartedAt), nullTime(p.StoppedAt), nullTime(p.LastHeartbeat), p.RestartCount,
		p.ConsecutiveFailures, p.Error)
	return err
}

func (d *processesAdapter) Get(ctx context.Context, id string) (*processes.Process, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+processColumns+` FROM processes WHERE id = $1`, id)
	return scanProcessRows(row)
}

func (d *processesAdapter) GetByName(ctx context.Context, name string) ([]*processes.Process, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+processColumns+` FROM processes WHERE name = $1 ORDER BY created_at`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*processes.Process
	for rows.Next() {
		p, err := scanProcessRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *processesAdapter) GetRunning(ctx context.Context) ([]*processes.Process, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+processColumns+` FROM processes WHERE status = 'running'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*processes.Process
	for rows.Next() {
		p, err := scanProcessRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (d *processesAdapter) GetRecoverable(ctx context.Context) ([]*processes.Process, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+processColumns+` FROM processes WHERE status IN ('running','spawning','orphaned')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*processes.Process
	for rows.Next() {
		p, err := scanProcessRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProcessRows(row rowScanner) (*processes.Process, error) {
	var p processes.Process
	var meta []byte
	var pid, tcpPort *int
	var startedAt, stoppedAt, lastHeartbeat *time.Time
	var socketPath, errMsg *string
	err := row.Scan(&p.ID, &p.Name, &pid, &socketPath, &tcpPort, &p.Status, &meta,
		&p.CreatedAt, &startedAt, &stoppedAt, &lastHeartbeat, &p.RestartCount, &p.ConsecutiveFailures, &errMsg)
	if err != nil {
		return nil, err
	}
	if socketPath != nil {
		p.SocketPath = *socketPath
	}
	if errMsg != nil {
		p.Error = *errMsg
	}
	_ = json.Unmarshal(meta, &p.Metadata)
	if pid != nil {
		p.PID = *pid
	}
	if tcpPort != nil {
		p.TCPPort = *tcpPort
	}
	setTime(&p.StartedAt, startedAt)
	setTime(&p.StoppedAt, stoppedAt)
	setTime(&p.LastHeartbeat, lastHeartbeat)
	return &p, nil
}

// ---- workflows.Adapter ----

type workflowsAdapter struct{ pool *pgxpool.Pool }

const instanceColumns = `id, workflow_name, status, current_step, input_json, output_json, error,
	step_results_json, branch_instances_json, metadata_json, parent_id, branch_name, created_at, started_at, completed_at`

func (d *workflowsAdapter) Insert(ctx context.Context, inst *workflows.Instance) error {
	input, _ := json.Marshal(inst.Input)
	stepResults, _ := json.Marshal(inst.StepResults)
	branchInstances, _ := json.Marshal(inst.BranchInstances)
	meta, _ := json.Marshal(inst.Metadata)
	_, err := d.pool.Exec(ctx, `
		INSERT INTO workflow_instances (id, workflow_name, status, current_step, input_json,
		    step_results_json, branch_instances_json, metadata_json, parent_id, branch_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, inst.ID, inst.WorkflowName, inst.Status, inst.CurrentStep, input, stepResults, branchInstances,
		meta, nullString(inst.ParentID), nullString(inst.BranchName), inst.CreatedAt)
	return err
}

func (d *workflowsAdapter) Update(ctx context.Context, inst *workflows.Instance) error {
	output, _ := json.Marshal(inst.Output)
	stepResults, _ := json.Marshal(inst.StepResults)
	branchInstances, _ := json.Marshal(inst.BranchInstances)
	meta, _ := json.Marshal(inst.Metadata)
	_, err := d.pool.Exec(ctx, `
		UPDATE workflow_instances SET status=$2, current_step=$3, output_json=$4, error=$5,
		    step_results_json=$6, branch_instances_json=$7, metadata_json=$8, started_at=$9, completed_at=$10
		WHERE id=$1
	`, inst.ID, inst.Status, inst.CurrentStep, output, inst.Error, stepResults, branchInstances, meta,
		nullTime(inst.StartedAt), nullTime(inst.CompletedAt))
	return err
}

func (d *workflowsAdapter) Get(ctx context.Context, id string) (*workflows.Instance, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id)
	inst, err := scanInstanceRows(row)
	if err == pgx.ErrNoRows {
		return nil, workflows.ErrNotFound
	}
	return inst, err
}

func (d *workflowsAdapter) GetRunning(ctx context.Context) ([]*workflows.Instance, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE status = 'running'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*workflows.Instance
	for rows.Next() {
		inst, err := scanInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstanceRows(row rowScanner) (*workflows.Instance, error) {
	var inst workflows.Instance
	var input, output, stepResults, branchInstances, meta []byte
	var parentID, branchName, errMsg *string
	var startedAt, completedAt *time.Time
	err := row.Scan(&inst.ID, &inst.WorkflowName, &inst.Status, &inst.CurrentStep, &input, &output,
		&errMsg, &stepResults, &branchInstances, &meta, &parentID, &branchName,
		&inst.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		inst.Error = *errMsg
	}
	_ = json.Unmarshal(input, &inst.Input)
	_ = json.Unmarshal(output, &inst.Output)
	inst.StepResults = make(map[string]*workflows.StepResult)
	_ = json.Unmarshal(stepResults, &inst.StepResults)
	inst.BranchInstances = make(map[string][]string)
	_ = json.Unmarshal(branchInstances, &inst.BranchInstances)
	_ = json.Unmarshal(meta, &inst.Metadata)
	if parentID != nil {
		inst.ParentID = *parentID
	}
	if branchName != nil {
		inst.BranchName = *branchName
	}
	setTime(&inst.StartedAt, startedAt)
	setTime(&inst.CompletedAt, completedAt)
	return &inst, nil
}

// ---- logsvc.Adapter ----

type logsAdapter struct{ pool *pgxpool.Pool }

func (d *logsAdapter) WriteBatch(ctx context.Context, entries []logsvc.Entry) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, e := range entries {
		tags, _ := json.Marshal(e.Tags)
		data, _ := json.Marshal(e.Data)
		ectx, _ := json.Marshal(e.Context)
		_, err := tx.Exec(ctx, `
			INSERT INTO logs (id, timestamp, level, message, source, source_id, tags_json, data_json, context_json)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, e.ID, e.Timestamp, e.Level.String(), e.Message, e.Source, nullString(e.SourceID), tags, data, ectx)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// levelOrdCase maps the stored level text back to its ordinal so MinLevel
// can be applied as a numeric, inclusive comparison.
const levelOrdCase = `CASE level WHEN 'debug' THEN 0 WHEN 'info' THEN 1 WHEN 'warn' THEN 2 WHEN 'error' THEN 3 ELSE 1 END`

// buildLogFilter renders the shared WHERE clause and argument list for
// Filters, used by both Query and Count so the two never disagree about
// which rows match.
func buildLogFilter(f logsvc.Filters) (string, []any) {
	clauses := []string{"1=1"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Source != "" {
		clauses = append(clauses, "source = "+arg(string(f.Source)))
	}
	if f.SourceID != "" {
		clauses = append(clauses, "source_id = "+arg(f.SourceID))
	}
	if f.MinLevel > 0 {
		clauses = append(clauses, levelOrdCase+" >= "+arg(int(f.MinLevel)))
	}
	if len(f.Tags) > 0 {
		tagsJSON, _ := json.Marshal(f.Tags)
		clauses = append(clauses, "tags_json @> "+arg(string(tagsJSON))+"::jsonb")
	}
	if f.Search != "" {
		clauses = append(clauses, "message ILIKE "+arg("%"+f.Search+"%"))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp >= "+arg(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "timestamp <= "+arg(f.Until))
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
	rows, err := d.pool.Query(ctx, q, args...)
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
	err := d.pool.QueryRow(ctx, q, args...).Scan(&n)
	return n, err
}

func (d *logsAdapter) GetBySource(ctx context.Context, source logsvc.Source, sourceID string, limit int) ([]logsvc.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.pool.Query(ctx, `
		SELECT id, timestamp, level, message, source, source_id, tags_json, data_json, context_json
		FROM logs WHERE source = $1 AND ($2 = '' OR source_id = $2)
		ORDER BY timestamp DESC LIMIT $3`, string(source), sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLogEntries(rows)
}

func (d *logsAdapter) DeleteOlderThan(ctx context.Context, cutoff time.Time, source logsvc.Source) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM logs WHERE source = $1 AND timestamp < $2`, string(source), cutoff)
	return err
}

func scanLogEntries(rows pgx.Rows) ([]logsvc.Entry, error) {
	var out []logsvc.Entry
	for rows.Next() {
		var e logsvc.Entry
		var level string
		var sourceID *string
		var tags, data, ectx []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &level, &e.Message, &e.Source, &sourceID, &tags, &data, &ectx); err != nil {
			return nil, err
		}
		e.Level = logsvc.ParseLevel(level)
		if sourceID != nil {
			e.SourceID = *sourceID
		}
		_ = json.Unmarshal(tags, &e.Tags)
		_ = json.Unmarshal(data, &e.Data)
		_ = json.Unmarshal(ectx, &e.Context)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func setTime(dst *time.Time, src *time.Time) {
	if src != nil {
		*dst = *src
	}
}

func nullInt(i int) *int {
	if i == 0 {
		return nil
	}
	return &i
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
