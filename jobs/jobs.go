// Package jobs implements the durable job queue: register/enqueue/schedule
// against a named handler table, a leased polling dispatcher, heartbeat-
// based stale recovery, and jittered backoff retries.
//
// Grounded on manager.reconcile loop (manager/manager.go: a ticker-driven
// scan of subscription rows transitioning them through a small state
// machine with conditional updates), generalized from "rows of video
// subscriptions" to "rows of jobs", and on store.Store's conditional-update
// pattern (UPDATE ... WHERE status = $expected) for the lease-acquisition
// race.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/donkeylabs/core/eventbus"
	"github.com/donkeylabs/core/internal/backoff"
	"github.com/donkeylabs/core/internal/ids"
	"github.com/donkeylabs/core/metrics"
)

// Status is a Job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is the persisted row.
type Job struct {
	ID             string
	Name           string
	Payload        any
	Status         Status
	Attempts       int
	MaxAttempts    int
	RunAt          time.Time
	LeaseUntil     time.Time
	LastHeartbeat  time.Time
	TraceID        string
	Result         any
	Error          string
	CreatedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
}

// EnqueueOptions configures a single enqueue/schedule call.
type EnqueueOptions struct {
	MaxAttempts int
	TraceID     string
}

// Ctx is passed to a Handler.
type Ctx struct {
	JobID    string
	Name     string
	Attempts int
	TraceID  string
	ctx      context.Context
	jobs     *Jobs
}

// Context returns the context the handler runs under; it is cancelled when
// the Jobs engine stops.
func (c Ctx) Context() context.Context { return c.ctx }

// Emit publishes a per-job event `job.<name>.<eventName>` on the bus.
func (c Ctx) Emit(eventName string, data any) {
	if c.jobs.bus == nil {
		return
	}
	c.jobs.bus.Emit(c.ctx, fmt.Sprintf("job.%s.%s", c.Name, eventName), data)
}

// Handler processes one job's payload and returns a result or an error.
type Handler func(payload any, jc Ctx) (any, error)

// Adapter is the durable backing store for job rows.
type Adapter interface {
	Insert(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Cancel(ctx context.Context, id string) error
	// AcquirePending atomically claims up to limit rows in pending/scheduled
	// state whose runAt has arrived, transitioning them to running with the
	// given lease deadline, and returns the claimed rows. Implementations
	// must use a conditional update (WHERE status IN (...) AND runAt <= now)
	// so concurrent workers never double-claim the same row.
	AcquirePending(ctx context.Context, limit int, leaseUntil time.Time) ([]*Job, error)
	Heartbeat(ctx context.Context, id string, at time.Time) error
	Complete(ctx context.Context, id string, result any, finishedAt time.Time) error
	Retry(ctx context.Context, id string, runAt time.Time, errMsg string) error
	Fail(ctx context.Context, id string, errMsg string, finishedAt time.Time) error
	// AcquireStale returns running rows whose lease has expired without a
	// fresh heartbeat, for the stale-recovery sweep.
	AcquireStale(ctx context.Context, now time.Time) ([]*Job, error)
}

// Config tunes poll cadence, lease length, heartbeat interval, and retry
// backoff.
type Config struct {
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	DefaultMaxAttempts int
	Backoff           backoff.Config
	Concurrency       int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 5
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = time.Second
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = 2
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = 30 * time.Second
	}
	return c
}

// ErrUnknownJobName is returned by enqueue/schedule for an unregistered name.
var ErrUnknownJobName = errors.New("jobs: unknown job name")

// ErrNotFound is returned by Get/Cancel for an unknown id.
var ErrNotFound = errors.New("jobs: job not found")

// Jobs is the durable job queue engine.
type Jobs struct {
	cfg     Config
	adapter Adapter
	bus     *eventbus.Bus

	mu       sync.RWMutex
	handlers map[string]Handler

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	sem      chan struct{}
	started  bool
}

// New constructs a Jobs engine. bus may be nil to disable event emission.
func New(adapter Adapter, bus *eventbus.Bus, cfg Config) *Jobs {
	cfg = cfg.withDefaults()
	return &Jobs{
		cfg:      cfg,
		adapter:  adapter,
		bus:      bus,
		handlers: make(map[string]Handler),
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// Register binds a handler to name. Re-registering overwrites.
func (j *Jobs) Register(name string, h Handler) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.handlers[name] = h
}

// Enqueue creates an immediately-pending job.
func (j *Jobs) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (string, error) {
	return j.create(ctx, name, payload, time.Time{}, opts)
}

// Schedule creates a job that becomes eligible for dispatch at runAt.
func (j *Jobs) Schedule(ctx context.Context, name string, payload any, runAt time.Time, opts EnqueueOptions) (string, error) {
	return j.create(ctx, name, payload, runAt, opts)
}

func (j *Jobs) create(ctx context.Context, name string, payload any, runAt time.Time, opts EnqueueOptions) (string, error) {
	j.mu.RLock()
	_, known := j.handlers[name]
	j.mu.RUnlock()
	if !known {
		return "", fmt.Errorf("%w: %q", ErrUnknownJobName, name)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = j.cfg.DefaultMaxAttempts
	}

	status := StatusPending
	if !runAt.IsZero() {
		status = StatusScheduled
	}

	job := &Job{
		ID:          ids.Job(),
		Name:        name,
		Payload:     payload,
		Status:      status,
		MaxAttempts: maxAttempts,
		RunAt:       runAt,
		TraceID:     opts.TraceID,
		CreatedAt:   time.Now(),
	}
	if job.TraceID == "" {
		job.TraceID = job.ID
	}

	if err := j.adapter.Insert(ctx, job); err != nil {
		return "", fmt.Errorf("jobs: enqueue %q: %w", name, err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(name).Inc()
	return job.ID, nil
}

// Get returns a job by id.
func (j *Jobs) Get(ctx context.Context, id string) (*Job, error) {
	job, err := j.adapter.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("jobs: get %q: %w", id, err)
	}
	return job, nil
}

// Cancel marks a job cancelled, a terminal state.
func (j *Jobs) Cancel(ctx context.Context, id string) error {
	if err := j.adapter.Cancel(ctx, id); err != nil {
		return fmt.Errorf("jobs: cancel %q: %w", id, err)
	}
	return nil
}

// Start begins the poll/dispatch loop and the stale-recovery sweep.
func (j *Jobs) Start(ctx context.Context) {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return
	}
	j.started = true
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.mu.Unlock()

	j.wg.Add(2)
	go j.pollLoop(runCtx)
	go j.staleLoop(runCtx)
}

// Stop halts dispatch and waits for in-flight handlers to return.
func (j *Jobs) Stop() {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return
	}
	j.started = false
	cancel := j.cancel
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	j.wg.Wait()
}

func (j *Jobs) pollLoop(ctx context.Context) {
	defer j.wg.Done()
	ticker := time.NewTicker(j.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.dispatchOnce(ctx)
		}
	}
}

func (j *Jobs) dispatchOnce(ctx context.Context) {
	claimed, err := j.adapter.AcquirePending(ctx, j.cfg.Concurrency, time.Now().Add(j.cfg.LeaseDuration))
	if err != nil {
		log.Printf("jobs: acquire pending: %v", err)
		return
	}
	for _, job := range claimed {
		job := job
		select {
		case j.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		j.wg.Add(1)
		go func() {
			defer j.wg.Done()
			defer func() { <-j.sem }()
			j.run(ctx, job)
		}()
	}
}

func (j *Jobs) run(ctx context.Context, job *Job) {
	j.mu.RLock()
	handler, known := j.handlers[job.Name]
	j.mu.RUnlock()
	if !known {
		j.fail(ctx, job, fmt.Sprintf("no handler registered for %q", job.Name))
		return
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				if err := j.adapter.Heartbeat(ctx, job.ID, time.Now()); err != nil {
					log.Printf("jobs: heartbeat %s: %v", job.ID, err)
				}
			}
		}
	}()

	timer := metrics.NewTimer()
	jc := Ctx{JobID: job.ID, Name: job.Name, Attempts: job.Attempts + 1, TraceID: job.TraceID, ctx: ctx, jobs: j}
	result, err := handler(job.Payload, jc)
	stopHeartbeat()
	timer.ObserveDurationVec(metrics.JobDuration, job.Name)

	if err != nil {
		j.retryOrFail(ctx, job, err)
		return
	}

	if cerr := j.adapter.Complete(ctx, job.ID, result, time.Now()); cerr != nil {
		log.Printf("jobs: complete %s: %v", job.ID, cerr)
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues(job.Name).Inc()
	if j.bus != nil {
		j.bus.Emit(ctx, "job.completed", job)
	}
}

func (j *Jobs) retryOrFail(ctx context.Context, job *Job, cause error) {
	attempts := job.Attempts + 1
	if attempts < job.MaxAttempts {
		delay := backoff.Delay(attempts, j.cfg.Backoff)
		if err := j.adapter.Retry(ctx, job.ID, time.Now().Add(delay), cause.Error()); err != nil {
			log.Printf("jobs: retry %s: %v", job.ID, err)
			return
		}
		metrics.JobsRetriedTotal.WithLabelValues(job.Name).Inc()
		return
	}
	j.fail(ctx, job, cause.Error())
}

func (j *Jobs) fail(ctx context.Context, job *Job, errMsg string) {
	if err := j.adapter.Fail(ctx, job.ID, errMsg, time.Now()); err != nil {
		log.Printf("jobs: fail %s: %v", job.ID, err)
		return
	}
	metrics.JobsFailedTotal.WithLabelValues(job.Name).Inc()
	if j.bus != nil {
		j.bus.Emit(ctx, "job.failed", job)
	}
}

// staleLoop recovers running rows whose lease expired without a heartbeat
//.
func (j *Jobs) staleLoop(ctx context.Context) {
	defer j.wg.Done()
	ticker := time.NewTicker(j.cfg.LeaseDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.recoverStale(ctx)
		}
	}
}

func (j *Jobs) recoverStale(ctx context.Context) {
	stale, err := j.adapter.AcquireStale(ctx, time.Now())
	if err != nil {
		log.Printf("jobs: acquire stale: %v", err)
		return
	}
	for _, job := range stale {
		if j.bus != nil {
			j.bus.Emit(ctx, "job.stale", job)
		}
		if job.Attempts+1 < job.MaxAttempts {
			delay := backoff.Delay(job.Attempts+1, j.cfg.Backoff)
			if err := j.adapter.Retry(ctx, job.ID, time.Now().Add(delay), "stale lease recovered"); err != nil {
				log.Printf("jobs: requeue stale %s: %v", job.ID, err)
			}
			continue
		}
		j.fail(ctx, job, "stale lease, attempts exhausted")
	}
}
