package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/donkeylabs/core/eventbus"
)

// memAdapter is a minimal in-memory Adapter exercising the lease/claim
// contract with a real mutex, the same way a real store would under a
// row-level lock.
type memAdapter struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemAdapter() *memAdapter { return &memAdapter{jobs: make(map[string]*Job)} }

func (m *memAdapter) Insert(ctx context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memAdapter) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memAdapter) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = StatusCancelled
	return nil
}

func (m *memAdapter) AcquirePending(ctx context.Context, limit int, leaseUntil time.Time) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var claimed []*Job
	for _, j := range m.jobs {
		if len(claimed) >= limit {
			break
		}
		eligible := (j.Status == StatusPending) || (j.Status == StatusScheduled && !j.RunAt.After(now))
		if !eligible {
			continue
		}
		j.Status = StatusRunning
		j.LeaseUntil = leaseUntil
		j.LastHeartbeat = now
		j.StartedAt = now
		cp := *j
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *memAdapter) Heartbeat(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.LastHeartbeat = at
	}
	return nil
}

func (m *memAdapter) Complete(ctx context.Context, id string, result any, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = StatusCompleted
	j.Result = result
	j.FinishedAt = finishedAt
	return nil
}

func (m *memAdapter) Retry(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Attempts++
	j.Status = StatusScheduled
	j.RunAt = runAt
	j.Error = errMsg
	return nil
}

func (m *memAdapter) Fail(ctx context.Context, id string, errMsg string, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Attempts++
	j.Status = StatusFailed
	j.Error = errMsg
	j.FinishedAt = finishedAt
	return nil
}

func (m *memAdapter) AcquireStale(ctx context.Context, now time.Time) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*Job
	for _, j := range m.jobs {
		if j.Status == StatusRunning && j.LeaseUntil.Before(now) {
			cp := *j
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

func testConfig() Config {
	return Config{
		PollInterval:      10 * time.Millisecond,
		LeaseDuration:      50 * time.Millisecond,
		HeartbeatInterval:  5 * time.Millisecond,
		DefaultMaxAttempts: 3,
	}
}

func TestEnqueueUnknownNameErrors(t *testing.T) {
	j := New(newMemAdapter(), nil, testConfig())
	_, err := j.Enqueue(context.Background(), "nope", nil, EnqueueOptions{})
	if !errors.Is(err, ErrUnknownJobName) {
		t.Fatalf("err = %v, want ErrUnknownJobName", err)
	}
}

func TestEnqueueAndDispatchCompletes(t *testing.T) {
	adapter := newMemAdapter()
	bus := eventbus.New()
	defer bus.Stop()
	j := New(adapter, bus, testConfig())

	var completed sync.WaitGroup
	completed.Add(1)
	bus.On("job.completed", func(ctx context.Context, rec eventbus.Record) { completed.Done() })

	j.Register("greet", func(payload any, jc Ctx) (any, error) {
		return "hello " + payload.(string), nil
	})

	id, err := j.Enqueue(context.Background(), "greet", "world", EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Start(ctx)
	defer j.Stop()

	waitDone(t, &completed, time.Second)

	got, err := j.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %v, want completed", got.Status)
	}
	if got.Result != "hello world" {
		t.Fatalf("result = %v, want %q", got.Result, "hello world")
	}
}

func TestFailedJobRetriesThenFails(t *testing.T) {
	adapter := newMemAdapter()
	j := New(adapter, nil, testConfig())

	var calls int32
	j.Register("boom", func(payload any, jc Ctx) (any, error) {
		calls++
		return nil, errors.New("always fails")
	})

	id, err := j.Enqueue(context.Background(), "boom", nil, EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Start(ctx)
	defer j.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := j.Get(context.Background(), id)
		if got != nil && got.Status == StatusFailed {
			if got.Attempts != 2 {
				t.Fatalf("attempts = %d, want 2", got.Attempts)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached failed status")
}

func TestCancelIsTerminal(t *testing.T) {
	adapter := newMemAdapter()
	j := New(adapter, nil, testConfig())
	j.Register("noop", func(payload any, jc Ctx) (any, error) { return nil, nil })

	id, err := j.Enqueue(context.Background(), "noop", nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := j.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := j.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled", got.Status)
	}
}

func waitDone(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting")
	}
}
