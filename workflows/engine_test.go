package workflows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/donkeylabs/core/eventbus"
)

type memAdapter struct {
	mu   sync.Mutex
	rows map[string]*Instance
}

func newMemAdapter() *memAdapter { return &memAdapter{rows: make(map[string]*Instance)} }

func (m *memAdapter) Insert(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[inst.ID] = inst
	return nil
}

func (m *memAdapter) Update(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[inst.ID] = inst
	return nil
}

func (m *memAdapter) Get(ctx context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst, nil
}

func (m *memAdapter) GetRunning(ctx context.Context) ([]*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Instance
	for _, inst := range m.rows {
		if inst.Status == StatusRunning {
			out = append(out, inst)
		}
	}
	return out, nil
}

// S1 — Linear workflow completes.
func TestLinearWorkflowCompletes(t *testing.T) {
	adapter := newMemAdapter()
	bus := eventbus.New()
	defer bus.Stop()
	engine := New(adapter, bus, nil)

	def := &Definition{
		Name:  "greet",
		Start: "validate",
		Steps: map[string]*Step{
			"validate": {
				Name: "validate", Kind: KindTask, Next: "send",
				Task: func(ec *ExecContext) (any, error) {
					in := ec.Input().(map[string]any)
					return map[string]any{"name": in["name"], "ok": true}, nil
				},
			},
			"send": {
				Name: "send", Kind: KindTask, Next: "done",
				Task: func(ec *ExecContext) (any, error) {
					return map[string]any{"sent": true}, nil
				},
			},
			"done": {
				Name: "done", Kind: KindPass, End: true,
			},
		},
	}
	if err := engine.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var progressEvents int
	var mu sync.Mutex
	bus.On("workflow.progress", func(ctx context.Context, rec eventbus.Record) {
		mu.Lock()
		progressEvents++
		mu.Unlock()
	})

	inst, err := engine.Start(context.Background(), "greet", map[string]any{"name": "ada"}, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %v, want completed", inst.Status)
	}
	out := inst.Output.(map[string]any)
	if out["sent"] != true {
		t.Fatalf("output = %v, want sent=true", out)
	}
	for _, name := range []string{"validate", "send", "done"} {
		if r := inst.StepResults[name]; r == nil || r.Status != StepCompleted {
			t.Fatalf("step %q not completed: %+v", name, r)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if progressEvents == 0 {
		t.Fatal("expected at least one workflow.progress event")
	}
}

// S2 — Retry then succeed.
func TestStepRetriesThenSucceeds(t *testing.T) {
	adapter := newMemAdapter()
	bus := eventbus.New()
	defer bus.Stop()
	engine := New(adapter, bus, nil)

	var retryEvents int
	var mu sync.Mutex
	bus.On("workflow.step.retry", func(ctx context.Context, rec eventbus.Record) {
		mu.Lock()
		retryEvents++
		mu.Unlock()
	})

	attempt := 0
	def := &Definition{
		Name:  "retryme",
		Start: "step",
		Steps: map[string]*Step{
			"step": {
				Name: "step", Kind: KindTask,
				Retry: &RetryPolicy{MaxAttempts: 2, IntervalMs: 1, BackoffRate: 2},
				Task: func(ec *ExecContext) (any, error) {
					attempt++
					if attempt == 1 {
						return nil, errors.New("first attempt fails")
					}
					return 42, nil
				},
			},
		},
	}
	if err := engine.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	inst, err := engine.Start(context.Background(), "retryme", nil, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %v, want completed", inst.Status)
	}
	if inst.StepResults["step"].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", inst.StepResults["step"].Attempts)
	}
	mu.Lock()
	defer mu.Unlock()
	if retryEvents != 1 {
		t.Fatalf("retryEvents = %d, want 1", retryEvents)
	}
}

// S3 — Poll completes after 3 checks.
func TestPollCompletesAfterThreeChecks(t *testing.T) {
	adapter := newMemAdapter()
	bus := eventbus.New()
	defer bus.Stop()
	engine := New(adapter, bus, nil)

	var pollEvents int
	var mu sync.Mutex
	bus.On("workflow.step.poll", func(ctx context.Context, rec eventbus.Record) {
		mu.Lock()
		pollEvents++
		mu.Unlock()
	})

	calls := 0
	def := &Definition{
		Name:  "waitfor",
		Start: "wait",
		Steps: map[string]*Step{
			"wait": {
				Name: "wait", Kind: KindPoll,
				PollInterval: time.Millisecond,
				Poll: func(ec *ExecContext) (bool, any, error) {
					calls++
					if calls >= 3 {
						return true, map[string]any{"ok": true}, nil
					}
					return false, nil, nil
				},
			},
		},
	}
	if err := engine.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	inst, err := engine.Start(context.Background(), "waitfor", nil, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %v, want completed", inst.Status)
	}
	if inst.StepResults["wait"].PollCount != 3 {
		t.Fatalf("pollCount = %d, want 3", inst.StepResults["wait"].PollCount)
	}
	mu.Lock()
	defer mu.Unlock()
	if pollEvents != 3 {
		t.Fatalf("pollEvents = %d, want 3", pollEvents)
	}
}

// S4 — Loop reaches condition.
func TestLoopReachesCondition(t *testing.T) {
	adapter := newMemAdapter()
	bus := eventbus.New()
	defer bus.Stop()
	engine := New(adapter, bus, nil)

	var loopEvents int
	var mu sync.Mutex
	bus.On("workflow.step.loop", func(ctx context.Context, rec eventbus.Record) {
		mu.Lock()
		loopEvents++
		mu.Unlock()
	})

	count := 0
	def := &Definition{
		Name:  "counter",
		Start: "increment",
		Steps: map[string]*Step{
			"increment": {
				Name: "increment", Kind: KindTask, Next: "repeat",
				Task: func(ec *ExecContext) (any, error) {
					count++
					return map[string]any{"count": count}, nil
				},
			},
			"repeat": {
				Name: "repeat", Kind: KindLoop,
				LoopTarget:    "increment",
				LoopInterval:  time.Millisecond,
				MaxIterations: 10,
				LoopCondition: func(ec *ExecContext) bool {
					r, _ := ec.GetStepResult("increment")
					return r.Output.(map[string]any)["count"].(int) < 3
				},
			},
		},
	}
	if err := engine.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	inst, err := engine.Start(context.Background(), "counter", nil, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("status = %v, want completed", inst.Status)
	}
	if inst.StepResults["repeat"].LoopCount != 2 {
		t.Fatalf("loopCount = %d, want 2", inst.StepResults["repeat"].LoopCount)
	}
	if inst.StepResults["increment"].Attempts != 3 {
		t.Fatalf("increment attempts = %d, want 3", inst.StepResults["increment"].Attempts)
	}
	mu.Lock()
	defer mu.Unlock()
	if loopEvents != 2 {
		t.Fatalf("loopEvents = %d, want 2", loopEvents)
	}
}

func TestChoiceFailsWithoutMatchOrDefault(t *testing.T) {
	adapter := newMemAdapter()
	engine := New(adapter, nil, nil)

	def := &Definition{
		Name:  "router",
		Start: "pick",
		Steps: map[string]*Step{
			"pick": {
				Name: "pick", Kind: KindChoice,
				Branches: []ChoiceBranch{{Condition: func(ec *ExecContext) bool { return false }, Next: "never"}},
			},
		},
	}
	if err := engine.Register(def); err != nil {
		t.Fatalf("Register: %v", err)
	}

	inst, err := engine.Start(context.Background(), "router", nil, StartOptions{})
	if err == nil {
		t.Fatal("expected error for unmatched choice with no default")
	}
	if inst.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", inst.Status)
	}
}

func TestCancelMarksInstanceCancelledAndIsIdempotent(t *testing.T) {
	adapter := newMemAdapter()
	engine := New(adapter, nil, nil)

	inst := &Instance{ID: "wf_1", WorkflowName: "anything", Status: StatusRunning, StepResults: map[string]*StepResult{}}
	_ = adapter.Insert(context.Background(), inst)

	if err := engine.Cancel(context.Background(), inst.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := adapter.Get(context.Background(), inst.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled", got.Status)
	}

	// Cancelling an already-terminal instance is a no-op, not an error.
	if err := engine.Cancel(context.Background(), inst.ID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
}
