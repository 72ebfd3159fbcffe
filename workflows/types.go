// Package workflows implements the Workflows Engine: a named graph of
// typed steps (task/pass/choice/parallel/poll/loop) executed against a
// durable Instance, either inline in this process or isolated in a
// spawned child (workflows/isolate.go).
//
// Grounded on manager.go's state machine (sourceState transitions driven by
// a reconcile loop plus event callbacks), generalized from a fixed
// five-state subscription lifecycle to an arbitrary named step graph, and
// on jobs.Jobs's retry/backoff handling for step-level retries.
package workflows

import (
	"context"
	"time"
)

// Status is a Workflow Instance's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// StepStatus is a single step's per-attempt lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Kind identifies a step's execution semantics.
type Kind string

const (
	KindTask     Kind = "task"
	KindPass     Kind = "pass"
	KindChoice   Kind = "choice"
	KindParallel Kind = "parallel"
	KindPoll     Kind = "poll"
	KindLoop     Kind = "loop"
)

// RetryPolicy bounds step-level retry attempts with the same jittered
// backoff shape jobs.Jobs uses, reused verbatim for steps.
type RetryPolicy struct {
	MaxAttempts int
	IntervalMs  int
	BackoffRate float64
	MaxInterval time.Duration
}

// ParallelMode selects how a parallel step treats branch failure.
type ParallelMode string

const (
	ParallelFailFast ParallelMode = "fail-fast"
	ParallelWaitAll  ParallelMode = "wait-all"
)

// TaskFunc executes a task step's work. Returning an error triggers the
// step's retry policy (if any) or fails the step.
type TaskFunc func(ectx *ExecContext) (any, error)

// PassFunc computes a pass step's static or derived result.
type PassFunc func(ectx *ExecContext) (any, error)

// ConditionFunc evaluates a choice branch or loop condition.
type ConditionFunc func(ectx *ExecContext) bool

// PollFunc is invoked on each poll tick; done=true ends the step.
type PollFunc func(ectx *ExecContext) (done bool, result any, err error)

// ChoiceBranch pairs a condition with the step name to jump to.
type ChoiceBranch struct {
	Condition ConditionFunc
	Next      string
}

// Step is one node in a workflow's step graph.
type Step struct {
	Name string
	Kind Kind

	// task
	Task  TaskFunc
	Retry *RetryPolicy
	Timeout time.Duration

	// pass
	Pass PassFunc
	End  bool

	// choice
	Branches []ChoiceBranch
	Default  string

	// parallel
	ParallelBranches []BranchDef
	Mode             ParallelMode

	// poll
	Poll        PollFunc
	PollInterval time.Duration
	PollTimeout  time.Duration
	MaxAttempts  int

	// loop
	LoopCondition ConditionFunc
	LoopTarget    string
	MaxIterations int
	LoopTimeout   time.Duration
	LoopInterval  time.Duration

	// linear fallthrough when no branch/loop edge applies
	Next string
}

// BranchDef names a child sub-workflow run inside a parallel step.
type BranchDef struct {
	Name         string
	WorkflowName string
	Input        func(ectx *ExecContext) any
}

// Definition is a named, registered step graph.
type Definition struct {
	Name     string
	Steps    map[string]*Step
	Start    string
	Isolated bool
	Timeout  time.Duration
}

// StepResult is the persisted record of one step's most recent attempt.
type StepResult struct {
	StepName      string
	Status        StepStatus
	Input         any
	Output        any
	Error         string
	StartedAt     time.Time
	CompletedAt   time.Time
	Attempts      int
	PollCount     int
	LoopCount     int
	LoopStartedAt time.Time
	LastPolledAt  time.Time
	LastLoopedAt  time.Time
}

// Instance is the persisted workflow run.
type Instance struct {
	ID              string
	WorkflowName    string
	Status          Status
	CurrentStep     string
	// PrevStep is the most recently completed step along the traced path.
	// It drives ExecContext.Prev and is not persisted; a resumed instance
	// starts its next step with no traced predecessor, same as step one.
	PrevStep        string
	Input           any
	Output          any
	Error           string
	StepResults     map[string]*StepResult
	BranchInstances map[string][]string
	Metadata        map[string]any
	ParentID        string
	BranchName      string
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
}

// Adapter is the durable backing store for workflow instances.
type Adapter interface {
	Insert(ctx context.Context, inst *Instance) error
	Update(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	GetRunning(ctx context.Context) ([]*Instance, error)
}

// ExecContext is the execution context passed to task/pass/poll/condition
// callbacks.
type ExecContext struct {
	ctx      context.Context
	engine   *Engine
	instance *Instance
	step     string
}

// Input returns the workflow instance's original input.
func (e *ExecContext) Input() any { return e.instance.Input }

// Steps returns the StepResult of every step run so far, keyed by step name.
func (e *ExecContext) Steps() map[string]*StepResult { return e.instance.StepResults }

// Prev returns the previous step's output along the traced path, or nil at
// the first step.
func (e *ExecContext) Prev() any {
	if e.instance.PrevStep == "" {
		return nil
	}
	if r, ok := e.instance.StepResults[e.instance.PrevStep]; ok {
		return r.Output
	}
	return nil
}

// Instance exposes the live instance snapshot.
func (e *ExecContext) Instance() *Instance { return e.instance }

// GetStepResult returns the StepResult for name, if any.
func (e *ExecContext) GetStepResult(name string) (*StepResult, bool) {
	r, ok := e.instance.StepResults[name]
	return r, ok
}

// Context returns the cancellation-aware context for the current attempt.
func (e *ExecContext) Context() context.Context { return e.ctx }

// Emit publishes an event through the engine's wired bus, if any.
func (e *ExecContext) Emit(name string, data any) { e.engine.emit(e.ctx, name, data) }

// Metadata returns a snapshot of the instance's metadata.
func (e *ExecContext) Metadata() map[string]any { return e.instance.Metadata }

// SetMetadata persists a metadata key/value on the instance.
func (e *ExecContext) SetMetadata(k string, v any) error {
	if e.instance.Metadata == nil {
		e.instance.Metadata = make(map[string]any)
	}
	e.instance.Metadata[k] = v
	return e.engine.adapter.Update(e.ctx, e.instance)
}
