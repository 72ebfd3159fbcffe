package workflows

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

// ResumeStrategy selects how Resume treats instances left running from a
// prior process lifetime.
type ResumeStrategy string

const (
	ResumeSkip       ResumeStrategy = "skip"
	ResumeBlocking   ResumeStrategy = "blocking"
	ResumeBackground ResumeStrategy = "background"
)

// ErrUnknownWorkflow is returned by Start for an unregistered name.
var ErrUnknownWorkflow = errors.New("workflows: unknown workflow")

// ErrNotFound is returned by Get/Cancel for an unknown instance id.
var ErrNotFound = errors.New("workflows: instance not found")

// Engine is the Workflows Engine.
type Engine struct {
	adapter Adapter
	bus     *eventbus.Bus
	isolate *IsolateRunner // may be nil when no definition requests isolation

	defMu sync.RWMutex
	defs  map[string]*Definition

	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New constructs an Engine. isolate may be nil if no registered definition
// sets Isolated=true.
func New(adapter Adapter, bus *eventbus.Bus, isolate *IsolateRunner) *Engine {
	return &Engine{
		adapter:   adapter,
		bus:       bus,
		isolate:   isolate,
		defs:      make(map[string]*Definition),
		cancelFns: make(map[string]context.CancelFunc),
	}
}

// Register binds a workflow definition by name.
func (e *Engine) Register(def *Definition) error {
	if def.Start == "" {
		return fmt.Errorf("workflows: definition %q has no start step", def.Name)
	}
	if _, ok := def.Steps[def.Start]; !ok {
		return fmt.Errorf("workflows: definition %q start step %q not found", def.Name, def.Start)
	}
	e.defMu.Lock()
	defer e.defMu.Unlock()
	e.defs[def.Name] = def
	return nil
}

func (e *Engine) definition(name string) (*Definition, bool) {
	e.defMu.RLock()
	defer e.defMu.RUnlock()
	d, ok := e.defs[name]
	return d, ok
}

func (e *Engine) emit(ctx context.Context, name string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(ctx, name, data)
}

// Start creates a new instance and begins executing it (synchronously
// returns once the instance reaches a terminal state or the caller's ctx is
// cancelled — callers wanting fire-and-forget should invoke this from their
// own goroutine, matching go reconcileLoop(ctx) pattern).
func (e *Engine) Start(ctx context.Context, workflowName string, input any, opts StartOptions) (*Instance, error) {
	def, ok := e.definition(workflowName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflowName)
	}

	inst := &Instance{
		ID:           ids.Workflow(),
		WorkflowName: workflowName,
		Status:       StatusPending,
		Input:        input,
		StepResults:  make(map[string]*StepResult),
		BranchInstances: make(map[string][]string),
		Metadata:     opts.Metadata,
		ParentID:     opts.ParentID,
		BranchName:   opts.BranchName,
		CreatedAt:    time.Now(),
	}
	if err := e.adapter.Insert(ctx, inst); err != nil {
		return nil, fmt.Errorf("workflows: persist instance: %w", err)
	}
	metrics.WorkflowInstancesStarted.WithLabelValues(workflowName).Inc()

	runCtx := ctx
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	e.mu.Lock()
	e.cancelFns[inst.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancelFns, inst.ID)
		e.mu.Unlock()
		cancel()
	}()

	if def.Isolated && e.isolate != nil {
		return e.runIsolated(runCtx, def, inst)
	}
	return e.runInline(runCtx, def, inst)
}

// StartOptions configures a Start call.
type StartOptions struct {
	Metadata   map[string]any
	ParentID   string
	BranchName string
}

// Get returns an instance by id.
func (e *Engine) Get(ctx context.Context, id string) (*Instance, error) {
	inst, err := e.adapter.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("workflows: get %q: %w", id, err)
	}
	return inst, nil
}

// Cancel marks id cancelled and stops its in-flight timers/child.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, ok := e.cancelFns[id]
	e.mu.Unlock()

	inst, err := e.adapter.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("workflows: cancel %q: %w", id, err)
	}
	if isTerminal(inst.Status) {
		return nil
	}
	inst.Status = StatusCancelled
	inst.CompletedAt = time.Now()
	if err := e.adapter.Update(ctx, inst); err != nil {
		return fmt.Errorf("workflows: persist cancellation %q: %w", id, err)
	}
	metrics.WorkflowInstancesCompleted.WithLabelValues(inst.WorkflowName, "cancelled").Inc()
	if ok {
		cancel()
	}
	e.emit(ctx, "workflow.cancelled", inst)
	return nil
}

// Resume scans running instances and drives them per strategy.
func (e *Engine) Resume(ctx context.Context, strategy ResumeStrategy) error {
	running, err := e.adapter.GetRunning(ctx)
	if err != nil {
		return fmt.Errorf("workflows: resume: list running: %w", err)
	}

	switch strategy {
	case ResumeSkip:
		for _, inst := range running {
			inst.Status = StatusFailed
			inst.Error = "Workflow resume skipped"
			inst.CompletedAt = time.Now()
			if err := e.adapter.Update(ctx, inst); err != nil {
				log.Printf("workflows: resume skip %s: %v", inst.ID, err)
			}
			metrics.WorkflowInstancesCompleted.WithLabelValues(inst.WorkflowName, "failed").Inc()
		}
		return nil
	case ResumeBackground:
		for _, inst := range running {
			inst := inst
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if err := e.resumeOne(ctx, inst); err != nil {
					log.Printf("workflows: background resume %s: %v", inst.ID, err)
				}
			}()
		}
		return nil
	default: // ResumeBlocking
		for _, inst := range running {
			if err := e.resumeOne(ctx, inst); err != nil {
				log.Printf("workflows: blocking resume %s: %v", inst.ID, err)
			}
		}
		return nil
	}
}

func (e *Engine) resumeOne(ctx context.Context, inst *Instance) error {
	def, ok := e.definition(inst.WorkflowName)
	if !ok {
		inst.Status = StatusFailed
		inst.Error = fmt.Sprintf("unknown workflow %q on resume", inst.WorkflowName)
		err := e.adapter.Update(ctx, inst)
		metrics.WorkflowInstancesCompleted.WithLabelValues(inst.WorkflowName, "failed").Inc()
		return err
	}
	if def.Isolated && e.isolate != nil {
		_, err := e.runIsolated(ctx, def, inst)
		return err
	}
	_, err := e.runInline(ctx, def, inst)
	return err
}

func isTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Wait blocks until every background-resumed instance has finished.
func (e *Engine) Wait() { e.wg.Wait() }

// runInline drives the state machine in this process's cooperative
// scheduler.
func (e *Engine) runInline(ctx context.Context, def *Definition, inst *Instance) (*Instance, error) {
	if inst.Status == StatusPending {
		inst.Status = StatusRunning
		inst.StartedAt = time.Now()
		inst.CurrentStep = def.Start
		if err := e.adapter.Update(ctx, inst); err != nil {
			return inst, fmt.Errorf("workflows: persist start: %w", err)
		}
		e.emit(ctx, "workflow.started", inst)
	}

	current := inst.CurrentStep
	total := len(def.Steps)
	completedCount := 0
	for _, r := range inst.StepResults {
		if r.Status == StepCompleted {
			completedCount++
		}
	}

	for current != "" {
		select {
		case <-ctx.Done():
			return e.finishTimeoutOrCancel(ctx, inst)
		default:
		}

		step, ok := def.Steps[current]
		if !ok {
			return e.fail(ctx, inst, fmt.Sprintf("unknown step %q", current))
		}

		next, err := e.runStep(ctx, inst, step)
		if err != nil {
			return e.fail(ctx, inst, err.Error())
		}

		if r := inst.StepResults[step.Name]; r != nil && r.Status == StepCompleted {
			completedCount++
		}
		progress := 0.0
		if total > 0 {
			progress = float64(completedCount) / float64(total)
		}
		e.emit(ctx, "workflow.progress", map[string]any{"instanceId": inst.ID, "progress": progress})

		if step.Kind == KindPass && step.End {
			inst.Output = inst.StepResults[step.Name].Output
			inst.Status = StatusCompleted
			inst.CompletedAt = time.Now()
			if err := e.adapter.Update(ctx, inst); err != nil {
				return inst, fmt.Errorf("workflows: persist completion: %w", err)
			}
			metrics.WorkflowInstancesCompleted.WithLabelValues(inst.WorkflowName, "completed").Inc()
			e.emit(ctx, "workflow.completed", inst)
			return inst, nil
		}

		inst.PrevStep = current
		current = next
		inst.CurrentStep = current
		if err := e.adapter.Update(ctx, inst); err != nil {
			return inst, fmt.Errorf("workflows: persist step transition: %w", err)
		}
	}

	// Ran off the end of the graph without an explicit end pass step.
	inst.Status = StatusCompleted
	inst.CompletedAt = time.Now()
	if prev := inst.StepResults[inst.PrevStep]; prev != nil {
		inst.Output = prev.Output
	}
	if err := e.adapter.Update(ctx, inst); err != nil {
		return inst, fmt.Errorf("workflows: persist completion: %w", err)
	}
	metrics.WorkflowInstancesCompleted.WithLabelValues(inst.WorkflowName, "completed").Inc()
	e.emit(ctx, "workflow.completed", inst)
	return inst, nil
}

func (e *Engine) finishTimeoutOrCancel(ctx context.Context, inst *Instance) (*Instance, error) {
	fresh, err := e.adapter.Get(context.Background(), inst.ID)
	if err == nil && fresh.Status == StatusCancelled {
		return fresh, nil
	}
	inst.Status = StatusTimedOut
	inst.Error = "Workflow timed out"
	inst.CompletedAt = time.Now()
	_ = e.adapter.Update(context.Background(), inst)
	metrics.WorkflowInstancesCompleted.WithLabelValues(inst.WorkflowName, "timed_out").Inc()
	e.emit(context.Background(), "workflow.failed", inst)
	return inst, fmt.Errorf("workflows: %s timed out", inst.ID)
}

func (e *Engine) fail(ctx context.Context, inst *Instance, msg string) (*Instance, error) {
	inst.Status = StatusFailed
	inst.Error = msg
	inst.CompletedAt = time.Now()
	if err := e.adapter.Update(ctx, inst); err != nil {
		log.Printf("workflows: persist failure %s: %v", inst.ID, err)
	}
	metrics.WorkflowInstancesCompleted.WithLabelValues(inst.WorkflowName, "failed").Inc()
	e.emit(ctx, "workflow.failed", inst)
	return inst, errors.New(msg)
}

// runStep executes one step to completion (including its own retry/poll/
// loop internal iteration) and returns the name of the next step to run.
func (e *Engine) runStep(ctx context.Context, inst *Instance, step *Step) (string, error) {
	result, ok := inst.StepResults[step.Name]
	if !ok {
		result = &StepResult{StepName: step.Name}
		inst.StepResults[step.Name] = result
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.WorkflowStepDuration, inst.WorkflowName, string(step.Kind))

	switch step.Kind {
	case KindTask:
		return e.runTask(ctx, inst, step, result)
	case KindPass:
		return e.runPass(ctx, inst, step, result)
	case KindChoice:
		return e.runChoice(ctx, inst, step, result)
	case KindParallel:
		return e.runParallel(ctx, inst, step, result)
	case KindPoll:
		return e.runPoll(ctx, inst, step, result)
	case KindLoop:
		return e.runLoop(ctx, inst, step, result)
	default:
		return "", fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func (e *Engine) newExecContext(ctx context.Context, inst *Instance, step string) *ExecContext {
	return &ExecContext{ctx: ctx, engine: e, instance: inst, step: step}
}

func (e *Engine) runTask(ctx context.Context, inst *Instance, step *Step, result *StepResult) (string, error) {
	for {
		result.Status = StepRunning
		result.StartedAt = time.Now()
		result.Attempts++
		result.Input = inst.Input
		_ = e.adapter.Update(ctx, inst)

		attemptCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		out, err := step.Task(e.newExecContext(attemptCtx, inst, step.Name))
		if cancel != nil {
			cancel()
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("step %q timeout: %w", step.Name, attemptCtx.Err())
		}

		if err == nil {
			result.Status = StepCompleted
			result.Output = out
			result.CompletedAt = time.Now()
			_ = e.adapter.Update(ctx, inst)
			e.emit(ctx, "workflow.step.completed", map[string]any{"instanceId": inst.ID, "step": step.Name, "output": out})
			return step.Next, nil
		}

		if step.Retry != nil && result.Attempts < step.Retry.MaxAttempts {
			delay := retryDelay(result.Attempts, *step.Retry)
			result.Error = err.Error()
			_ = e.adapter.Update(ctx, inst)
			e.emit(ctx, "workflow.step.retry", map[string]any{"instanceId": inst.ID, "step": step.Name, "attempt": result.Attempts})
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		result.Status = StepFailed
		result.Error = err.Error()
		result.CompletedAt = time.Now()
		_ = e.adapter.Update(ctx, inst)
		e.emit(ctx, "workflow.step.failed", map[string]any{"instanceId": inst.ID, "step": step.Name, "error": err.Error()})
		return "", err
	}
}

func retryDelay(attempts int, policy RetryPolicy) time.Duration {
	cfg := backoff.Config{
		InitialDelay: time.Duration(policy.IntervalMs) * time.Millisecond,
		Multiplier:   policy.BackoffRate,
		MaxDelay:     policy.MaxInterval,
	}
	return backoff.Delay(attempts, cfg)
}

func (e *Engine) runPass(ctx context.Context, inst *Instance, step *Step, result *StepResult) (string, error) {
	result.Status = StepRunning
	result.StartedAt = time.Now()
	result.Attempts++
	var out any
	var err error
	if step.Pass != nil {
		out, err = step.Pass(e.newExecContext(ctx, inst, step.Name))
	} else {
		out = e.newExecContext(ctx, inst, step.Name).Prev()
	}
	if err != nil {
		result.Status = StepFailed
		result.Error = err.Error()
		result.CompletedAt = time.Now()
		_ = e.adapter.Update(ctx, inst)
		return "", err
	}
	result.Status = StepCompleted
	result.Output = out
	result.CompletedAt = time.Now()
	_ = e.adapter.Update(ctx, inst)
	e.emit(ctx, "workflow.step.completed", map[string]any{"instanceId": inst.ID, "step": step.Name, "output": out})
	return step.Next, nil
}

func (e *Engine) runChoice(ctx context.Context, inst *Instance, step *Step, result *StepResult) (string, error) {
	result.Status = StepRunning
	result.StartedAt = time.Now()
	result.Attempts++
	ectx := e.newExecContext(ctx, inst, step.Name)
	for _, b := range step.Branches {
		if b.Condition(ectx) {
			result.Status = StepCompleted
			result.Output = b.Next
			result.CompletedAt = time.Now()
			_ = e.adapter.Update(ctx, inst)
			e.emit(ctx, "workflow.step.completed", map[string]any{"instanceId": inst.ID, "step": step.Name, "next": b.Next})
			return b.Next, nil
		}
	}
	if step.Default != "" {
		result.Status = StepCompleted
		result.Output = step.Default
		result.CompletedAt = time.Now()
		_ = e.adapter.Update(ctx, inst)
		return step.Default, nil
	}
	err := fmt.Errorf("choice step %q: no branch matched and no default", step.Name)
	result.Status = StepFailed
	result.Error = err.Error()
	result.CompletedAt = time.Now()
	_ = e.adapter.Update(ctx, inst)
	return "", err
}

// runParallel implements parallel semantics. Fail-fast cancels
// the remaining branch contexts on first error but does NOT block this
// call waiting for already-running branches to observe cancellation and
// return — each branch's own goroutine winds down independently, and
// runParallel returns as soon as the first failure is observed rather than
// waiting for every branch to settle.
func (e *Engine) runParallel(ctx context.Context, inst *Instance, step *Step, result *StepResult) (string, error) {
	result.Status = StepRunning
	result.StartedAt = time.Now()
	result.Attempts++
	_ = e.adapter.Update(ctx, inst)

	branchCtx, cancelBranches := context.WithCancel(ctx)
	defer cancelBranches()

	type branchResult struct {
		name   string
		instID string
		output any
		err    error
	}
	results := make(chan branchResult, len(step.ParallelBranches))

	for _, b := range step.ParallelBranches {
		b := b
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			var input any
			if b.Input != nil {
				input = b.Input(e.newExecContext(branchCtx, inst, step.Name))
			}
			childInst, err := e.Start(branchCtx, b.WorkflowName, input, StartOptions{ParentID: inst.ID, BranchName: b.Name})
			id := ""
			var output any
			if childInst != nil {
				id = childInst.ID
				output = childInst.Output
				if childInst.Status == StatusFailed && err == nil {
					err = errors.New(childInst.Error)
				}
			}
			results <- branchResult{name: b.Name, instID: id, output: output, err: err}
		}()
	}

	outputs := make(map[string]any, len(step.ParallelBranches))
	var branchErr error
	remaining := len(step.ParallelBranches)
	for remaining > 0 {
		br := <-results
		remaining--
		if br.instID != "" {
			inst.BranchInstances[step.Name] = append(inst.BranchInstances[step.Name], br.instID)
		}
		outputs[br.name] = br.output
		if br.err != nil && branchErr == nil {
			branchErr = br.err
			if step.Mode != ParallelWaitAll {
				cancelBranches()
				break
			}
		}
	}
	_ = e.adapter.Update(ctx, inst)

	if branchErr != nil {
		result.Status = StepFailed
		result.Error = branchErr.Error()
		result.CompletedAt = time.Now()
		_ = e.adapter.Update(ctx, inst)
		return "", branchErr
	}

	result.Status = StepCompleted
	result.Output = outputs
	result.CompletedAt = time.Now()
	_ = e.adapter.Update(ctx, inst)
	e.emit(ctx, "workflow.step.completed", map[string]any{"instanceId": inst.ID, "step": step.Name, "output": outputs})
	return step.Next, nil
}

func (e *Engine) runPoll(ctx context.Context, inst *Instance, step *Step, result *StepResult) (string, error) {
	if result.LoopStartedAt.IsZero() {
		result.Status = StepRunning
		result.StartedAt = time.Now()
	}
	deadline := time.Now().Add(step.PollTimeout)
	interval := step.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	for {
		if step.PollTimeout > 0 && time.Now().After(deadline) {
			err := fmt.Errorf("poll step %q timed out", step.Name)
			result.Status = StepFailed
			result.Error = err.Error()
			result.CompletedAt = time.Now()
			_ = e.adapter.Update(ctx, inst)
			return "", err
		}
		if step.MaxAttempts > 0 && result.PollCount >= step.MaxAttempts {
			err := fmt.Errorf("poll step %q exceeded maxAttempts", step.Name)
			result.Status = StepFailed
			result.Error = err.Error()
			result.CompletedAt = time.Now()
			_ = e.adapter.Update(ctx, inst)
			return "", err
		}

		result.PollCount++
		result.LastPolledAt = time.Now()
		done, out, err := step.Poll(e.newExecContext(ctx, inst, step.Name))
		_ = e.adapter.Update(ctx, inst)
		e.emit(ctx, "workflow.step.poll", map[string]any{"instanceId": inst.ID, "step": step.Name, "done": done, "count": result.PollCount})
		if err != nil {
			result.Status = StepFailed
			result.Error = err.Error()
			result.CompletedAt = time.Now()
			_ = e.adapter.Update(ctx, inst)
			return "", err
		}
		if done {
			result.Status = StepCompleted
			result.Output = out
			result.CompletedAt = time.Now()
			_ = e.adapter.Update(ctx, inst)
			e.emit(ctx, "workflow.step.completed", map[string]any{"instanceId": inst.ID, "step": step.Name, "output": out})
			return step.Next, nil
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (e *Engine) runLoop(ctx context.Context, inst *Instance, step *Step, result *StepResult) (string, error) {
	if result.LoopStartedAt.IsZero() {
		result.LoopStartedAt = time.Now()
		result.Status = StepRunning
	}
	if step.LoopTimeout > 0 && time.Since(result.LoopStartedAt) > step.LoopTimeout {
		err := fmt.Errorf("loop step %q timed out", step.Name)
		result.Status = StepFailed
		result.Error = err.Error()
		result.CompletedAt = time.Now()
		_ = e.adapter.Update(ctx, inst)
		return "", err
	}

	ectx := e.newExecContext(ctx, inst, step.Name)
	if step.LoopCondition(ectx) {
		if step.MaxIterations > 0 && result.LoopCount >= step.MaxIterations {
			err := fmt.Errorf("loop step %q exceeded maxIterations", step.Name)
			result.Status = StepFailed
			result.Error = err.Error()
			result.CompletedAt = time.Now()
			_ = e.adapter.Update(ctx, inst)
			return "", err
		}
		result.LoopCount++
		result.LastLoopedAt = time.Now()
		_ = e.adapter.Update(ctx, inst)
		e.emit(ctx, "workflow.step.loop", map[string]any{"instanceId": inst.ID, "step": step.Name, "count": result.LoopCount})

		if step.LoopInterval > 0 {
			select {
			case <-time.After(step.LoopInterval):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return step.LoopTarget, nil
	}

	result.Status = StepCompleted
	result.CompletedAt = time.Now()
	_ = e.adapter.Update(ctx, inst)
	e.emit(ctx, "workflow.step.completed", map[string]any{"instanceId": inst.ID, "step": step.Name})
	return step.Next, nil
}
