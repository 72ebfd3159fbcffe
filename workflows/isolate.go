package workflows

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/donkeylabs/core/internal/handshake"
)

// ExecutorLocator is the serializable pointer to a workflow definition's
// isolated executor, passed at registration: a command plus args that, launched with the right
// environment, re-loads the SAME definition the parent registered and
// drives its own copy of the step graph against a private store handle.
//
// The parent never inspects a definition's Go closures across the process
// boundary. Locators live in IsolateRunner.Locators, keyed by workflow name;
// Register does not check for one, and an isolated run of a definition
// lacking a locator fails its instance at start.
type ExecutorLocator struct {
	Command string
	Args    []string
}

// isolateMessage is the workflow executor's line-delimited JSON frame:
// ready, started, step.*, progress, event, log, completed, failed,
// proxyCall.
type isolateMessage struct {
	InstanceID string         `json:"instanceId"`
	Type       string         `json:"type"`
	Step       string         `json:"step,omitempty"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Progress   float64        `json:"progress,omitempty"`
	Event      string         `json:"event,omitempty"`
	Data       any            `json:"data,omitempty"`
	Level      string         `json:"level,omitempty"`
	Message    string         `json:"message,omitempty"`
	ProxyCall  *proxyCall     `json:"proxyCall,omitempty"`
	Token      string         `json:"token,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// proxyCall lets an isolated child ask the parent to perform a call it
// can't satisfy locally.
type proxyCall struct {
	Target  string `json:"target"` // "plugin" | "core"
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    any    `json:"args"`
}

// ProxyHandler answers a proxyCall request. Engines register handlers for
// (target, service, method) triples they own (Jobs.Enqueue, Logs.Write,
// eventbus.Emit, ...).
type ProxyHandler func(ctx context.Context, method string, args any) (any, error)

// IsolateRunner owns the executor-spawning side of isolated workflow
// execution. It is a sibling of, not built on
// top of, processes.Supervisor: the supervisor tracks long-lived named
// services, while this tracks one short-lived executor per workflow
// instance and speaks a richer, workflow-specific message vocabulary.
type IsolateRunner struct {
	SocketDir          string
	ReadyTimeout       time.Duration
	HeartbeatTimeout   time.Duration
	KillGrace          time.Duration
	Locators           map[string]ExecutorLocator
	Proxy              map[string]ProxyHandler // key: target+"."+service+"."+method

	// HandshakeSecret, when set, is used to sign a per-instance token the
	// executor receives via DONKEYLABS_HANDSHAKE_TOKEN and must echo back
	// on its first message. Nil disables the check.
	HandshakeSecret []byte
}

func (r *IsolateRunner) withDefaults() *IsolateRunner {
	if r.ReadyTimeout <= 0 {
		r.ReadyTimeout = 10 * time.Second
	}
	if r.HeartbeatTimeout <= 0 {
		r.HeartbeatTimeout = 60 * time.Second
	}
	if r.KillGrace <= 0 {
		r.KillGrace = 5 * time.Second
	}
	if r.SocketDir == "" {
		r.SocketDir = os.TempDir()
	}
	return r
}

func (r *IsolateRunner) proxyHandler(target, service, method string) (ProxyHandler, bool) {
	h, ok := r.Proxy[target+"."+service+"."+method]
	return h, ok
}

// runIsolated spawns the executor child, streams its lifecycle back into
// inst, and blocks until the instance reaches a terminal state.
func (e *Engine) runIsolated(ctx context.Context, def *Definition, inst *Instance) (*Instance, error) {
	r := e.isolate.withDefaults()
	locator, ok := r.Locators[def.Name]
	if !ok {
		return e.fail(ctx, inst, fmt.Sprintf("workflow %q has no isolated executor locator", def.Name))
	}

	socketPath := filepath.Join(r.SocketDir, "wf-"+inst.ID+".sock")
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return e.fail(ctx, inst, fmt.Sprintf("isolate listen: %v", err))
	}
	defer func() {
		_ = ln.Close()
		_ = os.Remove(socketPath)
	}()

	inputJSON, _ := json.Marshal(inst.Input)
	args := append([]string{}, locator.Args...)
	cmd := exec.CommandContext(ctx, locator.Command, args...)
	cmd.Env = append(os.Environ(),
		"DONKEYLABS_PROCESS_ID="+inst.ID,
		"DONKEYLABS_SOCKET_PATH="+socketPath,
		"DONKEYLABS_WORKFLOW_NAME="+def.Name,
		"DONKEYLABS_INSTANCE_ID="+inst.ID,
		"DONKEYLABS_INPUT="+string(inputJSON),
	)
	var token string
	if len(r.HandshakeSecret) > 0 {
		var err error
		token, err = handshake.Issue(r.HandshakeSecret, inst.ID, r.ReadyTimeout)
		if err != nil {
			return e.fail(ctx, inst, fmt.Sprintf("isolate handshake: %v", err))
		}
		cmd.Env = append(cmd.Env, "DONKEYLABS_HANDSHAKE_TOKEN="+token)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return e.fail(ctx, inst, fmt.Sprintf("isolate spawn: %v", err))
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			connCh <- conn
		}
	}()

	var conn net.Conn
	select {
	case conn = <-connCh:
	case <-time.After(r.ReadyTimeout):
		_ = cmd.Process.Kill()
		return e.fail(ctx, inst, "isolated executor did not connect before readyTimeout")
	case err := <-exited:
		return e.fail(ctx, inst, fmt.Sprintf("isolated executor exited before connecting: %v", err))
	}
	defer conn.Close()

	lastHeartbeat := time.Now()
	done := make(chan struct{})
	var terminalErr error

	go func() {
		defer close(done)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		verified := token == ""
		for scanner.Scan() {
			var msg isolateMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			if !verified {
				if err := handshake.Verify(r.HandshakeSecret, inst.ID, msg.Token); err != nil {
					log.Printf("workflows: isolate handshake %s: %v", inst.ID, err)
					terminalErr = fmt.Errorf("isolate handshake failed: %w", err)
					return
				}
				verified = true
			}
			lastHeartbeat = time.Now()
			if term, terr := r.applyIsolateMessage(ctx, e, inst, conn, msg); term {
				terminalErr = terr
				return
			}
		}
	}()

	heartbeatTicker := time.NewTicker(r.HeartbeatTimeout / 3)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-done:
			if terminalErr != nil {
				return inst, terminalErr
			}
			return inst, nil
		case werr := <-exited:
			if inst.Status != StatusCompleted && inst.Status != StatusFailed && inst.Status != StatusCancelled {
				code := 0
				var ee *exec.ExitError
				if errors.As(werr, &ee) {
					code = ee.ExitCode()
				}
				return e.fail(ctx, inst, fmt.Sprintf("Subprocess crashed with exit code %d", code))
			}
			return inst, nil
		case <-heartbeatTicker.C:
			if time.Since(lastHeartbeat) > r.HeartbeatTimeout {
				_ = cmd.Process.Kill()
				return e.fail(ctx, inst, "isolated executor heartbeat timeout")
			}
		case <-ctx.Done():
			terminateGracefully(cmd, r.KillGrace)
			return e.finishTimeoutOrCancel(ctx, inst)
		}
	}
}

func terminateGracefully(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() { _, _ = cmd.Process.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(grace):
		_ = cmd.Process.Kill()
	}
}

// applyIsolateMessage folds one streamed lifecycle message into inst,
// returning (terminal, err) when the message ends the run.
func (r *IsolateRunner) applyIsolateMessage(ctx context.Context, e *Engine, inst *Instance, conn net.Conn, msg isolateMessage) (bool, error) {
	switch msg.Type {
	case "ready", "started", "heartbeat":
		return false, nil
	case "step.started":
		res := &StepResult{StepName: msg.Step, Status: StepRunning, StartedAt: time.Now()}
		inst.StepResults[msg.Step] = res
		inst.CurrentStep = msg.Step
		_ = e.adapter.Update(ctx, inst)
	case "step.completed":
		res := inst.StepResults[msg.Step]
		if res == nil {
			res = &StepResult{StepName: msg.Step}
			inst.StepResults[msg.Step] = res
		}
		res.Status = StepCompleted
		res.Output = msg.Output
		res.CompletedAt = time.Now()
		_ = e.adapter.Update(ctx, inst)
		e.emit(ctx, "workflow.step.completed", map[string]any{"instanceId": inst.ID, "step": msg.Step, "output": msg.Output})
	case "step.failed":
		res := inst.StepResults[msg.Step]
		if res == nil {
			res = &StepResult{StepName: msg.Step}
			inst.StepResults[msg.Step] = res
		}
		res.Status = StepFailed
		res.Error = msg.Error
		res.CompletedAt = time.Now()
		_ = e.adapter.Update(ctx, inst)
		e.emit(ctx, "workflow.step.failed", map[string]any{"instanceId": inst.ID, "step": msg.Step, "error": msg.Error})
	case "step.poll":
		e.emit(ctx, "workflow.step.poll", map[string]any{"instanceId": inst.ID, "step": msg.Step})
	case "step.loop":
		e.emit(ctx, "workflow.step.loop", map[string]any{"instanceId": inst.ID, "step": msg.Step})
	case "progress":
		e.emit(ctx, "workflow.progress", map[string]any{"instanceId": inst.ID, "progress": msg.Progress})
	case "event":
		e.emit(ctx, msg.Event, msg.Data)
	case "log":
		log.Printf("workflows: isolate %s: %s", inst.ID, msg.Message)
	case "proxyCall":
		r.handleProxyCall(ctx, conn, msg)
	case "completed":
		inst.Status = StatusCompleted
		inst.Output = msg.Output
		inst.CompletedAt = time.Now()
		_ = e.adapter.Update(ctx, inst)
		e.emit(ctx, "workflow.completed", inst)
		return true, nil
	case "failed":
		inst.Status = StatusFailed
		inst.Error = msg.Error
		inst.CompletedAt = time.Now()
		_ = e.adapter.Update(ctx, inst)
		e.emit(ctx, "workflow.failed", inst)
		return true, errors.New(msg.Error)
	}
	return false, nil
}

func (r *IsolateRunner) handleProxyCall(ctx context.Context, conn net.Conn, msg isolateMessage) {
	if msg.ProxyCall == nil {
		return
	}
	handler, ok := r.proxyHandler(msg.ProxyCall.Target, msg.ProxyCall.Service, msg.ProxyCall.Method)
	reply := isolateMessage{InstanceID: msg.InstanceID, Type: "proxyCallResult", Timestamp: time.Now()}
	if !ok {
		reply.Error = fmt.Sprintf("no proxy handler for %s.%s.%s", msg.ProxyCall.Target, msg.ProxyCall.Service, msg.ProxyCall.Method)
	} else {
		result, err := handler(ctx, msg.ProxyCall.Method, msg.ProxyCall.Args)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Data = result
		}
	}
	b, _ := json.Marshal(reply)
	b = append(b, '\n')
	_, _ = conn.Write(b)
}

// NewInstanceSocketName is exposed for executor-side binaries (cmd/*) that
// need to independently derive the same socket path the parent reserved.
func NewInstanceSocketName(socketDir, instanceID string) string {
	return filepath.Join(socketDir, "wf-"+instanceID+".sock")
}
