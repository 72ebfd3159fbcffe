// Package config manages the global engine configuration: a set of
// runtime-tunable values (poll intervals, buffer sizes, retention, IPC
// defaults) layered as embedded YAML defaults overridden by a single DB row.
//
// Grounded on config.Global (backend/config/config.go):
// embedded-YAML defaults, JSON round-trip through a ConfigStore row, a
// mutex-guarded in-memory copy read via Get and replaced via Set.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/donkeylabs/core/store"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable tunables shared by every engine.
type Data struct {
	// Event Bus (C1)
	MaxHistorySize int `json:"max_history_size" yaml:"max_history_size"`

	// Persistent Logs (C2)
	MaxBufferSize      int            `json:"max_buffer_size"      yaml:"max_buffer_size"`
	FlushIntervalMs     int            `json:"flush_interval_ms"     yaml:"flush_interval_ms"`
	CleanupIntervalHours int           `json:"cleanup_interval_hours" yaml:"cleanup_interval_hours"`
	RetentionDaysBySource map[string]int `json:"retention_days_by_source" yaml:"retention_days_by_source"`

	// Jobs (C3)
	PollIntervalMs       int     `json:"poll_interval_ms"       yaml:"poll_interval_ms"`
	LeaseDurationMs      int     `json:"lease_duration_ms"      yaml:"lease_duration_ms"`
	HeartbeatIntervalMs  int     `json:"heartbeat_interval_ms"  yaml:"heartbeat_interval_ms"`
	DefaultMaxAttempts   int     `json:"default_max_attempts"   yaml:"default_max_attempts"`
	JobConcurrency       int     `json:"job_concurrency"        yaml:"job_concurrency"`
	BackoffInitialMs     int     `json:"backoff_initial_ms"     yaml:"backoff_initial_ms"`
	BackoffMultiplier    float64 `json:"backoff_multiplier"     yaml:"backoff_multiplier"`
	BackoffMaxMs         int     `json:"backoff_max_ms"         yaml:"backoff_max_ms"`

	// Processes Supervisor (C4)
	SocketDir              string `json:"socket_dir"               yaml:"socket_dir"`
	UseTCPFallback         bool   `json:"use_tcp_fallback"         yaml:"use_tcp_fallback"`
	TCPPortLow             int    `json:"tcp_port_low"             yaml:"tcp_port_low"`
	TCPPortHigh            int    `json:"tcp_port_high"            yaml:"tcp_port_high"`
	HeartbeatCheckIntervalMs int  `json:"heartbeat_check_interval_ms" yaml:"heartbeat_check_interval_ms"`
	KillGraceMs            int    `json:"kill_grace_ms"            yaml:"kill_grace_ms"`
	ReadyTimeoutMs         int    `json:"ready_timeout_ms"         yaml:"ready_timeout_ms"`

	// Workflows Engine (C5)
	WorkflowReadyTimeoutMs     int `json:"workflow_ready_timeout_ms"     yaml:"workflow_ready_timeout_ms"`
	WorkflowHeartbeatTimeoutMs int `json:"workflow_heartbeat_timeout_ms" yaml:"workflow_heartbeat_timeout_ms"`
	WorkflowKillGraceMs        int `json:"workflow_kill_grace_ms"        yaml:"workflow_kill_grace_ms"`

	// HTTP boundary
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
}

// Global is a thread-safe, DB-backed wrapper around Data.
type Global struct {
	mu   sync.RWMutex
	data Data
	st   store.ConfigStore
}

// Load initializes Global from the DB, seeding the embedded defaults on
// first run.
func Load(ctx context.Context, st store.ConfigStore) (*Global, error) {
	g := &Global{st: st, data: defaults()}

	raw, found, err := st.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		if err := g.persist(ctx, g.data); err != nil {
			return nil, err
		}
		return g, nil
	}

	// Re-serialize the map -> JSON -> Data so we benefit from json tags and
	// so a partially-populated row is overlaid on top of the defaults.
	merged := g.data
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	g.data = merged
	return g, nil
}

func defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	return d
}

func (g *Global) persist(ctx context.Context, d Data) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	return g.st.SetConfig(ctx, m)
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the configuration and persists it to the DB.
func (g *Global) Set(ctx context.Context, d Data) error {
	if err := g.persist(ctx, d); err != nil {
		return err
	}
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return nil
}

func (d Data) PollInterval() time.Duration      { return time.Duration(d.PollIntervalMs) * time.Millisecond }
func (d Data) LeaseDuration() time.Duration      { return time.Duration(d.LeaseDurationMs) * time.Millisecond }
func (d Data) HeartbeatInterval() time.Duration  { return time.Duration(d.HeartbeatIntervalMs) * time.Millisecond }
func (d Data) FlushInterval() time.Duration      { return time.Duration(d.FlushIntervalMs) * time.Millisecond }
func (d Data) CleanupInterval() time.Duration    { return time.Duration(d.CleanupIntervalHours) * time.Hour }
func (d Data) KillGrace() time.Duration          { return time.Duration(d.KillGraceMs) * time.Millisecond }
func (d Data) ReadyTimeout() time.Duration       { return time.Duration(d.ReadyTimeoutMs) * time.Millisecond }
func (d Data) HeartbeatCheckInterval() time.Duration {
	return time.Duration(d.HeartbeatCheckIntervalMs) * time.Millisecond
}
func (d Data) WorkflowReadyTimeout() time.Duration {
	return time.Duration(d.WorkflowReadyTimeoutMs) * time.Millisecond
}
func (d Data) WorkflowHeartbeatTimeout() time.Duration {
	return time.Duration(d.WorkflowHeartbeatTimeoutMs) * time.Millisecond
}
func (d Data) WorkflowKillGrace() time.Duration {
	return time.Duration(d.WorkflowKillGraceMs) * time.Millisecond
}
