// Package logsvc implements the Persistent Logs sink: a buffered,
// source-scoped, retention-managed log pipeline that emits structured
// events as each batch lands durably.
//
// Grounded on manager.subState's log ring (manager/manager.go: addLog/
// getLogs, a mutex-guarded bounded slice), generalized from an
// in-memory-only per-subscription tail into a durable, flush-batched,
// retention-swept sink — the bounded ring becomes logsvc's overflow
// buffer, and a real adapter.writeBatch replaces "keep the last 200 lines".
package logsvc

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/donkeylabs/core/eventbus"
	"github.com/donkeylabs/core/internal/ids"
	"github.com/donkeylabs/core/metrics"
)

// Level is a log severity, ordered debug < info < warn < error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel parses the canonical lowercase level names, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Source classifies who produced a log entry.
type Source string

const (
	SourceSystem   Source = "system"
	SourceCron     Source = "cron"
	SourceJob      Source = "job"
	SourceWorkflow Source = "workflow"
	SourcePlugin   Source = "plugin"
	SourceRoute    Source = "route"
)

// Entry is a single log record. Write takes an Entry without ID/Timestamp
// populated; Logs stamps both.
type Entry struct {
	ID        string
	Timestamp time.Time
	Level     Level
	Message   string
	Source    Source
	SourceID  string
	Tags      []string
	Data      map[string]any
	Context   map[string]any
}

// Filters narrows a Query/Count call.
type Filters struct {
	Source    Source
	SourceID  string
	MinLevel  Level
	Tags      []string // entry must contain ALL of these
	Search    string   // case-insensitive substring on message
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Adapter is the durable backing store. writeBatch must be atomic: either
// every entry in the batch lands, or none do (the caller re-queues the
// whole batch on failure).
type Adapter interface {
	WriteBatch(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, f Filters) ([]Entry, error)
	Count(ctx context.Context, f Filters) (int, error)
	GetBySource(ctx context.Context, source Source, sourceID string, limit int) ([]Entry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, source Source) error
}

// RetentionPolicy maps a source to how many days its entries are kept.
// A zero entry (or a missing source) falls back to DefaultRetentionDays.
type RetentionPolicy map[Source]int

const (
	// DefaultMaxBufferSize is the default buffer-size flush trigger.
	DefaultMaxBufferSize = 100
	// MaxBufferOverflow is the hard cap beyond which the oldest entries are
	// dropped.
	MaxBufferOverflow = 10_000
	// DefaultFlushInterval is how often the timer forces a flush.
	DefaultFlushInterval = 50 * time.Millisecond
	// DefaultCleanupInterval is how often the retention sweeper runs.
	DefaultCleanupInterval = 24 * time.Hour
	// DefaultRetentionDays is how long entries live absent a per-source override.
	DefaultRetentionDays = 14
)

// Config tunes buffer sizes, flush cadence, and retention.
type Config struct {
	MinLevel        Level
	MaxBufferSize   int
	FlushInterval   time.Duration
	CleanupInterval time.Duration
	Retention       RetentionPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = DefaultMaxBufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.Retention == nil {
		c.Retention = RetentionPolicy{}
	}
	return c
}

// Logs is the Persistent Logs sink.
type Logs struct {
	cfg     Config
	adapter Adapter
	bus     *eventbus.Bus

	mu      sync.Mutex
	buffer  []Entry
	flushing bool
	stopped bool

	flushTimer *time.Timer
	cronSched  *cron.Cron
	cronID     cron.EntryID
}

// New constructs a Logs sink. bus may be nil if event emission isn't needed
// (e.g. in isolated test harnesses).
func New(adapter Adapter, bus *eventbus.Bus, cfg Config) *Logs {
	cfg = cfg.withDefaults()
	l := &Logs{cfg: cfg, adapter: adapter, bus: bus}
	l.flushTimer = time.AfterFunc(cfg.FlushInterval, l.onTimer)
	l.cronSched = cron.New()
	id, err := l.cronSched.AddFunc(fmt.Sprintf("@every %s", cfg.CleanupInterval), l.sweepRetention)
	if err != nil {
		// A malformed interval falls back to the default; this only happens
		// with a programmer error in Config, never at runtime.
		log.Printf("logsvc: invalid cleanup interval %s, using default: %v", cfg.CleanupInterval, err)
		id, _ = l.cronSched.AddFunc(fmt.Sprintf("@every %s", DefaultCleanupInterval), l.sweepRetention)
	}
	l.cronID = id
	l.cronSched.Start()
	return l
}

func (l *Logs) onTimer() {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return
	}
	l.flush(context.Background())
	l.mu.Lock()
	if !l.stopped {
		l.flushTimer.Reset(l.cfg.FlushInterval)
	}
	l.mu.Unlock()
}

// Write enqueues entry synchronously. It is dropped if the sink is stopped
// or entry.Level is below the configured minimum.
func (l *Logs) Write(entry Entry) {
	if entry.Level < l.cfg.MinLevel {
		return
	}
	entry.ID = ids.Log()
	entry.Timestamp = time.Now()

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.buffer = append(l.buffer, entry)

	// Hard overflow cap: trim to the tail, keeping only maxBufferSize.
	if len(l.buffer) > MaxBufferOverflow {
		dropped := len(l.buffer) - l.cfg.MaxBufferSize
		l.buffer = l.buffer[dropped:]
		metrics.LogBufferDropsTotal.Add(float64(dropped))
		log.Printf("logsvc: buffer overflow, dropped %d oldest entries", dropped)
	}

	trigger := len(l.buffer) >= l.cfg.MaxBufferSize
	l.mu.Unlock()

	if trigger {
		go l.flush(context.Background())
	}
}

// Flush forces an immediate drain-and-write of the current buffer.
func (l *Logs) Flush(ctx context.Context) { l.flush(ctx) }

// flush is single-flight: concurrent callers while a flush is already in
// progress are no-ops (the in-progress flush will pick up anything written
// meanwhile on its next invocation via the timer or a full buffer).
func (l *Logs) flush(ctx context.Context) {
	l.mu.Lock()
	if l.flushing || len(l.buffer) == 0 {
		l.mu.Unlock()
		return
	}
	l.flushing = true
	batch := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.flushing = false
		l.mu.Unlock()
	}()

	if err := l.adapter.WriteBatch(ctx, batch); err != nil {
		log.Printf("logsvc: flush failed, re-queuing %d entries: %v", len(batch), err)
		l.mu.Lock()
		l.buffer = append(batch, l.buffer...)
		l.mu.Unlock()
		return
	}

	for _, e := range batch {
		metrics.LogEntriesWrittenTotal.WithLabelValues(string(e.Source)).Inc()
	}

	if l.bus == nil {
		return
	}
	for _, e := range batch {
		l.bus.Emit(ctx, "log.created", e)
		l.bus.Emit(ctx, fmt.Sprintf("log.%s", e.Source), e)
		if e.SourceID != "" {
			l.bus.Emit(ctx, fmt.Sprintf("log.%s.%s", e.Source, e.SourceID), e)
		}
	}
}

// Query returns matching entries ordered by timestamp descending.
func (l *Logs) Query(ctx context.Context, f Filters) ([]Entry, error) {
	entries, err := l.adapter.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("logsvc: query: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	return entries, nil
}

// GetBySource returns recent entries for source (and sourceID, if set).
func (l *Logs) GetBySource(ctx context.Context, source Source, sourceID string, limit int) ([]Entry, error) {
	entries, err := l.adapter.GetBySource(ctx, source, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("logsvc: getBySource: %w", err)
	}
	return entries, nil
}

// Count returns the number of entries matching f.
func (l *Logs) Count(ctx context.Context, f Filters) (int, error) {
	n, err := l.adapter.Count(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("logsvc: count: %w", err)
	}
	return n, nil
}

// sweepRetention runs the per-source retention purge. It never writes to
// the Logs pipeline itself — errors go to the fallback stdlib logger — to
// avoid a write->flush->emit->write cycle inside the sink's own path.
func (l *Logs) sweepRetention() {
	l.mu.Lock()
	stopped := l.stopped
	policy := l.cfg.Retention
	l.mu.Unlock()
	if stopped {
		return
	}

	ctx := context.Background()
	sources := []Source{SourceSystem, SourceCron, SourceJob, SourceWorkflow, SourcePlugin, SourceRoute}
	for _, src := range sources {
		days := DefaultRetentionDays
		if d, ok := policy[src]; ok && d > 0 {
			days = d
		}
		cutoff := time.Now().AddDate(0, 0, -days)
		if err := l.adapter.DeleteOlderThan(ctx, cutoff, src); err != nil {
			if isTableMissing(err) {
				continue
			}
			log.Printf("logsvc: retention sweep for source %q: %v", src, err)
		}
	}
}

// isTableMissing is adapter-agnostic best-effort detection: it recognises
// SQLite's "no such table" and Postgres's "relation ... does not exist"
// error messages.
func isTableMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "does not exist")
}

// Stop halts the flush timer and retention cron, flushing whatever remains
// in the buffer one last time.
func (l *Logs) Stop(ctx context.Context) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()

	l.flushTimer.Stop()
	l.cronSched.Stop()
	l.flush(ctx)
}
