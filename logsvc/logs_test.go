package logsvc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/donkeylabs/core/eventbus"
)

// memAdapter is an in-memory Adapter for exercising Logs without a real store.
type memAdapter struct {
	mu      sync.Mutex
	entries []Entry
	failN   int // WriteBatch fails the next failN calls
}

func (m *memAdapter) WriteBatch(ctx context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failN > 0 {
		m.failN--
		return errors.New("simulated write failure")
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memAdapter) Query(ctx context.Context, f Filters) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		if e.Level < f.MinLevel {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memAdapter) Count(ctx context.Context, f Filters) (int, error) {
	entries, _ := m.Query(ctx, f)
	return len(entries), nil
}

func (m *memAdapter) GetBySource(ctx context.Context, source Source, sourceID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Source != source {
			continue
		}
		if sourceID != "" && e.SourceID != sourceID {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memAdapter) DeleteOlderThan(ctx context.Context, cutoff time.Time, source Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Entry
	for _, e := range m.entries {
		if e.Source == source && e.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return nil
}

func (m *memAdapter) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newTestLogs(adapter Adapter, bus *eventbus.Bus) *Logs {
	return New(adapter, bus, Config{
		MaxBufferSize:   3,
		FlushInterval:   20 * time.Millisecond,
		CleanupInterval: time.Hour,
	})
}

func TestWriteTriggersFlushAtBufferSize(t *testing.T) {
	adapter := &memAdapter{}
	l := newTestLogs(adapter, nil)
	defer l.Stop(context.Background())

	for i := 0; i < 3; i++ {
		l.Write(Entry{Message: "m", Source: SourceJob, Level: LevelInfo})
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for adapter.len() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := adapter.len(); got != 3 {
		t.Fatalf("adapter has %d entries, want 3", got)
	}
}

func TestTimerFlushesPartialBuffer(t *testing.T) {
	adapter := &memAdapter{}
	l := newTestLogs(adapter, nil)
	defer l.Stop(context.Background())

	l.Write(Entry{Message: "only one", Source: SourceSystem, Level: LevelInfo})

	deadline := time.Now().Add(500 * time.Millisecond)
	for adapter.len() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := adapter.len(); got != 1 {
		t.Fatalf("adapter has %d entries, want 1", got)
	}
}

func TestBelowMinLevelIsDropped(t *testing.T) {
	adapter := &memAdapter{}
	l := New(adapter, nil, Config{MinLevel: LevelWarn, MaxBufferSize: 1, FlushInterval: time.Hour, CleanupInterval: time.Hour})
	defer l.Stop(context.Background())

	l.Write(Entry{Message: "debug noise", Source: SourceSystem, Level: LevelDebug})
	l.Flush(context.Background())

	if got := adapter.len(); got != 0 {
		t.Fatalf("adapter has %d entries, want 0 (below min level)", got)
	}
}

func TestFlushFailureRequeuesBatch(t *testing.T) {
	adapter := &memAdapter{failN: 1}
	l := newTestLogs(adapter, nil)
	defer l.Stop(context.Background())

	for i := 0; i < 3; i++ {
		l.Write(Entry{Message: "m", Source: SourceJob, Level: LevelInfo})
	}

	// First flush fails and requeues; the timer's next pass should succeed.
	deadline := time.Now().Add(500 * time.Millisecond)
	for adapter.len() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := adapter.len(); got != 3 {
		t.Fatalf("adapter has %d entries after retried flush, want 3", got)
	}
}

func TestFlushEmitsPerEntryEvents(t *testing.T) {
	adapter := &memAdapter{}
	bus := eventbus.New()
	defer bus.Stop()

	var created, bySource, bySourceID int
	var mu sync.Mutex
	bus.On("log.created", func(ctx context.Context, rec eventbus.Record) {
		mu.Lock()
		created++
		mu.Unlock()
	})
	bus.On("log.job", func(ctx context.Context, rec eventbus.Record) {
		mu.Lock()
		bySource++
		mu.Unlock()
	})
	bus.On("log.job.job_123", func(ctx context.Context, rec eventbus.Record) {
		mu.Lock()
		bySourceID++
		mu.Unlock()
	})

	l := New(adapter, bus, Config{MaxBufferSize: 1, FlushInterval: time.Hour, CleanupInterval: time.Hour})
	defer l.Stop(context.Background())

	l.Write(Entry{Message: "job tick", Source: SourceJob, SourceID: "job_123", Level: LevelInfo})
	l.Flush(context.Background())

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := created == 1 && bySource == 1 && bySourceID == 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if created != 1 || bySource != 1 || bySourceID != 1 {
		t.Fatalf("created=%d bySource=%d bySourceID=%d, want 1/1/1", created, bySource, bySourceID)
	}
}

func TestStopFlushesRemainder(t *testing.T) {
	adapter := &memAdapter{}
	l := New(adapter, nil, Config{MaxBufferSize: 100, FlushInterval: time.Hour, CleanupInterval: time.Hour})

	l.Write(Entry{Message: "last one", Source: SourceSystem, Level: LevelInfo})
	l.Stop(context.Background())

	if got := adapter.len(); got != 1 {
		t.Fatalf("adapter has %d entries after Stop, want 1", got)
	}

	// Writes after Stop are dropped.
	l.Write(Entry{Message: "too late", Source: SourceSystem, Level: LevelInfo})
	l.Flush(context.Background())
	if got := adapter.len(); got != 1 {
		t.Fatalf("adapter has %d entries after post-Stop write, want 1", got)
	}
}

func TestSweepRetentionDeletesOldEntries(t *testing.T) {
	adapter := &memAdapter{}
	l := newTestLogs(adapter, nil)
	defer l.Stop(context.Background())

	adapter.mu.Lock()
	adapter.entries = []Entry{
		{ID: "1", Source: SourceJob, Timestamp: time.Now().AddDate(0, 0, -30)},
		{ID: "2", Source: SourceJob, Timestamp: time.Now()},
	}
	adapter.mu.Unlock()

	l.cfg.Retention = RetentionPolicy{SourceJob: 7}
	l.sweepRetention()

	remaining, _ := adapter.Query(context.Background(), Filters{})
	if len(remaining) != 1 || remaining[0].ID != "2" {
		t.Fatalf("remaining entries = %+v, want only id=2", remaining)
	}
}
