package config

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type memConfigStore struct {
	mu    sync.Mutex
	data  map[string]any
	found bool
}

func (m *memConfigStore) GetConfig(ctx context.Context) (map[string]any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, m.found, nil
}

func (m *memConfigStore) SetConfig(ctx context.Context, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	m.found = true
	return nil
}

type errConfigStore struct{}

func (errConfigStore) GetConfig(ctx context.Context) (map[string]any, bool, error) {
	return nil, false, errors.New("boom")
}
func (errConfigStore) SetConfig(ctx context.Context, data map[string]any) error {
	return errors.New("boom")
}

func TestLoadSeedsDefaultsOnFirstRun(t *testing.T) {
	st := &memConfigStore{}
	g, err := Load(context.Background(), st)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	data := g.Get()
	if data.MaxHistorySize != 1000 {
		t.Fatalf("MaxHistorySize = %d, want 1000", data.MaxHistorySize)
	}
	if data.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q, want :8080", data.HTTPAddr)
	}
	if data.RetentionDaysBySource["system"] != 30 {
		t.Fatalf("RetentionDaysBySource[system] = %d, want 30", data.RetentionDaysBySource["system"])
	}
	if !st.found {
		t.Fatal("Load did not persist the seeded defaults back to the store")
	}
}

func TestLoadOverlaysPartialRow(t *testing.T) {
	st := &memConfigStore{
		found: true,
		data:  map[string]any{"job_concurrency": float64(16)},
	}
	g, err := Load(context.Background(), st)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	data := g.Get()
	if data.JobConcurrency != 16 {
		t.Fatalf("JobConcurrency = %d, want 16 (from stored row)", data.JobConcurrency)
	}
	if data.MaxHistorySize != 1000 {
		t.Fatalf("MaxHistorySize = %d, want 1000 (defaults survive fields absent from the stored row)", data.MaxHistorySize)
	}
}

func TestSetPersistsAndUpdatesInMemoryCopy(t *testing.T) {
	st := &memConfigStore{}
	g, err := Load(context.Background(), st)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	next := g.Get()
	next.JobConcurrency = 99
	if err := g.Set(context.Background(), next); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if g.Get().JobConcurrency != 99 {
		t.Fatalf("Get() after Set = %d, want 99", g.Get().JobConcurrency)
	}
	stored, _, _ := st.GetConfig(context.Background())
	if stored["job_concurrency"].(float64) != 99 {
		t.Fatalf("stored row job_concurrency = %v, want 99", stored["job_concurrency"])
	}
}

func TestLoadPropagatesStoreError(t *testing.T) {
	if _, err := Load(context.Background(), errConfigStore{}); err == nil {
		t.Fatal("expected Load to surface the store error")
	}
}

func TestDurationHelpers(t *testing.T) {
	d := Data{
		PollIntervalMs:    1500,
		BackoffMultiplier: 2.0,
	}
	if got := d.PollInterval(); got.Milliseconds() != 1500 {
		t.Fatalf("PollInterval() = %v, want 1500ms", got)
	}
}
