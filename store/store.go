// Package store defines the persistence boundary shared by every engine.
// Concrete backends (store/postgres, store/sqlite) each hand out one
// sub-adapter per engine (Jobs, Processes, Workflows, Logs) plus a
// ConfigStore, all backed by the same underlying connection, and are wired
// into the matching engine in cmd/donkeylabsd.
//
// Grounded on store.Store interface (backend/store/store.go):
// one interface per entity family, implemented once per backend, injected
// into the owning component rather than imported directly.
package store

import (
	"context"

	"github.com/donkeylabs/core/jobs"
	"github.com/donkeylabs/core/logsvc"
	"github.com/donkeylabs/core/processes"
	"github.com/donkeylabs/core/workflows"
)

// ConfigStore persists the operator-editable overlay on top of the
// embedded YAML defaults.
type ConfigStore interface {
	GetConfig(ctx context.Context) (map[string]any, bool, error)
	SetConfig(ctx context.Context, data map[string]any) error
}

// Store aggregates every backend a concrete DB implementation must satisfy.
// jobs.Adapter and processes.Adapter both declare a same-shaped Get method
// with different return types, so the aggregate exposes one accessor
// method per engine rather than embedding the Adapter interfaces directly.
type Store interface {
	ConfigStore
	Jobs() jobs.Adapter
	Processes() processes.Adapter
	Workflows() workflows.Adapter
	Logs() logsvc.Adapter
	Close() error
}
