// Package httpapi is the HTTP boundary:
// read-only status endpoints over the four engines, operator actions
// (enqueue, cancel, spawn, start workflow), the Prometheus scrape handler,
// and a websocket bridge that fans Event Bus emissions out to subscribers.
// Authentication/authorization policy is out of scope here; the handshake
// tokens in internal/handshake protect process/workflow IPC, not this
// surface.
//
// Grounded on router/router.go (vanilla net/http, Go 1.22+
// ServeMux path patterns, writeJSON/writeError helpers) generalized from a
// single-resource (subscriptions) API to the five engines this framework
// wires together.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/donkeylabs/core/config"
	"github.com/donkeylabs/core/eventbus"
	"github.com/donkeylabs/core/jobs"
	"github.com/donkeylabs/core/logsvc"
	"github.com/donkeylabs/core/metrics"
	"github.com/donkeylabs/core/processes"
	"github.com/donkeylabs/core/workflows"
)

// Deps holds every component the router exposes over HTTP.
type Deps struct {
	Bus       *eventbus.Bus
	Jobs      *jobs.Jobs
	Processes *processes.Supervisor
	Workflows *workflows.Engine
	Logs      *logsvc.Logs
	Config    *config.Global
}

// New builds the application HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", health(d))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/config", getConfig(d))
	mux.HandleFunc("PUT /api/config", putConfig(d))

	mux.HandleFunc("POST /api/jobs", enqueueJob(d))
	mux.HandleFunc("GET /api/jobs/{id}", getJob(d))
	mux.HandleFunc("POST /api/jobs/{id}/cancel", cancelJob(d))

	mux.HandleFunc("POST /api/processes", spawnProcess(d))
	mux.HandleFunc("GET /api/processes/{id}", getProcess(d))
	mux.HandleFunc("GET /api/processes", listProcesses(d))
	mux.HandleFunc("POST /api/processes/{id}/stop", stopProcess(d))
	mux.HandleFunc("POST /api/processes/{id}/kill", killProcess(d))
	mux.HandleFunc("POST /api/processes/{id}/restart", restartProcess(d))

	mux.HandleFunc("POST /api/workflows/{name}/start", startWorkflow(d))
	mux.HandleFunc("GET /api/workflows/instances/{id}", getInstance(d))
	mux.HandleFunc("POST /api/workflows/instances/{id}/cancel", cancelInstance(d))

	mux.HandleFunc("GET /api/logs", queryLogs(d))

	mux.HandleFunc("GET /api/events/stream", streamEvents(d))

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ---- health / config ----

func health(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"time":   time.Now(),
		})
	}
}

func getConfig(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Config.Get())
	}
}

func putConfig(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var data config.Data
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if err := d.Config.Set(r.Context(), data); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, d.Config.Get())
	}
}

// ---- jobs ----

func enqueueJob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name    string         `json:"name"`
			Payload any            `json:"payload"`
			RunAt   *time.Time     `json:"runAt,omitempty"`
			Options jobs.EnqueueOptions `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if body.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		var (
			id  string
			err error
		)
		if body.RunAt != nil {
			id, err = d.Jobs.Schedule(r.Context(), body.Name, body.Payload, *body.RunAt, body.Options)
		} else {
			id, err = d.Jobs.Enqueue(r.Context(), body.Name, body.Payload, body.Options)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func getJob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := d.Jobs.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func cancelJob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Jobs.Cancel(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- processes ----

func spawnProcess(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name    string                   `json:"name"`
			Options processes.SpawnOptions   `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if body.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		id, err := d.Processes.Spawn(r.Context(), body.Name, body.Options)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func getProcess(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proc, err := d.Processes.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, proc)
	}
}

func listProcesses(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if name := r.URL.Query().Get("name"); name != "" {
			procs, err := d.Processes.GetByName(r.Context(), name)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, procs)
			return
		}
		procs, err := d.Processes.GetRunning(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, procs)
	}
}

func stopProcess(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Processes.Stop(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func killProcess(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Processes.Kill(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func restartProcess(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		newID, err := d.Processes.Restart(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": newID})
	}
}

// ---- workflows ----

func startWorkflow(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input   any                     `json:"input"`
			Options workflows.StartOptions  `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		inst, err := d.Workflows.Start(r.Context(), r.PathValue("name"), body.Input, body.Options)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, inst)
	}
}

func getInstance(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := d.Workflows.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, inst)
	}
}

func cancelInstance(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Workflows.Cancel(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- logs ----

func queryLogs(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := logsvc.Filters{
			Source:   logsvc.Source(q.Get("source")),
			SourceID: q.Get("sourceId"),
			Search:   q.Get("search"),
		}
		if lv := q.Get("minLevel"); lv != "" {
			f.MinLevel = logsvc.ParseLevel(lv)
		}
		if lim := q.Get("limit"); lim != "" {
			if n, err := strconv.Atoi(lim); err == nil {
				f.Limit = n
			}
		}
		if off := q.Get("offset"); off != "" {
			if n, err := strconv.Atoi(off); err == nil {
				f.Offset = n
			}
		}
		entries, err := d.Logs.Query(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}
